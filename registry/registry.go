// Package registry tracks claimed subdomains and pending inbound
// connections for the tunnel server: a subdomain maps to exactly one public
// port, and an inbound connection is held under a random id until the
// owning client accepts it or a reap timer drops it.
package registry

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSubdomainTaken = errors.New("registry: subdomain already in use")
	ErrNoFreePorts    = errors.New("registry: no free ports available")
)

// Config bounds the port range probed when claiming a new listener and the
// number of random ports tried before giving up.
type Config struct {
	BindAddress   string
	MinPort       uint16
	MaxPort       uint16
	ClaimAttempts int
	ReapTimeout   time.Duration
}

// Registry is the server's shared, concurrency-safe bookkeeping for
// in-flight tunnels. The zero value is not usable; construct with New.
type Registry struct {
	cfg Config

	mu         sync.Mutex
	subdomains map[string]uint16

	pendingMu sync.Mutex
	pending   map[uuid.UUID]*pendingConn
}

type pendingConn struct {
	conn  net.Conn
	timer *time.Timer
	taken bool
}

// New returns a Registry ready to claim ports in [cfg.MinPort, cfg.MaxPort].
func New(cfg Config) *Registry {
	return &Registry{
		cfg:        cfg,
		subdomains: make(map[string]uint16),
		pending:    make(map[uuid.UUID]*pendingConn),
	}
}

// SubdomainCount reports how many subdomains currently hold a claimed port.
func (r *Registry) SubdomainCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subdomains)
}

// ClaimPort binds a fresh listener for subdomain, probing up to
// cfg.ClaimAttempts random ports in range. It fails immediately if the
// subdomain is already registered, without consuming an attempt.
func (r *Registry) ClaimPort(subdomain string) (net.Listener, error) {
	r.mu.Lock()
	if _, taken := r.subdomains[subdomain]; taken {
		r.mu.Unlock()
		return nil, fmt.Errorf("%q: %w", subdomain, ErrSubdomainTaken)
	}
	r.mu.Unlock()

	span := int(r.cfg.MaxPort) - int(r.cfg.MinPort) + 1
	for i := 0; i < r.cfg.ClaimAttempts; i++ {
		port := uint16(int(r.cfg.MinPort) + rand.IntN(span))
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", r.cfg.BindAddress, port))
		if err != nil {
			continue
		}

		r.mu.Lock()
		if _, taken := r.subdomains[subdomain]; taken {
			r.mu.Unlock()
			ln.Close()
			return nil, fmt.Errorf("%q: %w", subdomain, ErrSubdomainTaken)
		}
		r.subdomains[subdomain] = port
		r.mu.Unlock()
		return ln, nil
	}
	return nil, ErrNoFreePorts
}

// Release frees subdomain's claimed port, allowing it to be registered
// again.
func (r *Registry) Release(subdomain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subdomains, subdomain)
}

// PutPending stores an inbound connection under a fresh id and arms a reap
// timer: if nothing calls Take with that id within cfg.ReapTimeout, the
// connection is removed and closed, and onReap (when non-nil) is called with
// the id.
func (r *Registry) PutPending(conn net.Conn, onReap func(id uuid.UUID)) uuid.UUID {
	id := uuid.New()
	pc := &pendingConn{conn: conn}

	r.pendingMu.Lock()
	r.pending[id] = pc
	r.pendingMu.Unlock()

	pc.timer = time.AfterFunc(r.cfg.ReapTimeout, func() {
		r.pendingMu.Lock()
		cur, ok := r.pending[id]
		if !ok || cur.taken {
			r.pendingMu.Unlock()
			return
		}
		delete(r.pending, id)
		r.pendingMu.Unlock()
		cur.conn.Close()
		if onReap != nil {
			onReap(id)
		}
	})
	return id
}

// Take removes and returns the pending connection for id, at most once: a
// racing reap or a second Take call both receive ok=false.
func (r *Registry) Take(id uuid.UUID) (net.Conn, bool) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	pc, ok := r.pending[id]
	if !ok || pc.taken {
		return nil, false
	}
	pc.taken = true
	pc.timer.Stop()
	delete(r.pending, id)
	return pc.conn, true
}

// PendingCount reports how many inbound connections are currently parked
// awaiting Accept.
func (r *Registry) PendingCount() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}
