// Package server implements the tunnel control plane: it accepts control
// connections, runs the optional auth handshake, registers subdomains to
// freshly claimed public ports, and forwards inbound connections back to
// the owning client.
package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/floegence/revtun/auth"
	"github.com/floegence/revtun/fserrors"
	"github.com/floegence/revtun/framing"
	"github.com/floegence/revtun/internal/defaults"
	"github.com/floegence/revtun/observability"
	"github.com/floegence/revtun/protocol"
	"github.com/floegence/revtun/registry"
	"github.com/google/uuid"
)

// Config controls the server's port range, auth requirement, and observer.
type Config struct {
	BindAddress   string // Address public listeners bind to (e.g. "0.0.0.0").
	MinPort       uint16 // Lower bound of the claimable public port range.
	MaxPort       uint16 // Upper bound of the claimable public port range.
	ClaimAttempts int    // Random ports probed before a claim gives up.

	Secret string // Shared passphrase; empty disables auth.

	Logger   *log.Logger
	Observer observability.TunnelObserver
}

// DefaultConfig returns the port range and attempt budget from the package
// defaults, with auth disabled.
func DefaultConfig() Config {
	return Config{
		BindAddress:   "0.0.0.0",
		MinPort:       defaults.MinPort,
		MaxPort:       defaults.MaxPort,
		ClaimAttempts: defaults.PortClaimAttempts,
		Observer:      observability.NoopTunnelObserver,
	}
}

// Stats is a point-in-time snapshot of server activity.
type Stats struct {
	ConnCount   int64
	TunnelCount int
}

// Server accepts control connections on a listener and drives each tunnel's
// lifecycle until the client disconnects.
type Server struct {
	cfg  Config
	auth *auth.Authenticator
	reg  *registry.Registry
	obs  observability.TunnelObserver
	log  *log.Logger

	connCount int64
}

// New validates cfg and returns a Server ready to Serve connections.
func New(cfg Config) (*Server, error) {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "0.0.0.0"
	}
	if cfg.MinPort == 0 {
		cfg.MinPort = defaults.MinPort
	}
	if cfg.MaxPort == 0 {
		cfg.MaxPort = defaults.MaxPort
	}
	if cfg.MaxPort < cfg.MinPort {
		return nil, errors.New("server: max-port must be >= min-port")
	}
	if cfg.ClaimAttempts <= 0 {
		cfg.ClaimAttempts = defaults.PortClaimAttempts
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopTunnelObserver
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	var a *auth.Authenticator
	if cfg.Secret != "" {
		var err error
		a, err = auth.New(cfg.Secret)
		if err != nil {
			return nil, err
		}
	}

	s := &Server{
		cfg:  cfg,
		auth: a,
		obs:  cfg.Observer,
		log:  cfg.Logger,
		reg: registry.New(registry.Config{
			BindAddress:   cfg.BindAddress,
			MinPort:       cfg.MinPort,
			MaxPort:       cfg.MaxPort,
			ClaimAttempts: cfg.ClaimAttempts,
			ReapTimeout:   defaults.PendingReapTimeout,
		}),
	}
	return s, nil
}

// Stats returns the current connection and tunnel counts.
func (s *Server) Stats() Stats {
	return Stats{
		ConnCount:   atomic.LoadInt64(&s.connCount),
		TunnelCount: s.reg.SubdomainCount(),
	}
}

// Serve accepts control connections from ln, spawning one goroutine per
// connection, until ln.Accept returns an error (typically because ln was
// closed during shutdown).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		atomic.AddInt64(&s.connCount, 1)
		s.obs.ConnCount(atomic.LoadInt64(&s.connCount))
		go func() {
			defer func() {
				atomic.AddInt64(&s.connCount, -1)
				s.obs.ConnCount(atomic.LoadInt64(&s.connCount))
				conn.Close()
			}()
			if err := s.handleControl(conn); err != nil {
				s.log.Printf("control connection from %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func (s *Server) handleControl(conn net.Conn) error {
	fc := framing.New(conn)

	if s.auth != nil {
		if err := s.auth.ServerHandshake(fc); err != nil {
			_ = fc.Send(protocol.NewError(err.Error()))
			return fmt.Errorf("auth: %w", err)
		}
	}

	var msg protocol.ClientMessage
	if err := fc.RecvTimeout(&msg, defaults.HandshakeTimeout); err != nil {
		return fmt.Errorf("recv first message: %w", err)
	}

	switch {
	case msg.Hello != nil:
		return s.handleRegister(fc, msg.Hello)
	case msg.Accept != nil:
		return s.handleAccept(fc, msg.Accept.ID)
	default:
		_ = fc.Send(protocol.NewError("unexpected message"))
		return fserrors.Wrap(fserrors.KindProtocol, fserrors.StageAccept, fserrors.CodeUnexpectedMessage, nil)
	}
}

func (s *Server) handleRegister(fc *framing.Conn, hello *protocol.HelloRequest) error {
	ln, err := s.reg.ClaimPort(hello.Subdomain)
	if err != nil {
		reason := observability.RegisterReasonProtocolError
		switch {
		case errors.Is(err, registry.ErrSubdomainTaken):
			reason = observability.RegisterReasonSubdomainTaken
		case errors.Is(err, registry.ErrNoFreePorts):
			reason = observability.RegisterReasonNoFreePorts
		}
		s.obs.Register(observability.RegisterResultFail, reason)
		_ = fc.Send(protocol.NewError(err.Error()))
		return err
	}

	publicPort := uint16(ln.Addr().(*net.TCPAddr).Port)
	if err := fc.Send(protocol.NewServerHello(publicPort)); err != nil {
		ln.Close()
		s.reg.Release(hello.Subdomain)
		return fmt.Errorf("send hello: %w", err)
	}
	s.obs.Register(observability.RegisterResultOK, observability.RegisterReasonOK)
	s.obs.TunnelCount(s.reg.SubdomainCount())
	s.log.Printf("tunnel registered: subdomain=%s public_port=%d", hello.Subdomain, publicPort)

	err = s.driveTunnel(fc, ln, hello.Subdomain)
	ln.Close()
	s.reg.Release(hello.Subdomain)
	s.obs.TunnelCount(s.reg.SubdomainCount())
	closeReason := observability.CloseReasonClientGone
	if err != nil {
		closeReason = observability.CloseReasonListenerError
	}
	s.obs.Close(closeReason)
	s.log.Printf("tunnel closed: subdomain=%s", hello.Subdomain)
	return err
}

// driveTunnel heartbeats the control connection and, each iteration, accepts
// with a deadline so a heartbeat goes out at least every HeartbeatInterval —
// the same timeout(500ms, listener.accept()) shape the accept loop mirrors,
// just without a background goroutine feeding a buffered channel, so no
// accepted connection can ever be left unprocessed when driveTunnel returns.
func (s *Server) driveTunnel(fc *framing.Conn, ln net.Listener, subdomain string) error {
	dln, ok := ln.(interface{ SetDeadline(time.Time) error })
	if !ok {
		return fmt.Errorf("listener %T does not support accept deadlines", ln)
	}

	for {
		if err := fc.Send(protocol.NewHeartbeat()); err != nil {
			return nil
		}

		if err := dln.SetDeadline(time.Now().Add(defaults.HeartbeatInterval)); err != nil {
			return fmt.Errorf("set accept deadline: %w", err)
		}
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		s.obs.InboundConnection()
		id := s.reg.PutPending(conn, func(id uuid.UUID) {
			s.obs.StaleReaped()
			s.log.Printf("stale pending connection removed: id=%s", id)
		})
		s.log.Printf("inbound connection: subdomain=%s id=%s", subdomain, id)
		if err := fc.Send(protocol.NewConnection(id)); err != nil {
			// The client is gone; the pending entry is left to its reap timer.
			return nil
		}
	}
}

// handleAccept splices the pending inbound connection identified by id with
// the now-raw control connection: any bytes already buffered by fc's framing
// layer are flushed to the inbound connection before the bidirectional copy
// begins, so no data sent ahead of the framing downgrade is lost.
func (s *Server) handleAccept(fc *framing.Conn, id uuid.UUID) error {
	inbound, ok := s.reg.Take(id)
	if !ok {
		return fserrors.Wrap(fserrors.KindProtocol, fserrors.StageAccept, fserrors.CodeUnknownPending, nil)
	}
	defer inbound.Close()

	raw := fc.IntoRaw()
	if len(raw.Leftover) > 0 {
		if _, err := inbound.Write(raw.Leftover); err != nil {
			return fmt.Errorf("flush leftover: %w", err)
		}
	}
	return copyBidirectional(inbound, raw.Conn)
}

func copyBidirectional(a, b net.Conn) error {
	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(a, b)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(b, a)
		errCh <- err
	}()
	err := <-errCh
	a.Close()
	b.Close()
	<-errCh
	return err
}
