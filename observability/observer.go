// Package observability defines the metric events the tunnel server emits,
// independent of any particular backend (Prometheus, no-op, a test double).
package observability

import (
	"sync"
	"sync/atomic"
)

// RegisterResult is the outcome of a subdomain registration attempt.
type RegisterResult string

const (
	RegisterResultOK   RegisterResult = "ok"
	RegisterResultFail RegisterResult = "fail"
)

// RegisterReason further qualifies a failed registration.
type RegisterReason string

const (
	RegisterReasonOK             RegisterReason = "ok"
	RegisterReasonAuthFailed     RegisterReason = "auth_failed"
	RegisterReasonSubdomainTaken RegisterReason = "subdomain_taken"
	RegisterReasonNoFreePorts    RegisterReason = "no_free_ports"
	RegisterReasonProtocolError  RegisterReason = "protocol_error"
)

// CloseReason records why a registered tunnel's control connection ended.
type CloseReason string

const (
	CloseReasonClientGone    CloseReason = "client_gone"
	CloseReasonListenerError CloseReason = "listener_error"
	CloseReasonShutdown      CloseReason = "shutdown"
)

// TunnelObserver receives tunnel-level metric events from the server.
type TunnelObserver interface {
	ConnCount(n int64)
	TunnelCount(n int)
	Register(result RegisterResult, reason RegisterReason)
	InboundConnection()
	StaleReaped()
	Close(reason CloseReason)
}

type noopTunnelObserver struct{}

func (noopTunnelObserver) ConnCount(int64)                         {}
func (noopTunnelObserver) TunnelCount(int)                         {}
func (noopTunnelObserver) Register(RegisterResult, RegisterReason) {}
func (noopTunnelObserver) InboundConnection()                      {}
func (noopTunnelObserver) StaleReaped()                            {}
func (noopTunnelObserver) Close(CloseReason)                       {}

// NoopTunnelObserver is a zero-cost observer used when metrics are disabled.
var NoopTunnelObserver TunnelObserver = noopTunnelObserver{}

// AtomicTunnelObserver swaps its delegate at runtime, so a CLI can turn
// metrics export on and off (e.g. in response to a signal) without racing
// the server's hot path.
type AtomicTunnelObserver struct {
	once sync.Once
	v    atomic.Value
}

type tunnelObserverHolder struct {
	obs TunnelObserver
}

// NewAtomicTunnelObserver returns an initialized atomic observer defaulting
// to the no-op delegate.
func NewAtomicTunnelObserver() *AtomicTunnelObserver {
	a := &AtomicTunnelObserver{}
	a.once.Do(func() { a.v.Store(&tunnelObserverHolder{obs: NoopTunnelObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicTunnelObserver) Set(obs TunnelObserver) {
	if obs == nil {
		obs = NoopTunnelObserver
	}
	a.once.Do(func() { a.v.Store(&tunnelObserverHolder{obs: NoopTunnelObserver}) })
	a.v.Store(&tunnelObserverHolder{obs: obs})
}

func (a *AtomicTunnelObserver) load() TunnelObserver {
	a.once.Do(func() { a.v.Store(&tunnelObserverHolder{obs: NoopTunnelObserver}) })
	return a.v.Load().(*tunnelObserverHolder).obs
}

func (a *AtomicTunnelObserver) ConnCount(n int64) { a.load().ConnCount(n) }
func (a *AtomicTunnelObserver) TunnelCount(n int) { a.load().TunnelCount(n) }
func (a *AtomicTunnelObserver) Register(result RegisterResult, reason RegisterReason) {
	a.load().Register(result, reason)
}
func (a *AtomicTunnelObserver) InboundConnection()       { a.load().InboundConnection() }
func (a *AtomicTunnelObserver) StaleReaped()             { a.load().StaleReaped() }
func (a *AtomicTunnelObserver) Close(reason CloseReason) { a.load().Close(reason) }
