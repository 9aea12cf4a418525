// Package client drives one side of a reverse tunnel: it registers a
// subdomain with a server, then, for every inbound connection the server
// announces, opens a fresh control connection, accepts that specific
// connection, and splices it to a locally dialed service.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/floegence/revtun/auth"
	"github.com/floegence/revtun/framing"
	"github.com/floegence/revtun/internal/defaults"
	"github.com/floegence/revtun/protocol"
	"github.com/google/uuid"
)

var (
	ErrAuthRequired       = errors.New("client: server requires auth but no secret was configured")
	ErrUnexpectedResponse = errors.New("client: unexpected response to registration")
)

// ConnectOption configures a Config built by NewConfig.
type ConnectOption func(*Config) error

// Config holds everything one Run call needs to maintain a tunnel.
type Config struct {
	Subdomain string
	Proto     protocol.Proto

	ServerHost string
	ServerPort uint16

	LocalHost string
	LocalPort uint16

	Secret string

	Logger *log.Logger

	// OnRegistered, when set, is called once with the server-assigned public
	// port after a successful registration.
	OnRegistered func(publicPort uint16)
}

func defaultConfig() Config {
	return Config{
		ServerPort: defaults.ControlPort,
		Proto:      protocol.ProtoHTTP,
		LocalHost:  "localhost",
		Logger:     log.New(io.Discard, "", 0),
	}
}

// NewConfig builds a Config from the given options, starting from the
// package defaults.
func NewConfig(subdomain string, localPort uint16, opts ...ConnectOption) (Config, error) {
	cfg := defaultConfig()
	cfg.Subdomain = subdomain
	cfg.LocalPort = localPort
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return Config{}, err
		}
	}
	if cfg.Subdomain == "" {
		return Config{}, errors.New("client: subdomain must not be empty")
	}
	if cfg.ServerHost == "" {
		return Config{}, errors.New("client: server host must not be empty")
	}
	if cfg.LocalPort == 0 {
		return Config{}, errors.New("client: local port must not be zero")
	}
	return cfg, nil
}

func WithProto(p protocol.Proto) ConnectOption {
	return func(cfg *Config) error {
		cfg.Proto = p
		return nil
	}
}

func WithServer(host string, port uint16) ConnectOption {
	return func(cfg *Config) error {
		cfg.ServerHost = host
		if port != 0 {
			cfg.ServerPort = port
		}
		return nil
	}
}

func WithLocalHost(host string) ConnectOption {
	return func(cfg *Config) error {
		if host != "" {
			cfg.LocalHost = host
		}
		return nil
	}
}

func WithSecret(secret string) ConnectOption {
	return func(cfg *Config) error {
		cfg.Secret = secret
		return nil
	}
}

func WithLogger(l *log.Logger) ConnectOption {
	return func(cfg *Config) error {
		if l != nil {
			cfg.Logger = l
		}
		return nil
	}
}

func WithOnRegistered(f func(publicPort uint16)) ConnectOption {
	return func(cfg *Config) error {
		cfg.OnRegistered = f
		return nil
	}
}

// Run registers cfg's subdomain and services inbound connections until the
// control connection closes, ctx is canceled, or an unrecoverable error
// occurs. It returns nil only when the server closed the connection
// cleanly or ctx was canceled.
func Run(ctx context.Context, cfg Config) error {
	var a *auth.Authenticator
	if cfg.Secret != "" {
		var err error
		a, err = auth.New(cfg.Secret)
		if err != nil {
			return err
		}
	}

	conn, err := dial(ctx, cfg.ServerHost, cfg.ServerPort)
	if err != nil {
		return err
	}
	defer conn.Close()
	fc := framing.New(conn)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if a != nil {
		if err := a.ClientHandshake(fc); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := fc.Send(protocol.NewHello(cfg.Subdomain, cfg.Proto)); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	var resp protocol.ServerMessage
	if err := fc.RecvTimeout(&resp, defaults.HandshakeTimeout); err != nil {
		return fmt.Errorf("recv hello response: %w", err)
	}
	switch {
	case resp.Hello != nil:
		if cfg.OnRegistered != nil {
			cfg.OnRegistered(resp.Hello.PublicPort)
		}
	case resp.Challenge != nil:
		return ErrAuthRequired
	case resp.Error != nil:
		return fmt.Errorf("server: %s", resp.Error.Reason)
	default:
		return ErrUnexpectedResponse
	}

	for {
		var msg protocol.ServerMessage
		if err := fc.Recv(&msg); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch {
		case msg.Heartbeat != nil:
		case msg.Connection != nil:
			id := msg.Connection.ID
			go func() {
				if err := cfg.serveDataConnection(ctx, a, id); err != nil {
					cfg.Logger.Printf("data connection %s: %v", id, err)
				}
			}()
		case msg.Error != nil:
			cfg.Logger.Printf("server error: %s", msg.Error.Reason)
		}
	}
}

// serveDataConnection opens a fresh control connection, re-authenticates if
// required, accepts the pending connection id, dials the local service, and
// splices the two streams together.
func (cfg Config) serveDataConnection(ctx context.Context, a *auth.Authenticator, id uuid.UUID) error {
	conn, err := dial(ctx, cfg.ServerHost, cfg.ServerPort)
	if err != nil {
		return err
	}
	defer conn.Close()
	fc := framing.New(conn)

	if a != nil {
		if err := a.ClientHandshake(fc); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := fc.Send(protocol.NewAccept(id)); err != nil {
		return fmt.Errorf("send accept: %w", err)
	}

	local, err := dial(ctx, cfg.LocalHost, cfg.LocalPort)
	if err != nil {
		return fmt.Errorf("dial local service: %w", err)
	}
	defer local.Close()

	raw := fc.IntoRaw()
	if len(raw.Leftover) > 0 {
		if _, err := local.Write(raw.Leftover); err != nil {
			return fmt.Errorf("flush leftover: %w", err)
		}
	}
	return copyBidirectional(local, raw.Conn)
}

func dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
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
