package client

import (
	"bufio"
	"context"
	"io"
	"log"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/floegence/revtun/protocol"
	"github.com/floegence/revtun/tunnel/server"
)

func startTestServer(t *testing.T, secret string) net.Listener {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.MinPort = 20000
	cfg.MaxPort = 40000
	cfg.Secret = secret
	cfg.Logger = log.New(io.Discard, "", 0)

	s, err := server.New(cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go s.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func startEchoServer(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func serverPort(t *testing.T, ln net.Listener) uint16 {
	t.Helper()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi: %v", err)
	}
	return uint16(port)
}

func TestRun_RegistersAndForwardsTraffic(t *testing.T) {
	ln := startTestServer(t, "")
	echoPort := startEchoServer(t)

	registered := make(chan uint16, 1)
	cfg, err := NewConfig("acme", echoPort,
		WithProto(protocol.ProtoTCP),
		WithServer("127.0.0.1", serverPort(t, ln)),
		WithOnRegistered(func(p uint16) { registered <- p }),
	)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- Run(context.Background(), cfg) }()

	var publicPort uint16
	select {
	case publicPort = <-registered:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for registration")
	}

	publicConn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(publicPort))))
	if err != nil {
		t.Fatalf("dial public port: %v", err)
	}
	defer publicConn.Close()

	if _, err := publicConn.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	publicConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := bufio.NewReader(publicConn).ReadString('\n')
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if line != "hello\n" {
		t.Fatalf("got %q, want %q", line, "hello\n")
	}
}

func TestRun_RequiresSecretWhenServerDemandsAuth(t *testing.T) {
	ln := startTestServer(t, "hunter2")
	echoPort := startEchoServer(t)

	cfg, err := NewConfig("acme", echoPort,
		WithServer("127.0.0.1", serverPort(t, ln)),
	)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	err = Run(context.Background(), cfg)
	if err != ErrAuthRequired {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
}
