package registry

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testConfig() Config {
	return Config{
		BindAddress:   "127.0.0.1",
		MinPort:       20000,
		MaxPort:       40000,
		ClaimAttempts: 150,
		ReapTimeout:   50 * time.Millisecond,
	}
}

func TestClaimPort_AssignsUniquePort(t *testing.T) {
	r := New(testConfig())
	ln, err := r.ClaimPort("acme")
	if err != nil {
		t.Fatalf("ClaimPort: %v", err)
	}
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	if addr.Port < int(testConfig().MinPort) || addr.Port > int(testConfig().MaxPort) {
		t.Fatalf("port %d out of configured range", addr.Port)
	}
	if r.SubdomainCount() != 1 {
		t.Fatalf("expected 1 claimed subdomain, got %d", r.SubdomainCount())
	}
}

func TestClaimPort_RejectsDuplicateSubdomain(t *testing.T) {
	r := New(testConfig())
	ln, err := r.ClaimPort("acme")
	if err != nil {
		t.Fatalf("ClaimPort: %v", err)
	}
	defer ln.Close()

	_, err = r.ClaimPort("acme")
	if !errors.Is(err, ErrSubdomainTaken) {
		t.Fatalf("expected ErrSubdomainTaken, got %v", err)
	}
}

func TestRelease_AllowsReclaim(t *testing.T) {
	r := New(testConfig())
	ln, err := r.ClaimPort("acme")
	if err != nil {
		t.Fatalf("ClaimPort: %v", err)
	}
	ln.Close()
	r.Release("acme")

	ln2, err := r.ClaimPort("acme")
	if err != nil {
		t.Fatalf("expected reclaim to succeed, got %v", err)
	}
	ln2.Close()
}

func TestClaimPort_NoFreePortsWhenRangeExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MinPort = 20000
	cfg.MaxPort = 20000
	cfg.ClaimAttempts = 3
	r := New(cfg)

	ln, err := r.ClaimPort("first")
	if err != nil {
		t.Fatalf("ClaimPort: %v", err)
	}
	defer ln.Close()

	_, err = r.ClaimPort("second")
	if !errors.Is(err, ErrNoFreePorts) {
		t.Fatalf("expected ErrNoFreePorts, got %v", err)
	}
}

func TestTake_IsAtMostOnce(t *testing.T) {
	r := New(testConfig())
	server, client := net.Pipe()
	defer client.Close()

	id := r.PutPending(server, nil)

	conn, ok := r.Take(id)
	if !ok || conn != server {
		t.Fatalf("expected first Take to succeed")
	}

	_, ok = r.Take(id)
	if ok {
		t.Fatalf("expected second Take to fail")
	}
}

func TestPutPending_ReapsAfterTimeout(t *testing.T) {
	r := New(testConfig())
	server, client := net.Pipe()
	defer client.Close()

	reaped := make(chan struct{}, 1)
	r.PutPending(server, func(uuid.UUID) { reaped <- struct{}{} })

	select {
	case <-reaped:
	case <-time.After(time.Second):
		t.Fatalf("expected reap callback to fire")
	}

	if r.PendingCount() != 0 {
		t.Fatalf("expected pending entry to be removed after reap")
	}
}
