package auth

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/floegence/revtun/framing"
)

func TestHandshake_CorrectSecretSucceeds(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	a, err := New("hunter2")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.ServerHandshake(framing.New(server)) }()

	if err := a.ClientHandshake(framing.New(client)); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
}

func TestHandshake_WrongSecretFails(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serverAuth, _ := New("hunter2")
	clientAuth, _ := New("wrong-password")

	done := make(chan error, 1)
	go func() { done <- serverAuth.ServerHandshake(framing.New(server)) }()

	if err := clientAuth.ClientHandshake(framing.New(client)); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	err := <-done
	if !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}
}

func TestNew_RejectsEmptySecret(t *testing.T) {
	if _, err := New(""); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}

func TestServerHandshake_TimesOutWithoutResponse(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	a, _ := New("hunter2")

	// Drain the challenge but never answer it; the handshake must give up
	// rather than block forever.
	go func() {
		fc := framing.New(client)
		var buf any
		_ = fc.Recv(&buf)
	}()

	start := time.Now()
	err := a.ServerHandshake(framing.New(server))
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 6*time.Second {
		t.Fatalf("handshake took too long: %v", elapsed)
	}
}
