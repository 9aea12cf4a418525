// Package auth implements the control channel's HMAC-SHA256
// challenge-response handshake: the server issues a random nonce, the
// client answers with a hex-encoded HMAC of that nonce keyed on the shared
// secret, and the server compares the two in constant time.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/floegence/revtun/internal/defaults"
	"github.com/floegence/revtun/protocol"
	"github.com/google/uuid"
)

var (
	ErrEmptySecret       = errors.New("auth: secret must not be empty")
	ErrUnexpectedMessage = errors.New("auth: unexpected message during handshake")
	ErrInvalidSecret     = errors.New("auth: invalid secret")
)

// frameConn is the subset of *framing.Conn the handshake needs, declared
// here as an interface so auth does not import framing; *framing.Conn
// satisfies it.
type frameConn interface {
	Send(v any) error
	Recv(v any) error
	RecvTimeout(v any, d time.Duration) error
}

// Authenticator derives a per-connection HMAC tag from a shared passphrase.
// The zero value is not usable; construct with New.
type Authenticator struct {
	key []byte
}

// New derives the HMAC key from secret (SHA-256 of the passphrase bytes,
// matching the original implementation) and returns an Authenticator ready
// to run either side of the handshake.
func New(secret string) (*Authenticator, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	sum := sha256.Sum256([]byte(secret))
	return &Authenticator{key: sum[:]}, nil
}

func (a *Authenticator) answer(nonce uuid.UUID) string {
	mac := hmac.New(sha256.New, a.key)
	mac.Write(nonce[:])
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Authenticator) validate(nonce uuid.UUID, hexTag string) bool {
	tag, err := hex.DecodeString(hexTag)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, a.key)
	mac.Write(nonce[:])
	expected := mac.Sum(nil)
	return subtle.ConstantTimeCompare(expected, tag) == 1
}

// ServerHandshake sends a fresh challenge and validates the client's
// response. conn must already be framed; it is left framed on return.
func (a *Authenticator) ServerHandshake(conn frameConn) error {
	nonce := uuid.New()
	if err := conn.Send(protocol.NewChallenge(nonce)); err != nil {
		return fmt.Errorf("auth: send challenge: %w", err)
	}
	var msg protocol.ClientMessage
	if err := conn.RecvTimeout(&msg, defaults.HandshakeTimeout); err != nil {
		return fmt.Errorf("auth: recv authenticate: %w", err)
	}
	if msg.Authenticate == nil {
		return ErrUnexpectedMessage
	}
	if !a.validate(nonce, msg.Authenticate.Tag) {
		return ErrInvalidSecret
	}
	return nil
}

// ClientHandshake waits for the server's challenge and answers it. conn must
// already be framed; it is left framed on return.
func (a *Authenticator) ClientHandshake(conn frameConn) error {
	var msg protocol.ServerMessage
	if err := conn.RecvTimeout(&msg, defaults.HandshakeTimeout); err != nil {
		return fmt.Errorf("auth: recv challenge: %w", err)
	}
	if msg.Challenge == nil {
		return ErrUnexpectedMessage
	}
	tag := a.answer(msg.Challenge.Nonce)
	if err := conn.Send(protocol.NewAuthenticate(tag)); err != nil {
		return fmt.Errorf("auth: send authenticate: %w", err)
	}
	return nil
}
