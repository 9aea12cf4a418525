// Package fserrors gives both sides of the tunnel a single structured error
// type instead of ad-hoc string errors, so callers can distinguish a
// protocol violation from an auth failure from a timeout without parsing
// messages.
package fserrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the top-level error-handling category from the design's error
// taxonomy: Protocol, Authentication, Resource, Transport, or Timeout.
type Kind string

const (
	KindProtocol  Kind = "protocol"
	KindAuth      Kind = "authentication"
	KindResource  Kind = "resource"
	KindTransport Kind = "transport"
	KindTimeout   Kind = "timeout"
)

// Stage identifies which phase of the connection the error occurred in.
type Stage string

const (
	StageHandshake Stage = "handshake"
	StageRegister  Stage = "register"
	StageAccept    Stage = "accept"
	StageForward   Stage = "forward"
	StageDial      Stage = "dial"
	StageFrame     Stage = "frame"
)

// Code is a stable, programmatic error identifier.
type Code string

const (
	CodeTimeout           Code = "timeout"
	CodeCanceled          Code = "canceled"
	CodeInvalidSecret     Code = "invalid_secret"
	CodeHandshakeExpected Code = "handshake_expected"
	CodeSubdomainTaken    Code = "subdomain_taken"
	CodeNoFreePorts       Code = "no_free_ports"
	CodeUnexpectedMessage Code = "unexpected_message"
	CodeFrameTooLarge     Code = "frame_too_large"
	CodeFrameMalformed    Code = "frame_malformed"
	CodeDialFailed        Code = "dial_failed"
	CodeUnknownPending    Code = "unknown_pending"
	CodeConnectionClosed  Code = "connection_closed"
)

// Error is a structured, programmatically identifiable error.
type Error struct {
	Kind  Kind
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s/%s (%s): %v", e.Kind, e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s/%s (%s)", e.Kind, e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a structured Error.
func Wrap(kind Kind, stage Stage, code Code, err error) error {
	return &Error{Kind: kind, Stage: stage, Code: code, Err: err}
}

// ClassifyCode maps a generic error (typically from context or net) to a
// stable Code, falling back to fallback when nothing more specific applies.
func ClassifyCode(err error, fallback Code) Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	default:
		return fallback
	}
}
