package fserrors

import (
	"context"
	"errors"
	"testing"
)

func TestWrap_ErrorString(t *testing.T) {
	err := Wrap(KindAuth, StageHandshake, CodeInvalidSecret, errors.New("hmac mismatch"))
	want := "authentication/handshake (invalid_secret): hmac mismatch"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWrap_NoUnderlyingError(t *testing.T) {
	err := Wrap(KindResource, StageRegister, CodeSubdomainTaken, nil)
	want := "resource/register (subdomain_taken)"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWrap_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := Wrap(KindTransport, StageDial, CodeDialFailed, inner)
	if !errors.Is(err, inner) {
		t.Fatalf("expected errors.Is to find inner error")
	}
}

func TestClassifyCode(t *testing.T) {
	if got := ClassifyCode(context.DeadlineExceeded, CodeDialFailed); got != CodeTimeout {
		t.Fatalf("got %q, want %q", got, CodeTimeout)
	}
	if got := ClassifyCode(context.Canceled, CodeDialFailed); got != CodeCanceled {
		t.Fatalf("got %q, want %q", got, CodeCanceled)
	}
	if got := ClassifyCode(errors.New("other"), CodeDialFailed); got != CodeDialFailed {
		t.Fatalf("got %q, want %q", got, CodeDialFailed)
	}
}
