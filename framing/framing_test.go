package framing

import (
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

type msg struct {
	A string `json:"a"`
	B int    `json:"b"`
}

func TestSendRecv_RoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := New(server)
	cc := New(client)

	done := make(chan error, 1)
	go func() { done <- sc.Send(msg{A: "hello", B: 7}) }()

	var got msg
	if err := cc.Recv(&got); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.A != "hello" || got.B != 7 {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestRecv_EOFOnCleanClose(t *testing.T) {
	server, client := net.Pipe()
	cc := New(client)
	go server.Close()

	var got msg
	err := cc.Recv(&got)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestRecv_EmptyFrameIsParseError(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	cc := New(client)

	go server.Write([]byte{0x00})

	var got msg
	err := cc.Recv(&got)
	if !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestRecv_OversizedFrameRejected(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	cc := New(client)

	big := strings.Repeat("x", MaxPayloadBytes)
	go server.Write(append([]byte(big), 0x00))

	var got msg
	err := cc.Recv(&got)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestBoundary_511AcceptedAnd512Rejected(t *testing.T) {
	t.Run("511 bytes accepted", func(t *testing.T) {
		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()
		cc := New(client)

		payload := append([]byte{'"'}, []byte(strings.Repeat("a", MaxPayloadBytes-3))...)
		payload = append(payload, '"')
		if len(payload) != MaxPayloadBytes-1 {
			t.Fatalf("test setup: payload length %d", len(payload))
		}
		go server.Write(append(append([]byte{}, payload...), 0x00))

		var got string
		if err := cc.Recv(&got); err != nil {
			t.Fatalf("expected accept, got %v", err)
		}
	})

	t.Run("512 bytes rejected", func(t *testing.T) {
		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()
		cc := New(client)

		payload := strings.Repeat("a", MaxPayloadBytes)
		go server.Write(append([]byte(payload), 0x00))

		var got string
		err := cc.Recv(&got)
		if !errors.Is(err, ErrFrameTooLarge) {
			t.Fatalf("expected ErrFrameTooLarge, got %v", err)
		}
	})
}

func TestRecvTimeout_FiresWhenNoFrameArrives(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	cc := New(client)

	var got msg
	err := cc.RecvTimeout(&got, 20*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected a net.Error timeout, got %v", err)
	}
}

func TestIntoRaw_PreservesLeftoverBytes(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	cc := New(client)

	payload := []byte(`{"a":"x","b":1}`)
	frame := append(append([]byte{}, payload...), 0x00)
	frame = append(frame, []byte("LEFTOVER")...)

	writeDone := make(chan struct{})
	go func() {
		server.Write(frame)
		close(writeDone)
	}()

	var got msg
	if err := cc.Recv(&got); err != nil {
		t.Fatalf("recv: %v", err)
	}
	<-writeDone

	// Give the bufio.Reader a chance to have pulled the trailing bytes from
	// the pipe into its internal buffer.
	time.Sleep(10 * time.Millisecond)

	raw := cc.IntoRaw()
	if string(raw.Leftover) != "LEFTOVER" {
		t.Fatalf("expected leftover bytes %q, got %q", "LEFTOVER", raw.Leftover)
	}
}
