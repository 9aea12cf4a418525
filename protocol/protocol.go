// Package protocol defines the control-channel message types exchanged over
// a framed connection: ClientMessage (client -> server) and ServerMessage
// (server -> client). Both are tagged sums encoded as
// {"tag": "...", ...fields}, with one concrete type and one typed
// constructor per variant.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Proto identifies the data-plane transport a tunnel forwards.
type Proto string

const (
	ProtoTCP  Proto = "tcp"
	ProtoHTTP Proto = "http"
)

var (
	ErrMessageInvalidJSON  = errors.New("protocol: invalid json")
	ErrMessageUnknownTag   = errors.New("protocol: unknown message tag")
	ErrMessageMissingTag   = errors.New("protocol: missing tag")
	ErrMessageMissingField = errors.New("protocol: missing required field")
	ErrMessageInvalidProto = errors.New("protocol: invalid proto")
	ErrMessageInvalidUUID  = errors.New("protocol: invalid uuid field")
)

// ClientMessage is the tagged-sum envelope for every message a client can
// send on the control channel.
type ClientMessage struct {
	Hello        *HelloRequest
	Authenticate *AuthenticateMessage
	Accept       *AcceptMessage
}

// HelloRequest is the client's tunnel registration request.
type HelloRequest struct {
	Subdomain string `json:"subdomain"`
	Proto     Proto  `json:"proto"`
}

// AuthenticateMessage carries the client's hex-encoded HMAC response to a
// server challenge.
type AuthenticateMessage struct {
	Tag string `json:"tag"`
}

// AcceptMessage tells the server the client is ready to service a specific
// pending inbound connection.
type AcceptMessage struct {
	ID uuid.UUID `json:"id"`
}

// NewHello builds a Hello client message.
func NewHello(subdomain string, proto Proto) ClientMessage {
	return ClientMessage{Hello: &HelloRequest{Subdomain: subdomain, Proto: proto}}
}

// NewAuthenticate builds an Authenticate client message from a hex-encoded
// HMAC tag.
func NewAuthenticate(hexTag string) ClientMessage {
	return ClientMessage{Authenticate: &AuthenticateMessage{Tag: hexTag}}
}

// NewAccept builds an Accept client message for the given pending id.
func NewAccept(id uuid.UUID) ClientMessage {
	return ClientMessage{Accept: &AcceptMessage{ID: id}}
}

type clientWire struct {
	Tag       string `json:"tag"`
	Subdomain string `json:"subdomain,omitempty"`
	Proto     Proto  `json:"proto,omitempty"`
	HexTag    string `json:"hex_tag,omitempty"`
	ID        string `json:"id,omitempty"`
}

// MarshalJSON encodes the message as {"tag": "...", ...fields}.
func (m ClientMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.Hello != nil:
		return json.Marshal(clientWire{Tag: "hello", Subdomain: m.Hello.Subdomain, Proto: m.Hello.Proto})
	case m.Authenticate != nil:
		return json.Marshal(clientWire{Tag: "authenticate", HexTag: m.Authenticate.Tag})
	case m.Accept != nil:
		return json.Marshal(clientWire{Tag: "accept", ID: m.Accept.ID.String()})
	default:
		return nil, fmt.Errorf("protocol: empty ClientMessage")
	}
}

// UnmarshalJSON decodes a tagged client message, validating required fields
// per tag.
func (m *ClientMessage) UnmarshalJSON(b []byte) error {
	var w clientWire
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMessageInvalidJSON, err)
	}
	if w.Tag == "" {
		return ErrMessageMissingTag
	}
	switch w.Tag {
	case "hello":
		if w.Subdomain == "" {
			return fmt.Errorf("hello.subdomain: %w", ErrMessageMissingField)
		}
		if w.Proto != ProtoTCP && w.Proto != ProtoHTTP {
			return ErrMessageInvalidProto
		}
		*m = ClientMessage{Hello: &HelloRequest{Subdomain: w.Subdomain, Proto: w.Proto}}
	case "authenticate":
		if w.HexTag == "" {
			return fmt.Errorf("authenticate.hex_tag: %w", ErrMessageMissingField)
		}
		*m = ClientMessage{Authenticate: &AuthenticateMessage{Tag: w.HexTag}}
	case "accept":
		id, err := uuid.Parse(w.ID)
		if err != nil {
			return ErrMessageInvalidUUID
		}
		*m = ClientMessage{Accept: &AcceptMessage{ID: id}}
	default:
		return fmt.Errorf("%q: %w", w.Tag, ErrMessageUnknownTag)
	}
	return nil
}

// ServerMessage is the tagged-sum envelope for every message a server can
// send on the control channel.
type ServerMessage struct {
	Challenge  *ChallengeMessage
	Hello      *HelloResponse
	Heartbeat  *HeartbeatMessage
	Connection *ConnectionMessage
	Error      *ErrorMessage
}

// ChallengeMessage carries the server's random nonce for the auth handshake.
type ChallengeMessage struct {
	Nonce uuid.UUID `json:"nonce"`
}

// HelloResponse confirms registration and the publicly bound port.
type HelloResponse struct {
	PublicPort uint16 `json:"public_port"`
}

// HeartbeatMessage is an idle keepalive with no payload.
type HeartbeatMessage struct{}

// ConnectionMessage announces a pending inbound connection the client should
// Accept.
type ConnectionMessage struct {
	ID uuid.UUID `json:"id"`
}

// ErrorMessage carries a human-readable failure reason before the server
// closes the connection.
type ErrorMessage struct {
	Reason string `json:"reason"`
}

func NewChallenge(nonce uuid.UUID) ServerMessage {
	return ServerMessage{Challenge: &ChallengeMessage{Nonce: nonce}}
}

func NewServerHello(publicPort uint16) ServerMessage {
	return ServerMessage{Hello: &HelloResponse{PublicPort: publicPort}}
}

func NewHeartbeat() ServerMessage {
	return ServerMessage{Heartbeat: &HeartbeatMessage{}}
}

func NewConnection(id uuid.UUID) ServerMessage {
	return ServerMessage{Connection: &ConnectionMessage{ID: id}}
}

func NewError(reason string) ServerMessage {
	return ServerMessage{Error: &ErrorMessage{Reason: reason}}
}

type serverWire struct {
	Tag        string `json:"tag"`
	Nonce      string `json:"nonce,omitempty"`
	PublicPort uint16 `json:"public_port,omitempty"`
	ID         string `json:"id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// MarshalJSON encodes the message as {"tag": "...", ...fields}.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.Challenge != nil:
		return json.Marshal(serverWire{Tag: "challenge", Nonce: m.Challenge.Nonce.String()})
	case m.Hello != nil:
		return json.Marshal(serverWire{Tag: "hello", PublicPort: m.Hello.PublicPort})
	case m.Heartbeat != nil:
		return json.Marshal(serverWire{Tag: "heartbeat"})
	case m.Connection != nil:
		return json.Marshal(serverWire{Tag: "connection", ID: m.Connection.ID.String()})
	case m.Error != nil:
		return json.Marshal(serverWire{Tag: "error", Reason: m.Error.Reason})
	default:
		return nil, fmt.Errorf("protocol: empty ServerMessage")
	}
}

// UnmarshalJSON decodes a tagged server message, validating required fields
// per tag.
func (m *ServerMessage) UnmarshalJSON(b []byte) error {
	var w serverWire
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMessageInvalidJSON, err)
	}
	if w.Tag == "" {
		return ErrMessageMissingTag
	}
	switch w.Tag {
	case "challenge":
		nonce, err := uuid.Parse(w.Nonce)
		if err != nil {
			return ErrMessageInvalidUUID
		}
		*m = ServerMessage{Challenge: &ChallengeMessage{Nonce: nonce}}
	case "hello":
		if w.PublicPort == 0 {
			return fmt.Errorf("hello.public_port: %w", ErrMessageMissingField)
		}
		*m = ServerMessage{Hello: &HelloResponse{PublicPort: w.PublicPort}}
	case "heartbeat":
		*m = ServerMessage{Heartbeat: &HeartbeatMessage{}}
	case "connection":
		id, err := uuid.Parse(w.ID)
		if err != nil {
			return ErrMessageInvalidUUID
		}
		*m = ServerMessage{Connection: &ConnectionMessage{ID: id}}
	case "error":
		if w.Reason == "" {
			return fmt.Errorf("error.reason: %w", ErrMessageMissingField)
		}
		*m = ServerMessage{Error: &ErrorMessage{Reason: w.Reason}}
	default:
		return fmt.Errorf("%q: %w", w.Tag, ErrMessageUnknownTag)
	}
	return nil
}
