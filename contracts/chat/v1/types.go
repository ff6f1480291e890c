// Package v1 defines the Murmur chat wire protocol v1.
//
// This package is intentionally stable and dependency-light.
// It is shared between the session runtime and any tooling that speaks the
// channel protocol, so the wire format stays authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeMessage carries a chat message. Client -> server it holds only the
	// content (plus a client correlation id the server may echo); server ->
	// client it holds the full confirmed record.
	TypeMessage = "message"

	// TypeTyping carries a typing-presence signal in either direction.
	TypeTyping = "typing"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeMessage, TypeTyping, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// MessageSendPayload is the client -> server message frame.
//
// The server assigns the canonical message id; ClientMsgID is an opaque
// correlation token the server echoes back on the confirmation frame so the
// sender can reconcile its optimistic record. Servers that predate the echo
// simply omit it, in which case the sender correlates by sender + content.
type MessageSendPayload struct {
	Content     string `json:"content"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// MessagePayload is the server -> client message frame: a confirmed message.
type MessagePayload struct {
	MessageID   string    `json:"message_id"`
	Sender      string    `json:"sender"`
	Content     string    `json:"content"`
	SentAt      time.Time `json:"sent_at"`
	ClientMsgID string    `json:"client_msg_id,omitempty"`
}

// TypingSendPayload is the client -> server typing frame.
type TypingSendPayload struct {
	IsTyping bool `json:"is_typing"`
}

// TypingPayload is the server -> client typing frame.
type TypingPayload struct {
	Participant string `json:"participant"`
	IsTyping    bool   `json:"is_typing"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
