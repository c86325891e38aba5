// Package wire defines the ridelink realtime wire protocol.
//
// Every frame on the socket is a JSON envelope {type, data}. The type
// field is the sole dispatch discriminator; payloads are kept as raw
// JSON until a consumer binds them, so unknown types decode cleanly and
// are simply never delivered to anyone.
package wire

import (
	"encoding/json"
	"fmt"
)

// Type constants (wire-stable).
const (
	// TypeAuthenticate identifies the client after the transport opens
	// (client -> server, always the first frame).
	TypeAuthenticate = "authenticate"
	// TypeMessage carries a direct chat message (both directions).
	TypeMessage = "message"
	// TypeSearchBroadcast announces or withdraws presence in a search
	// topic (both directions).
	TypeSearchBroadcast = "search_broadcast"
	// TypePing is the client heartbeat. No response frame is expected.
	TypePing = "ping"
	// TypeAuthRejected is sent by the server when it refuses the
	// authenticate frame (server -> client, terminal).
	TypeAuthRejected = "auth_rejected"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodeError reports a frame that could not be parsed. The connection
// layer logs and drops these; they never affect connection state.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %v", e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// Encode serializes an envelope for transmission.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an inbound frame. Unknown types decode successfully;
// malformed JSON or a missing type field yields a *DecodeError.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &DecodeError{Cause: err}
	}
	if env.Type == "" {
		return Envelope{}, &DecodeError{Cause: fmt.Errorf("missing type field")}
	}
	return env, nil
}

// Bind unmarshals the envelope payload into out.
func (e Envelope) Bind(out any) error {
	if len(e.Data) == 0 {
		return &DecodeError{Cause: fmt.Errorf("empty %s payload", e.Type)}
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return &DecodeError{Cause: err}
	}
	return nil
}
