package replication

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a replication message.
type MessageType string

const (
	// TypeAppend announces that the log now reaches Height.
	TypeAppend MessageType = "append"

	// TypeReset announces that the log was replaced wholesale.
	TypeReset MessageType = "reset"
)

// Message is the wire form shared by every transport.
type Message struct {
	Type   MessageType `json:"type"`
	Height int64       `json:"height,omitempty"`

	// Origin identifies the sending channel so it can ignore its own echo.
	Origin string `json:"origin,omitempty"`

	// Nonce makes consecutive signals differ on transports that only see
	// a changed value.
	Nonce string `json:"nonce,omitempty"`
}

// Append builds an append announcement.
func Append(height int64) Message {
	return Message{Type: TypeAppend, Height: height}
}

// Reset builds a reset announcement.
func Reset() Message {
	return Message{Type: TypeReset}
}

// Validate checks the message shape.
func (m Message) Validate() error {
	switch m.Type {
	case TypeAppend:
		if m.Height < 0 {
			return fmt.Errorf("append message: negative height %d", m.Height)
		}
		return nil
	case TypeReset:
		return nil
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
}

// Encode marshals a message for the wire.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates a wire message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}
