package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/taurusgroup/tss-mesh/pkg/party"
)

var (
	ErrUnknownKind         = errors.New("protocol: unknown message kind")
	ErrMessageEmptySession = errors.New("protocol: message has no session id")
	ErrMessageEmptySender  = errors.New("protocol: message has no sender")
	ErrMessageEmptyData    = errors.New("protocol: message has no content")
)

// Message is the envelope of everything exchanged between nodes.
type Message struct {
	// SessionID identifies the session this message belongs to.
	SessionID string `cbor:"1,keyasint"`
	// RequestID identifies the signing request, for messages exchanged during signing.
	RequestID string `cbor:"2,keyasint,omitempty"`
	// From is the party.ID of the sender.
	From party.ID `cbor:"3,keyasint"`
	// To is the intended recipient of this message.
	// If To == "", then the message should be interpreted as a broadcast message.
	To party.ID `cbor:"4,keyasint,omitempty"`
	// Kind is the type of Data.
	Kind Kind `cbor:"5,keyasint"`
	// Data is the encoded Content.
	Data []byte `cbor:"6,keyasint"`
}

// NewMessage encodes content in a new Message.
func NewMessage(sessionID, requestID string, from, to party.ID, content Content) (*Message, error) {
	data, err := cbor.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s: %w", content.Kind(), err)
	}
	return &Message{
		SessionID: sessionID,
		RequestID: requestID,
		From:      from,
		To:        to,
		Kind:      content.Kind(),
		Data:      data,
	}, nil
}

// String implements fmt.Stringer.
func (m *Message) String() string {
	return fmt.Sprintf("message: session %s, kind %s, from %s, to %s", m.SessionID, m.Kind, m.From, m.To)
}

// Broadcast returns true if the message was sent to all participants.
func (m *Message) Broadcast() bool {
	return m.To == ""
}

// IsFor returns true if the message is intended for the designated party.
func (m *Message) IsFor(id party.ID) bool {
	if m.From == id {
		return false
	}
	return m.To == "" || m.To == id
}

// Validate checks the header of the message.
func (m *Message) Validate() error {
	switch {
	case m.SessionID == "":
		return ErrMessageEmptySession
	case m.From == "":
		return ErrMessageEmptySender
	case len(m.Data) == 0:
		return ErrMessageEmptyData
	}
	if _, err := NewContent(m.Kind); err != nil {
		return err
	}
	return nil
}

// Content decodes and validates the body of the message.
func (m *Message) Content() (Content, error) {
	content, err := NewContent(m.Kind)
	if err != nil {
		return nil, err
	}
	if err = cbor.Unmarshal(m.Data, content); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal %s: %w", m.Kind, err)
	}
	if err = content.Validate(); err != nil {
		return nil, fmt.Errorf("protocol: invalid %s: %w", m.Kind, err)
	}
	return content, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *Message) MarshalBinary() ([]byte, error) {
	return cbor.Marshal((*messageMarshal)(m))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler, and validates the header.
func (m *Message) UnmarshalBinary(data []byte) error {
	if err := cbor.Unmarshal(data, (*messageMarshal)(m)); err != nil {
		return err
	}
	return m.Validate()
}

// messageMarshal has the fields of Message without its methods, so that cbor does not recurse.
type messageMarshal Message
