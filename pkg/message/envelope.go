package message

import (
	"encoding/json"
	"fmt"

	"github.com/codex-team/ctproto/internal/common/idgen"
)

// Reserved message types. Applications must not send them.
const (
	TypeAuthorize = "authorize"
	TypeError     = "error"
)

// Envelope is the JSON object wrapping every text frame. A NewMessage
// carries Type; a ResponseMessage reuses the originator's MessageID and
// has no Type.
type Envelope struct {
	MessageID string          `json:"messageId"`
	Type      string          `json:"type,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

func (e *Envelope) IsResponse() bool {
	return e.Type == ""
}

// ErrorPayload is the payload shape of the reserved "error" type.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Factory builds wire envelopes, assigning fresh ids from its generator.
type Factory struct {
	ids idgen.Generator
}

func NewFactory(ids idgen.Generator) *Factory {
	return &Factory{ids: ids}
}

// New builds a sender-originated message with a fresh id.
func (f *Factory) New(msgType string, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		MessageID: f.ids.NewID(),
		Type:      msgType,
		Payload:   raw,
	}, nil
}

// Response builds a reply carrying the originator's id and no type.
func (f *Factory) Response(messageID string, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		MessageID: messageID,
		Payload:   raw,
	}, nil
}

// Error builds the reserved error message.
func (f *Factory) Error(text string) (*Envelope, error) {
	return f.New(TypeError, ErrorPayload{Error: text})
}

// NewID exposes the factory's id source for callers that need a raw id
// (file ids share the message id alphabet).
func (f *Factory) NewID() string {
	return f.ids.NewID()
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

// Marshal renders an envelope to its wire form.
func Marshal(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}
