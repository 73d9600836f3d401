package message

import (
	"encoding/json"
	"testing"

	"github.com/codex-team/ctproto/internal/common/idgen"
)

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	return NewFactory(idgen.NewRandomGenerator())
}

func TestFactory_New_RoundTrip(t *testing.T) {
	f := newTestFactory(t)

	env, err := f.New("sum", map[string]int{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	data, err := Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	parsed, err := ValidateText(data)
	if err != nil {
		t.Fatalf("built message failed validation: %v", err)
	}
	if parsed.Type != "sum" {
		t.Errorf("expected type %q, got %q", "sum", parsed.Type)
	}
	if !idgen.Valid(parsed.MessageID) {
		t.Errorf("message id %q does not match the alphabet", parsed.MessageID)
	}

	var payload map[string]int
	if err := json.Unmarshal(parsed.Payload, &payload); err != nil {
		t.Fatalf("payload did not round-trip: %v", err)
	}
	if payload["a"] != 1 || payload["b"] != 2 {
		t.Errorf("unexpected payload: %v", payload)
	}
}

func TestFactory_New_NilPayload(t *testing.T) {
	f := newTestFactory(t)

	env, err := f.New("ping", nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if string(env.Payload) != "{}" {
		t.Errorf("expected empty object payload, got %s", env.Payload)
	}
}

func TestFactory_Response_CopiesID(t *testing.T) {
	f := newTestFactory(t)

	env, err := f.Response("abcdefghij", map[string]string{"ok": "yes"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if env.MessageID != "abcdefghij" {
		t.Errorf("expected originator id, got %q", env.MessageID)
	}
	if env.Type != "" {
		t.Errorf("response must not carry a type, got %q", env.Type)
	}
	if !env.IsResponse() {
		t.Error("expected IsResponse to report true")
	}

	data, err := Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := fields["type"]; ok {
		t.Error("serialized response must omit the type field")
	}
}

func TestFactory_Error_Shape(t *testing.T) {
	f := newTestFactory(t)

	env, err := f.Error("something broke")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if env.Type != TypeError {
		t.Errorf("expected type %q, got %q", TypeError, env.Type)
	}

	var payload ErrorPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if payload.Error != "something broke" {
		t.Errorf("expected error text, got %q", payload.Error)
	}
}
