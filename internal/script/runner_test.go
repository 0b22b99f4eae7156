package script

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestValidate_Valid(t *testing.T) {
	err := Validate(`function transform(event) { return event.payload; }`)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_SyntaxError(t *testing.T) {
	err := Validate(`function transform(event { return event; }`)
	if err == nil {
		t.Fatal("expected error for syntax error")
	}
}

func TestValidate_MissingTransform(t *testing.T) {
	err := Validate(`function process(event) { return event; }`)
	if err != ErrNoTransform {
		t.Fatalf("expected ErrNoTransform, got: %v", err)
	}
}

func TestValidate_NotAFunction(t *testing.T) {
	err := Validate(`var transform = 42;`)
	if err != ErrNoTransform {
		t.Fatalf("expected ErrNoTransform, got: %v", err)
	}
}

func TestValidate_TooLarge(t *testing.T) {
	large := `function transform(e) { return e; }` + strings.Repeat(" ", maxScriptSize+1)
	err := Validate(large)
	if err != ErrScriptTooLarge {
		t.Fatalf("expected ErrScriptTooLarge, got: %v", err)
	}
}

func TestTransform_ReplacesPayload(t *testing.T) {
	script := `function transform(event) { return { total: event.payload.amount * 2, type: event.event_type }; }`
	eventType := "order.created"

	out, err := Transform(script, json.RawMessage(`{"amount": 21}`), &eventType, nil)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	var decoded struct {
		Total float64 `json:"total"`
		Type  string  `json:"type"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if decoded.Total != 42 || decoded.Type != eventType {
		t.Fatalf("result = %s", out)
	}
}

func TestTransform_NullKeepsPayloadVerbatim(t *testing.T) {
	payload := json.RawMessage(`{"keep":"me"}`)

	out, err := Transform(`function transform(event) { return null; }`, payload, nil, nil)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if string(out) != string(payload) {
		t.Fatalf("payload changed: %s", out)
	}
}

func TestTransform_ThrowReturnsError(t *testing.T) {
	_, err := Transform(`function transform(event) { throw new Error("nope"); }`, json.RawMessage(`{}`), nil, nil)
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected script error, got: %v", err)
	}
}

func TestTransform_Timeout(t *testing.T) {
	_, err := Transform(`function transform(event) { while (true) {} }`, json.RawMessage(`{}`), nil, nil)
	if !errors.Is(err, ErrScriptTimeout) {
		t.Fatalf("expected ErrScriptTimeout, got: %v", err)
	}
}
