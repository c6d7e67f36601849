package ingest

import (
	"errors"
	"testing"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{
		"id": "EV123",
		"type": "message.delivered",
		"data": {"object": {"id": "MSG1", "status": "delivered"}}
	}`))
	if err != nil {
		t.Fatalf("ParseEnvelope() error: %v", err)
	}
	if env.ID != "EV123" {
		t.Errorf("ID = %q, want EV123", env.ID)
	}
	if env.Type != EventMessageDelivered {
		t.Errorf("Type = %q, want %q", env.Type, EventMessageDelivered)
	}
	if len(env.Data.Object) == 0 {
		t.Error("Data.Object should carry the raw nested object")
	}
}

func TestParseEnvelopeMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "not json at all"},
		{"empty body", ""},
		{"missing id", `{"type":"message.delivered"}`},
		{"missing type", `{"id":"EV1"}`},
		{"json array", `[1,2,3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tt.body))
			if !errors.Is(err, ErrMalformedEnvelope) {
				t.Errorf("ParseEnvelope(%q) error = %v, want ErrMalformedEnvelope", tt.body, err)
			}
		})
	}
}

func TestParseEnvelopeUnknownType(t *testing.T) {
	// Unknown event types parse fine; the handler layer decides what to
	// ignore.
	env, err := ParseEnvelope([]byte(`{"id":"EV1","type":"contact.updated"}`))
	if err != nil {
		t.Fatalf("ParseEnvelope() error: %v", err)
	}
	if env.Type != "contact.updated" {
		t.Errorf("Type = %q", env.Type)
	}
}
