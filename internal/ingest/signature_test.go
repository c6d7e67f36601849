package ingest

import (
	"strings"
	"testing"
)

func TestSignMessage(t *testing.T) {
	sig, err := SignMessage([]byte(`{"id":"evt_1"}`), "secret")
	if err != nil {
		t.Fatalf("SignMessage() error: %v", err)
	}
	if !strings.HasPrefix(sig, "sha256=") {
		t.Errorf("signature %q missing sha256= prefix", sig)
	}
	if len(sig) != len("sha256=")+64 {
		t.Errorf("signature %q is not a 64-char hex digest", sig)
	}
}

func TestSignMessageEmptySecret(t *testing.T) {
	if _, err := SignMessage([]byte("body"), ""); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"message.delivered"}`)
	sig, _ := SignMessage(body, "secret")

	tests := []struct {
		name    string
		body    []byte
		claimed string
		secret  string
		want    bool
	}{
		{"valid with prefix", body, sig, "secret", true},
		{"valid without prefix", body, strings.TrimPrefix(sig, "sha256="), "secret", true},
		{"tampered body", []byte(`{"id":"evt_2"}`), sig, "secret", false},
		{"wrong secret", body, sig, "other", false},
		{"empty signature", body, "", "secret", false},
		{"empty secret", body, sig, "", false},
		{"garbage signature", body, "sha256=nothex", "secret", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.body, tt.claimed, tt.secret); got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	for _, body := range []string{"{}", `{"nested":{"a":[1,2,3]}}`, ""} {
		sig, err := SignMessage([]byte(body), "k")
		if err != nil {
			t.Fatalf("SignMessage(%q) error: %v", body, err)
		}
		if !VerifySignature([]byte(body), sig, "k") {
			t.Errorf("signature for %q did not verify", body)
		}
	}
}
