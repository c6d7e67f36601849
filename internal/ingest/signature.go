package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// SignMessage computes the HMAC-SHA256 signature for a raw webhook body.
// Returns the signature in the format: sha256=<hex_encoded_hmac>
func SignMessage(payload []byte, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("signing secret cannot be empty")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature checks a claimed signature header against the raw body
// using a constant-time comparison. The "sha256=" prefix is optional.
func VerifySignature(payload []byte, claimed, secret string) bool {
	if secret == "" || claimed == "" {
		return false
	}
	claimed = strings.TrimPrefix(claimed, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(claimed))
}
