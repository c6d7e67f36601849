package logger

import "strings"

// RedactPhone masks a phone number for safe logging.
// "+15551234567" → "+1555***4567"
// Numbers too short to split are fully masked.
func RedactPhone(phone string) string {
	digits := strings.TrimSpace(phone)
	if len(digits) < 8 {
		return "***"
	}
	return digits[:5] + "***" + digits[len(digits)-4:]
}
