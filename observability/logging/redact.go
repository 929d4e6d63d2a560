package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in
// logs.
const RedactedValue = "[REDACTED]"

// sensitiveKeys lists fields that must never be emitted verbatim: credential
// material and bearer tokens flowing through the gateway.
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"token":         {},
	"jwt":           {},
	"signer_key":    {},
	"secret":        {},
}

// IsSensitive reports whether the provided key carries credential material.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// MaskField returns a slog.Attr that redacts the value when the key is
// sensitive. Empty values pass through to avoid noise.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
