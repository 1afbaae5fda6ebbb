package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"auth_token":    {},
	"api_key":       {},
	"authorization": {},
	"password":      {},
	"dsn":           {},
	"headers":       {},
}

// IsSensitive reports whether values logged under key are credentials. Keys
// ending in _token, _secret or _password are always sensitive.
func IsSensitive(key string) bool {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "-", "_")
	if _, ok := sensitiveKeys[normalized]; ok {
		return true
	}
	for _, suffix := range []string{"_token", "_secret", "_password"} {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}
	return false
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged so an unset credential stays visible as unset.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns key=value with the value masked when key is sensitive.
func MaskField(key, value string) slog.Attr {
	if IsSensitive(key) {
		return slog.String(key, MaskValue(value))
	}
	return slog.String(key, value)
}

// redactAttr masks string attributes logged under sensitive keys. It runs for
// every record written through SetupWithOptions.
func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindString && IsSensitive(attr.Key) {
		return slog.String(attr.Key, MaskValue(attr.Value.String()))
	}
	return attr
}

// MaskEmail keeps the first character of the local part and the full domain so
// operators can still correlate signers: "alice@example.com" becomes
// "a***@example.com". Values without an "@" are masked entirely.
func MaskEmail(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return value
	}
	at := strings.LastIndex(trimmed, "@")
	if at <= 0 || at == len(trimmed)-1 {
		return RedactedValue
	}
	return trimmed[:1] + "***" + trimmed[at:]
}
