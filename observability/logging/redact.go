package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// alwaysRedacted names attributes the handler masks regardless of call site.
var alwaysRedacted = map[string]struct{}{
	"authorization":     {},
	"bearer":            {},
	"client_secret":     {},
	"payment_method":    {},
	"payment_method_id": {},
	"secret_key":        {},
	"hmac_secret":       {},
	"dsn":               {},
}

// visible lists the settlement fields MaskField leaves readable. Anything else
// passed through MaskField is masked.
var visible = map[string]struct{}{
	"operation": {},
	"stage":     {},
	"class":     {},
	"code":      {},
	"token":     {},
	"currency":  {},
	"amount":    {},
	"usd":       {},
	"intent_id": {},
	"tx_hash":   {},
	"debit_tx":  {},
	"status":    {},
	"error":     {},
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsSensitive reports whether the handler masks key unconditionally.
func IsSensitive(key string) bool {
	_, ok := alwaysRedacted[normalizeKey(key)]
	return ok
}

// MaskValue returns RedactedValue for non-empty values and leaves empty ones
// untouched.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField masks value unless key is a plain settlement field.
func MaskField(key, value string) slog.Attr {
	if _, ok := visible[normalizeKey(key)]; ok && !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}

// redactAttr is applied by the JSON handler to every attribute.
func redactAttr(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindGroup {
		return slog.String(attr.Key, RedactedValue)
	}
	return slog.String(attr.Key, MaskValue(attr.Value.String()))
}
