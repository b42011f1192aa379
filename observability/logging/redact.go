package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are always masked by the handler installed by Setup, whatever
// the caller passes.
var sensitiveKeys = map[string]struct{}{
	"passphrase":    {},
	"password":      {},
	"private_key":   {},
	"privatekey":    {},
	"secret":        {},
	"api_key":       {},
	"apikey":        {},
	"authorization": {},
	"token":         {},
	"raw_id":        {},
	"rawid":         {},
	"credential":    {},
}

// redactionAllowlist holds keys MaskField lets through verbatim.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"identity":  {},
	"election":  {},
	"registry":  {},
	"method":    {},
	"tx":        {},
	"block":     {},
	"epoch":     {},
	"action":    {},
	"trigger":   {},
	"chain":     {},
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsSensitive reports whether values under key are always masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[normalizeKey(key)]
	return ok
}

// IsAllowlisted reports whether MaskField emits key unmasked.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[normalizeKey(key)]
	return ok
}

// RedactionAllowlist returns the allowlisted keys in sorted order.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns RedactedValue for non-blank values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField masks value unless key is allowlisted. Use it for values such as
// credential commitments that should not be correlated from logs.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// redactAttr masks sensitive keys at any group depth.
func redactAttr(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
