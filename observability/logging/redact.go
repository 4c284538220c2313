package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in logs.
const RedactedValue = "[REDACTED]"

// keys that identify public ledger data and are safe to log verbatim
var redactionAllowlist = map[string]struct{}{
	"service":          {},
	"env":              {},
	"message":          {},
	"severity":         {},
	"timestamp":        {},
	"error":            {},
	"reason":           {},
	"component":        {},
	"account":          {},
	"counter":          {},
	"state":            {},
	"request_id":       {},
	"relay_message_id": {},
	"tx_hash":          {},
}

// IsAllowlisted reports whether key is exempt from redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns the allowlisted keys, sorted.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskField returns an attribute that redacts value unless key is allowlisted.
// Signatures, key paths and bearer secrets all go through here.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
