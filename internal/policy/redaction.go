// Package policy scrubs client-supplied text before it is persisted or
// logged.
package policy

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxReasonLen caps failure reasons kept in the session record.
const MaxReasonLen = 300

var (
	emailPattern    = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	userinfoPattern = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.\-]*://)[^/\s@]+@`)
	tokenPattern    = regexp.MustCompile(`(?i)\b(access_token|token|sig|signature|password|session)=[^&\s]+`)
	bearerPattern   = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
)

// RedactSecrets masks e-mail addresses, URL credentials, token query
// parameters and bearer tokens.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	// Credentials first so the userinfo is not mistaken for an e-mail.
	next := userinfoPattern.ReplaceAllString(out, "${1}[REDACTED]@")
	changed = changed || next != out
	out = next

	next = tokenPattern.ReplaceAllString(out, "${1}=[REDACTED]")
	changed = changed || next != out
	out = next

	next = bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	changed = changed || next != out
	out = next

	next = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	return out, changed
}

// SanitizeReason redacts a failure reason reported by the executor and
// collapses it to a single bounded line.
func SanitizeReason(input string) string {
	out, _ := RedactSecrets(input)
	out = strings.Join(strings.Fields(out), " ")
	if len(out) <= MaxReasonLen {
		return out
	}
	cut := MaxReasonLen
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return out[:cut] + "..."
}
