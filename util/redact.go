// Package util holds small helpers shared across lookout packages.
package util

import (
	"regexp"
)

// maxRedactLength bounds the input scanned by Redact.
const maxRedactLength = 64 * 1024

var redactions = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	// Credentials embedded in connection URLs, e.g. redis://:pw@host or nats://user:pw@host
	{regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.\-]*://)[^/\s:@]*:[^/\s@]+@`), "${1}REDACTED@"},

	{regexp.MustCompile(`(?i)(password|passwd|pwd)[\s:=]+[^\s]+`), "$1=REDACTED"},
	{regexp.MustCompile(`(?i)"(password|token|api[_-]?key|secret)"\s*:\s*"[^"]*"`), `"$1":"REDACTED"`},
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.=]+`), "Bearer REDACTED"},
	{regexp.MustCompile(`(?i)(token|api[_-]?key|secret)[\s:=]+[^\s]+`), "$1=REDACTED"},

	// Vault service tokens and AWS access key ids
	{regexp.MustCompile(`\bhvs\.[a-zA-Z0-9_\-]{20,}`), "REDACTED_VAULT_TOKEN"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "REDACTED_AWS_KEY"},
}

// Redact removes credentials from s before it is logged or printed.
// Input longer than 64KiB is truncated.
func Redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > maxRedactLength {
		s = s[:maxRedactLength] + "... [truncated]"
	}
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}

// RedactError is Redact applied to err's message.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return Redact(err.Error())
}
