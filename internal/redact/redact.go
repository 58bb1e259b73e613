// Package redact scrubs credentials from agent transcripts and settings views.
package redact

import (
	"regexp"
	"strings"
)

const maskVisible = 4

type Redactor struct {
	enabled bool
	rules   []redactionRule
	secrets []string
}

type redactionRule struct {
	re    *regexp.Regexp
	label string
}

// New builds a redactor with the built-in rules plus custom patterns.
// Patterns that fail to compile are ignored.
func New(enabled bool, custom []string) *Redactor {
	rules := []redactionRule{
		{re: regexp.MustCompile(`(?is)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`), label: "[REDACTED_PRIVATE_KEY]"},
		{re: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`), label: "Bearer [REDACTED]"},
		{re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`), label: "[REDACTED_AWS_KEY]"},
		{re: regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`), label: "[REDACTED_API_KEY]"},
		{re: regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)\s*[:=]\s*['"]?[^\s'"]+`), label: "$1=[REDACTED]"},
	}
	for _, pattern := range custom {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		rules = append(rules, redactionRule{re: re, label: "[REDACTED_CUSTOM]"})
	}
	return &Redactor{
		enabled: enabled,
		rules:   rules,
	}
}

// WithSecrets returns a copy that also replaces the given literal values.
func (r *Redactor) WithSecrets(values ...string) *Redactor {
	if r == nil {
		return nil
	}
	next := &Redactor{enabled: r.enabled, rules: r.rules, secrets: append([]string{}, r.secrets...)}
	for _, value := range values {
		if len(strings.TrimSpace(value)) >= maskVisible {
			next.secrets = append(next.secrets, value)
		}
	}
	return next
}

func (r *Redactor) Apply(input string) string {
	if r == nil || !r.enabled || input == "" {
		return input
	}
	out := input
	for _, secret := range r.secrets {
		out = strings.ReplaceAll(out, secret, "[REDACTED]")
	}
	for _, rule := range r.rules {
		out = rule.re.ReplaceAllString(out, rule.label)
	}
	return out
}

// MaskKey keeps only the last few characters of a credential.
func MaskKey(key string) string {
	clean := strings.TrimSpace(key)
	if clean == "" {
		return ""
	}
	if len(clean) <= maskVisible*2 {
		return strings.Repeat("*", len(clean))
	}
	return strings.Repeat("*", 8) + clean[len(clean)-maskVisible:]
}

// Tail returns at most max trailing bytes of s, cut on a UTF-8 boundary.
func Tail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8Start(s[cut]) {
		cut++
	}
	return s[cut:]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
