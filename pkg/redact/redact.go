package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
	"unicode"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s\-]{7,}\d`)
)

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails and phone numbers in spoken transcript text when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Phone masks all but the last four digits of a phone number when enabled.
func Phone(in string) string {
	if !enabled.Load() || in == "" {
		return in
	}
	digits := 0
	for _, r := range in {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	keep := digits - 4
	var b strings.Builder
	for _, r := range in {
		if unicode.IsDigit(r) {
			if keep > 0 {
				b.WriteByte('*')
				keep--
				continue
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}
