package logger

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// SanitizeForLog escapes control characters so that paths and child process
// output cannot forge log entries or drive the terminal. Printable Unicode is
// kept as is.
func SanitizeForLog(s string) string {
	var result strings.Builder
	result.Grow(len(s))

	for _, r := range s {
		switch r {
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		case '\t':
			result.WriteString("\\t")
		default:
			if r < 32 || r == 127 {
				result.WriteString(fmt.Sprintf("\\x%02x", r))
			} else {
				result.WriteRune(r)
			}
		}
	}
	return result.String()
}

// Clip sanitizes s and shortens it to at most max runes, marking the cut.
func Clip(s string, max int) string {
	s = SanitizeForLog(s)
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}
