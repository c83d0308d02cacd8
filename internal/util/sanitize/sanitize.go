// Package sanitize cleans untrusted display strings, such as session
// titles taken from API requests or OSC terminal title sequences.
package sanitize

import (
	"strings"
	"unicode"
)

// Title strips control characters from a session or worker title and
// caps it at maxLen runes. Surrounding whitespace is trimmed.
func Title(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
