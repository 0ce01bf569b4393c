package drops

import (
	"strings"
	"unicode"
)

// NormalizeName maps free-form operator input and stored display names into a
// common form: lowercase, non-alphanumeric stripped, whitespace collapsed.
// Deliberately fuzzy; operators type game names from memory.
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}
