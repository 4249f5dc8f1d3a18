// Package strcase converts camelCase and delimited strings into
// SCREAMING_SNAKE_CASE journal field names.
package strcase

import (
	"strings"
	"unicode"
)

var delimiters = map[rune]struct{}{' ': {}, '_': {}, '-': {}, '.': {}}

// ScreamingSnake converts a string to SCREAMING_SNAKE_CASE.
func ScreamingSnake(s string) string {
	if s == "" {
		return s
	}

	var wasLower bool
	var wasNumber bool

	s = strings.TrimSpace(s)

	n := strings.Builder{}
	n.Grow(len(s) + 2) // Allow adding at least 2 delimiters without another allocation.

	for _, r := range s {
		var isNumber bool
		_, isDelimiter := delimiters[r]
		if !isDelimiter {
			isNumber = unicode.IsNumber(r)
			if wasNumber {
				if !isNumber {
					n.WriteRune('_')
				}
			} else if isNumber || wasLower && unicode.IsUpper(r) {
				n.WriteRune('_')
			}

			n.WriteRune(unicode.ToUpper(r))
		} else {
			n.WriteRune('_')
		}

		wasLower = unicode.IsLower(r)
		if !wasLower {
			wasNumber = isNumber
		}
	}

	return n.String()
}
