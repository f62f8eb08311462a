// Package textnorm normalizes user-visible strings for matching. Subjects and
// link texts arrive with mixed case and Spanish diacritics; matching happens
// on the folded form.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s, applies Unicode NFKD and strips combining marks, so
// "Factura Electrónica" and "factura electronica" compare equal.
func Fold(s string) string {
	decomposed := norm.NFKD.String(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ContainsFolded reports whether haystack contains needle after folding both.
func ContainsFolded(haystack, needle string) bool {
	return strings.Contains(Fold(haystack), Fold(needle))
}
