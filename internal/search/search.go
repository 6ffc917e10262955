// Package search builds the normalized keys used for product lookup.
package search

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds case, strips diacritics and collapses whitespace, so
// "  Café  Latte" and "cafe latte" produce the same key.
func Normalize(value string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, value)
	if err != nil {
		folded = value
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// Matches reports whether every word of query appears in key.
func Matches(key string, query string) bool {
	for _, word := range strings.Fields(Normalize(query)) {
		if !strings.Contains(key, word) {
			return false
		}
	}
	return true
}
