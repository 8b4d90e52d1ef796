// Package textnorm builds the lookup keys used to match task titles and user
// display names typed in chat against stored records.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// polish folds the Polish letters that do not decompose under NFD (ł) together
// with the ones that do, so the table stays the single source of truth for
// the locale.
var polish = strings.NewReplacer(
	"ą", "a", "ć", "c", "ę", "e", "ł", "l", "ń", "n",
	"ó", "o", "ś", "s", "ż", "z", "ź", "z",
)

// Name returns the normalized form of s: lowercased, all whitespace removed,
// Polish diacritics folded and any remaining combining marks stripped.
// Name is idempotent: Name(Name(s)) == Name(s).
func Name(s string) string {
	s = strings.ToLower(s)
	s = strings.Join(strings.Fields(s), "")
	s = polish.Replace(s)

	// transform chains carry internal buffers, so build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(t, s); err == nil {
		s = folded
	}
	return s
}

// Equal reports whether a and b normalize to the same key.
func Equal(a, b string) bool {
	return Name(a) == Name(b)
}
