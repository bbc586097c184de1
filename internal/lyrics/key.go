// Package lyrics fetches song lyrics from a priority-ordered list of providers
// and caches both hits and misses.
package lyrics

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const keySeparator = "::"

// keyEscaper keeps the separator out of the fields. Keys are stored in
// Postgres TEXT columns, which reject NUL, so a control-byte separator is
// not an option.
var keyEscaper = strings.NewReplacer(`\`, `\\`, ":", `\:`)

// Key derives the cache key for a track. Case, surrounding whitespace and
// runs of internal whitespace do not affect the result. Colons inside a
// field are escaped, so distinct (artist, title) pairs never share a key.
func Key(artist, title string) string {
	return normalize(artist) + keySeparator + normalize(title)
}

func normalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return keyEscaper.Replace(strings.Join(strings.Fields(s), " "))
}
