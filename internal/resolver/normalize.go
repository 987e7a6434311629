package resolver

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes are stripped from the end of a name, repeatedly.
var legalSuffixes = map[string]struct{}{
	"inc":         {},
	"corp":        {},
	"corporation": {},
	"llc":         {},
	"co":          {},
	"company":     {},
	"ltd":         {},
	"limited":     {},
}

// Normalize reduces a company name to its matching key: lowercase, accents
// folded, legal suffixes stripped. "APPLE CORPORATION" and "Apple Inc."
// both become "apple".
func Normalize(name string) string {
	tokens := tokenize(name)
	for len(tokens) > 1 {
		if _, ok := legalSuffixes[tokens[len(tokens)-1]]; !ok {
			break
		}
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

// VariantKey is Normalize without suffix stripping, the form the variant
// table is keyed on. "Google Inc" and "Google LLC" keep distinct keys.
func VariantKey(name string) string {
	return strings.Join(tokenize(name), " ")
}

func tokenize(name string) []string {
	s := strings.ToLower(foldAccents(name))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '.' || r == '&' || r == '\'' || r == '’':
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Fields(b.String())
}

func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
