package dom

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const nbsp = "\u00a0"

// Normalize folds a widget label for comparison: compatibility decomposition,
// combining marks dropped, "R$" and non-breaking spaces removed, trimmed, lowercased.
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ReplaceAll(folded, "R$", "")
	folded = strings.ReplaceAll(folded, nbsp, " ")
	return strings.ToLower(strings.TrimSpace(folded))
}
