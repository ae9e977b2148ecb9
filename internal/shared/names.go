package shared

import (
	"strings"

	"golang.org/x/text/cases"
)

// FoldName returns the case-folded, trimmed form used by name lookups.
func FoldName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// NameMatch ranks how a stored name matches a query.
type NameMatch int

const (
	NameMismatch NameMatch = iota
	NameSubstring
	NameExact
)

// MatchName compares stored against query after folding both. A stored name
// containing the query counts as a substring match.
func MatchName(stored, query string) NameMatch {
	s := FoldName(stored)
	q := FoldName(query)
	switch {
	case q == "":
		return NameMismatch
	case s == q:
		return NameExact
	case strings.Contains(s, q):
		return NameSubstring
	default:
		return NameMismatch
	}
}
