// Package textdiff finds text spans present on one side of a comparison but not the other.
package textdiff

import (
	"strings"
	"unicode"

	"docdiff/domain"
)

// Normalize removes all whitespace and uppercases.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// Diff returns, per side, the indices whose normalized text is absent from the other side.
// Matching is set membership: order, position and multiplicity are ignored.
func Diff(excel, pdf []string) domain.DiffIndexSet {
	ne, np := normalizeAll(excel), normalizeAll(pdf)
	return domain.DiffIndexSet{
		Excel: missing(ne, toSet(np)),
		PDF:   missing(np, toSet(ne)),
	}
}

// DiffTokens is Diff over token texts.
func DiffTokens(excel, pdf []domain.Token) domain.DiffIndexSet {
	return Diff(Texts(excel), Texts(pdf))
}

func Texts(tokens []domain.Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Text
	}
	return out
}

func normalizeAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = Normalize(s)
	}
	return out
}

func toSet(in []string) map[string]struct{} {
	set := make(map[string]struct{}, len(in))
	for _, s := range in {
		set[s] = struct{}{}
	}
	return set
}

func missing(side []string, other map[string]struct{}) []int {
	out := []int{}
	for i, s := range side {
		if _, ok := other[s]; !ok {
			out = append(out, i)
		}
	}
	return out
}
