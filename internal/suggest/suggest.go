// Package suggest finds close matches for mistyped collection and field
// names using Levenshtein distance.
package suggest

import (
	"sort"
	"strings"
)

// levenshtein calculates the edit distance between two strings
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// Closest returns up to three candidates near unknown, best first. A
// candidate qualifies within max(2, len/3) edits or when one name is a
// prefix of the other.
func Closest(unknown string, candidates []string) []string {
	unknown = strings.ToLower(strings.TrimSpace(unknown))
	if unknown == "" {
		return nil
	}
	type scored struct {
		name  string
		score int
	}
	var hits []scored
	limit := max(2, len(unknown)/3)
	for _, c := range candidates {
		lc := strings.ToLower(c)
		d := levenshtein(unknown, lc)
		if d == 0 {
			continue
		}
		if d <= limit || strings.HasPrefix(lc, unknown) || strings.HasPrefix(unknown, lc) {
			hits = append(hits, scored{c, d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score < hits[j].score })

	var out []string
	for i := 0; i < len(hits) && i < 3; i++ {
		out = append(out, hits[i].name)
	}
	return out
}

// Hint formats the suggestions as a "did you mean" clause, or "".
func Hint(unknown string, candidates []string) string {
	s := Closest(unknown, candidates)
	switch len(s) {
	case 0:
		return ""
	case 1:
		return "did you mean " + s[0] + "?"
	default:
		return "did you mean one of " + strings.Join(s, ", ") + "?"
	}
}
