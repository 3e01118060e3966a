package oracle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RuleScorer averages per-attribute similarity over the attributes both sides
// carry. Strings compare by normalized edit distance after folding; lists by
// overlap; everything else by equality. It never fails.
type RuleScorer struct{}

// Score implements Scorer.
func (RuleScorer) Score(_ context.Context, eventAttrs, candidateAttrs map[string]any) (float64, error) {
	names := make([]string, 0, len(eventAttrs))
	for name := range eventAttrs {
		if _, ok := candidateAttrs[name]; ok {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return 0, nil
	}
	sort.Strings(names)

	total := 0.0
	for _, name := range names {
		total += similarity(eventAttrs[name], candidateAttrs[name])
	}
	return total / float64(len(names)), nil
}

func similarity(a, b any) float64 {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0
		}
		return stringSimilarity(x, y)
	case []any:
		y, ok := b.([]any)
		if !ok {
			return 0
		}
		return overlap(x, y)
	default:
		if fmt.Sprint(a) == fmt.Sprint(b) {
			return 1
		}
		return 0
	}
}

func stringSimilarity(a, b string) float64 {
	a, b = Fold(a), Fold(b)
	if a == b {
		return 1
	}
	longest := max(len([]rune(a)), len([]rune(b)))
	d := fuzzy.LevenshteinDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

func overlap(a, b []any) float64 {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[Fold(fmt.Sprint(v))] = true
	}
	union := len(set)
	shared := 0
	seen := make(map[string]bool, len(b))
	for _, v := range b {
		k := Fold(fmt.Sprint(v))
		if seen[k] {
			continue
		}
		seen[k] = true
		if set[k] {
			shared++
		} else {
			union++
		}
	}
	if union == 0 {
		return 1
	}
	return float64(shared) / float64(union)
}

// Fold lowercases s, strips diacritics and collapses whitespace.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}
