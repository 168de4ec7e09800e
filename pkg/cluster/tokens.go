package cluster

import (
	"math"
	"strings"
	"unicode"
)

// stopWords are dropped before keyword comparison.
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {}, "you": {},
	"all": {}, "any": {}, "can": {}, "had": {}, "her": {}, "was": {}, "one": {},
	"our": {}, "out": {}, "has": {}, "have": {}, "his": {}, "how": {}, "its": {},
	"may": {}, "new": {}, "now": {}, "old": {}, "see": {}, "two": {}, "way": {},
	"who": {}, "did": {}, "get": {}, "let": {}, "say": {}, "she": {}, "too": {},
	"use": {}, "that": {}, "with": {}, "this": {}, "from": {}, "they": {},
	"been": {}, "were": {}, "will": {}, "would": {}, "there": {}, "their": {},
	"what": {}, "when": {}, "which": {}, "while": {}, "about": {}, "into": {},
	"than": {}, "then": {}, "them": {}, "these": {}, "those": {}, "also": {},
	"some": {}, "such": {}, "only": {}, "very": {}, "more": {}, "most": {},
	"other": {}, "over": {}, "should": {}, "could": {}, "does": {}, "just": {},
	"being": {}, "because": {}, "where": {}, "after": {}, "before": {},
}

// Tokens lowercases text, splits it on anything that is not a letter or digit,
// and drops stop words and tokens of two characters or fewer. Order and
// duplicates are preserved so callers can build term frequencies.
func Tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) <= 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Keywords returns the distinct tokens of text in first-seen order.
func Keywords(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range Tokens(text) {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// Jaccard returns |a ∩ b| / |a ∪ b| over the distinct values of a and b.
// Two empty sets have similarity 0, so missing data never matches.
func Jaccard(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for v := range setA {
		if _, ok := setB[v]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

// Cosine returns the cosine similarity of the term-frequency vectors of a and b.
func Cosine(a, b []string) float64 {
	tfA := termFrequency(a)
	tfB := termFrequency(b)
	if len(tfA) == 0 || len(tfB) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for term, n := range tfA {
		normA += n * n
		dot += n * tfB[term]
	}
	for _, n := range tfB {
		normB += n * n
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func termFrequency(tokens []string) map[string]float64 {
	tf := make(map[string]float64, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}
	return tf
}
