package intent

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"storyvine/internal/domain/story"
)

// maxFuzzyDistance caps the Levenshtein pass so short labels cannot match
// arbitrary speech.
const maxFuzzyDistance = 2

// MatchLocally places a transcript against the options without any network
// call. First pass: case-normalized substring containment of each option's
// label, spoken form, and recognition keywords against the transcript, in
// option order. Second pass: a Levenshtein near-miss check for short labels
// the recognizer almost got right. Returns the first matching index.
func MatchLocally(transcript string, options []story.Option) (int, bool) {
	norm := normalize(transcript)
	if norm == "" {
		return 0, false
	}

	for i, opt := range options {
		for _, cand := range candidates(opt) {
			if cand != "" && strings.Contains(norm, cand) {
				return i, true
			}
		}
	}

	// Fuzzy pass: whole transcript and individual words against each label.
	tokens := strings.Fields(norm)
	for i, opt := range options {
		for _, cand := range candidates(opt) {
			if fuzzyMatch(norm, cand) {
				return i, true
			}
			for _, tok := range tokens {
				if fuzzyMatch(tok, cand) {
					return i, true
				}
			}
		}
	}
	return 0, false
}

func candidates(opt story.Option) []string {
	out := make([]string, 0, len(opt.Keywords)+2)
	out = append(out, normalize(opt.Label))
	if opt.Spoken != "" {
		out = append(out, normalize(opt.Spoken))
	}
	for _, kw := range opt.Keywords {
		out = append(out, normalize(kw))
	}
	return out
}

// normalize lowercases and strips punctuation so "Go after!" matches
// "go after". Spaces are kept for tokenization.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// fuzzyMatch accepts near-misses proportional to label length. Very short
// labels (under three runes) only match exactly, which the substring pass
// already covered.
func fuzzyMatch(heard, label string) bool {
	n := len([]rune(label))
	if n < 3 || heard == "" {
		return false
	}
	allowed := n / 4
	if allowed < 1 {
		allowed = 1
	}
	if allowed > maxFuzzyDistance {
		allowed = maxFuzzyDistance
	}
	return matchr.Levenshtein(heard, label) <= allowed
}
