// Package narration derives the exact spoken-text string for a story node.
// It is deliberately pure: no cache, no network, no logging. BuildSpeech is
// called both for immediate playback and for speculative prefetch, so the same
// node must always yield the same string.
package narration

import (
	"strings"

	"storyvine/internal/domain/story"
)

// FallbackPhrase replaces narration text that is empty or leaked an error
// message from the generation pipeline.
const FallbackPhrase = "Please look at the screen."

// errLeakMarkers flag generated text that accidentally contains pipeline
// error output instead of story prose.
var errLeakMarkers = []string{"error:", "exception", "stack trace", "undefined", "traceback"}

// terminalPunct is the set of sentence-ending runes we accept as-is,
// including CJK forms.
const terminalPunct = ".!?。！？…"

// BuildSpeech returns the narration script for n: the spoken override (or the
// display text), punctuation-normalized, with a choice node's question and an
// enumeration of its option labels appended so the synthesized narration both
// tells the story and verbally offers the choices.
func BuildSpeech(n story.Node) string {
	text := strings.TrimSpace(n.Spoken())
	if text == "" {
		text = strings.TrimSpace(n.Text())
	}
	if text == "" || leaksError(text) {
		text = FallbackPhrase
	}
	text = ensureTerminal(text, '.')

	ch, ok := n.(*story.Choice)
	if !ok {
		return text
	}

	if q := strings.TrimSpace(ch.Question); q != "" && !strings.Contains(text, q) {
		text += " " + ensureTerminal(q, '?')
	}
	if enum := enumerateOptions(ch.Options); enum != "" {
		text += " " + enum
	}
	return text
}

func leaksError(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range errLeakMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// ensureTerminal appends punct unless text already ends in terminal
// punctuation.
func ensureTerminal(text string, punct rune) string {
	runes := []rune(text)
	if len(runes) == 0 {
		return text
	}
	if strings.ContainsRune(terminalPunct, runes[len(runes)-1]) {
		return text
	}
	return text + string(punct)
}

// enumerateOptions joins option labels into a natural-language offer, e.g.
// "For example: go after it, or tell mum."
func enumerateOptions(options []story.Option) string {
	if len(options) == 0 {
		return ""
	}
	labels := make([]string, 0, len(options))
	for _, o := range options {
		labels = append(labels, strings.TrimSpace(o.Label))
	}
	var joined string
	if len(labels) == 1 {
		joined = labels[0]
	} else {
		joined = strings.Join(labels[:len(labels)-1], ", ") + ", or " + labels[len(labels)-1]
	}
	return "For example: " + joined + "."
}
