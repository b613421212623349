// Package intent resolves a child's spoken reply against the active node's
// options. Matching is two-tier: a fast local pass over labels and keywords,
// then a remote semantic classifier for everything the local pass cannot place.
package intent

import (
	"context"

	"storyvine/internal/domain/story"
)

// Action is the outcome category of a remote classification.
type Action int

const (
	// ActionUnknown means the reply could not be placed. Callers fall back
	// to guidance or tap-to-choose.
	ActionUnknown Action = iota
	// ActionSelect carries a resolved option index.
	ActionSelect
	// ActionClarify carries a short reply to speak back to the child.
	ActionClarify
)

func (a Action) String() string {
	switch a {
	case ActionSelect:
		return "select"
	case ActionClarify:
		return "clarify"
	default:
		return "unknown"
	}
}

// Resolution is the classifier's verdict on one transcript.
type Resolution struct {
	Action Action
	// OptionIndex is valid only when Action == ActionSelect.
	OptionIndex int
	// Reply is a clarifying sentence to narrate when Action == ActionClarify.
	Reply string
}

// Context is the narrative situation handed to the remote classifier.
type Context struct {
	StoryTitle string
	NodeText   string
	Question   string
	Language   string
}

// Resolver classifies transcripts the local matcher could not place.
type Resolver interface {
	Resolve(ctx context.Context, ic Context, options []story.Option, transcript string) (Resolution, error)
}
