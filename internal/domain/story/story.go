package story

// StartNodeID is the id of the node every playback session begins at.
const StartNodeID = "start"

// Option is one selectable branch from a choice node.
type Option struct {
	// Label is the short, spoken-friendly name of the branch.
	Label string `json:"label"`
	// Spoken is a longer phrase used when reading the option aloud.
	Spoken string `json:"spoken,omitempty"`
	// Keywords are extra recognition synonyms for the local matcher.
	Keywords []string `json:"keywords,omitempty"`
	// Next is the id of the successor node.
	Next string `json:"next"`
	// Category is an opaque tag consumed by parental analytics.
	Category string `json:"category,omitempty"`
}

// Node is one step of the story graph. Exactly one of the concrete types
// Linear, Choice or End backs every node, so a choice node can never be
// missing its options.
type Node interface {
	ID() string
	// Text is the display text shown alongside the illustration.
	Text() string
	// Spoken is the optional narration override; empty means read Text.
	Spoken() string
	// Illustration is a prompt/reference for the node's picture.
	Illustration() string
}

type base struct {
	NodeID     string
	NodeText   string
	SpokenText string
	Image      string
}

func (b base) ID() string           { return b.NodeID }
func (b base) Text() string         { return b.NodeText }
func (b base) Spoken() string       { return b.SpokenText }
func (b base) Illustration() string { return b.Image }

// Linear auto-advances to a single successor after narration.
type Linear struct {
	base
	Next string
}

// Choice pauses playback for spoken or tapped input.
type Choice struct {
	base
	// Question is the clarifying question read after the node text.
	Question string
	Options  []Option
}

// End terminates the session after its narration finishes.
type End struct {
	base
}

// Story is the immutable branching graph a session plays through.
type Story struct {
	ID       string
	Title    string
	Voice    string
	TTSModel string
	Language string
	Nodes    map[string]Node
}

// Node returns the node with the given id, or (nil, false) when the id is
// absent. Callers must treat an absent successor as a terminal condition.
func (s *Story) Node(id string) (Node, bool) {
	n, ok := s.Nodes[id]
	return n, ok
}

// Start returns the mandatory entry node.
func (s *Story) Start() Node {
	return s.Nodes[StartNodeID]
}

// Successors lists every node id reachable in one step from n. The ids are
// not guaranteed to resolve; dangling references are tolerated downstream.
func Successors(n Node) []string {
	switch v := n.(type) {
	case *Linear:
		return []string{v.Next}
	case *Choice:
		ids := make([]string, 0, len(v.Options))
		for _, o := range v.Options {
			ids = append(ids, o.Next)
		}
		return ids
	default:
		return nil
	}
}
