package story

// NodeText bundles the narration fields shared by every node kind.
type NodeText struct {
	Text         string
	Spoken       string
	Illustration string
}

// NewLinear builds a linear node that advances to next after narration.
func NewLinear(id string, t NodeText, next string) *Linear {
	return &Linear{base: newBase(id, t), Next: next}
}

// NewChoice builds a choice node with a clarifying question and its options.
func NewChoice(id string, t NodeText, question string, options []Option) *Choice {
	return &Choice{base: newBase(id, t), Question: question, Options: options}
}

// NewEnd builds a terminal node.
func NewEnd(id string, t NodeText) *End {
	return &End{base: newBase(id, t)}
}

func newBase(id string, t NodeText) base {
	return base{NodeID: id, NodeText: t.Text, SpokenText: t.Spoken, Image: t.Illustration}
}
