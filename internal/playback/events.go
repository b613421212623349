package playback

// ChoiceEvent is emitted once per resolved choice, for parental analytics.
type ChoiceEvent struct {
	SessionID   string
	NodeID      string
	OptionLabel string
	// Category is the option's opaque analytics tag.
	Category string
	// TriggeringTranscript is the utterance that resolved the choice; empty
	// for tapped selections.
	TriggeringTranscript string
	// Utterances is everything the child said at this node, in order,
	// including attempts that did not resolve.
	Utterances []string
}

// EventSink receives session notifications. Implementations must not block;
// the engine calls them inline on its state transitions.
type EventSink interface {
	ChoiceMade(ev ChoiceEvent)
	SessionComplete(sessionID string)
}
