// Package synth is the narration audio unit: cloud text-to-speech with a
// cancelable active-request token, cached playback through a dynamics
// compressor + makeup gain chain, and local-voice fallback when cloud
// synthesis is unavailable or exhausted.
package synth

import (
	"context"
	"errors"
	"time"
)

// LocalModel selects the platform voice instead of a cloud synthesis model.
const LocalModel = "local"

// ErrUnsupported means the requested engine or voice backend does not exist
// on this platform. Callers degrade instead of surfacing it to the user.
var ErrUnsupported = errors.New("speech engine not supported on this platform")

// Request is one narration job. Callbacks are optional and are only invoked
// while the request is still the engine's most recent one; completions for a
// superseded request are dropped.
type Request struct {
	Text  string
	Voice string
	Model string

	// OnNearEnd fires a fixed lead time before natural completion so the
	// caller can prepare a transition.
	OnNearEnd func()
	// OnEnd fires when playback finishes naturally.
	OnEnd func()
	// OnError fires for the user-actionable failure modes (quota, auth).
	// Other failures fall back to the local voice without an error.
	OnError func(error)
}

// Engine plays narration. Speak never blocks; at most one narration source is
// active at any time, and starting a new one stops whatever was playing.
type Engine interface {
	// Initialize must be called once before the first Speak, after the
	// platform allows audio output.
	Initialize() error
	Speak(ctx context.Context, req Request)
	Stop()
	Pause()
	Resume()
	Playing() bool
}

// Synthesizer is the remote narration synthesis service.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice, model string) ([]byte, error)
	// KnownVoice reports whether voice belongs to this cloud backend.
	// Unknown voices are routed to the local platform voice instead.
	KnownVoice(voice string) bool
	Voices(ctx context.Context) ([]string, error)
}

// LocalVoice is the platform's built-in speech synthesis, used when cloud
// synthesis is disabled, unavailable or exhausted. Speak blocks until the
// utterance finishes or Stop is called.
type LocalVoice interface {
	Speak(ctx context.Context, text string) error
	Stop()
}

// DefaultNearEndLead is how long before natural completion OnNearEnd fires.
const DefaultNearEndLead = 1500 * time.Millisecond
