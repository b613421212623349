package playback

import (
	"context"

	"storyvine/internal/speech/capture"
)

// Listener opens one microphone turn at a time and reports the final
// transcript. An unsupported listener routes every choice to tap input.
type Listener interface {
	Supported() bool
	// Listen opens a capture turn; onFinal receives the final transcript
	// exactly once (empty when nothing usable was heard).
	Listen(ctx context.Context, onFinal func(transcript string))
	// Abort tears down an open turn without reporting anything.
	Abort()
}

type captureListener struct {
	session *capture.Session
}

// NewCaptureListener adapts a capture session to the engine's Listener.
func NewCaptureListener(s *capture.Session) Listener {
	return &captureListener{session: s}
}

func (c *captureListener) Supported() bool { return c.session.Supported() }

func (c *captureListener) Listen(ctx context.Context, onFinal func(string)) {
	// One turn at a time, so rebinding the handler per turn is safe.
	c.session.OnSessionEnd = onFinal
	c.session.Start(ctx)
}

func (c *captureListener) Abort() { c.session.Abort() }
