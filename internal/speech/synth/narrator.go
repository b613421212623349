package synth

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"storyvine/internal/assets"
	"storyvine/internal/resilience"
)

// Narrator is the production Engine: cloud synthesis through the asset cache,
// beep playback, local-voice fallback. Every Speak increments a monotonically
// increasing request token; only the most recent token's callbacks are
// honored, which is the cancellation mechanism when the user skips ahead
// while audio is still synthesizing.
type Narrator struct {
	cloud  Synthesizer // nil when no cloud backend is configured
	local  LocalVoice  // nil when the platform has no local voice
	cache  *assets.Cache
	player *Player
	retry  resilience.RetryConfig
	lead   time.Duration

	token atomic.Uint64
}

// NarratorOption configures a Narrator.
type NarratorOption func(*Narrator)

// WithRetry overrides the retry policy for cloud synthesis calls.
func WithRetry(cfg resilience.RetryConfig) NarratorOption {
	return func(n *Narrator) { n.retry = cfg }
}

// WithNearEndLead overrides the OnNearEnd lead time.
func WithNearEndLead(d time.Duration) NarratorOption {
	return func(n *Narrator) { n.lead = d }
}

// NewNarrator builds a Narrator. cloud and local may each be nil; narration
// degrades to whichever backend exists and is silent (but alive) with
// neither.
func NewNarrator(cloud Synthesizer, local LocalVoice, cache *assets.Cache, opts ...NarratorOption) *Narrator {
	n := &Narrator{
		cloud:  cloud,
		local:  local,
		cache:  cache,
		player: NewPlayer(),
		lead:   DefaultNearEndLead,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Initialize prepares the audio output pipeline. Call after a user gesture on
// platforms that gate audio behind one.
func (n *Narrator) Initialize() error { return n.player.Initialize() }

// Speak starts narrating req.Text, superseding any in-flight request.
func (n *Narrator) Speak(ctx context.Context, req Request) {
	tok := n.token.Add(1)
	n.player.Stop()
	if n.local != nil {
		n.local.Stop()
	}
	go n.speak(ctx, tok, req)
}

// Stop cancels any in-flight or playing narration immediately.
func (n *Narrator) Stop() {
	n.token.Add(1)
	n.player.Stop()
	if n.local != nil {
		n.local.Stop()
	}
}

func (n *Narrator) Pause()        { n.player.Pause() }
func (n *Narrator) Resume()       { n.player.Resume() }
func (n *Narrator) Playing() bool { return n.player.Playing() }

// SynthFunc exposes the retry-wrapped cloud synthesis call for prefetch
// wiring. Returns nil when no cloud backend is configured.
func (n *Narrator) SynthFunc() assets.SynthFunc {
	if n.cloud == nil {
		return nil
	}
	return n.synthesize
}

func (n *Narrator) current(tok uint64) bool { return n.token.Load() == tok }

func (n *Narrator) speak(ctx context.Context, tok uint64, req Request) {
	if n.cloud == nil || req.Model == LocalModel || !n.cloud.KnownVoice(req.Voice) {
		n.speakLocal(ctx, tok, req)
		return
	}

	data, err := n.cache.Audio(ctx, req.Text, req.Voice, req.Model, n.synthesize)
	if err != nil {
		switch resilience.Classify(err) {
		case resilience.ClassQuota, resilience.ClassAuth:
			// User-actionable: pause and ask, never switch silently.
			if n.current(tok) && req.OnError != nil {
				req.OnError(err)
			}
			return
		default:
			logrus.WithError(err).Warn("cloud synthesis failed, falling back to local voice")
			n.speakLocal(ctx, tok, req)
			return
		}
	}
	if !n.current(tok) {
		return
	}

	err = n.player.Play(data, n.lead,
		func() bool { return n.current(tok) },
		func() {
			if n.current(tok) && req.OnNearEnd != nil {
				req.OnNearEnd()
			}
		},
		func() {
			if n.current(tok) && req.OnEnd != nil {
				req.OnEnd()
			}
		})
	if err != nil {
		logrus.WithError(err).Warn("audio playback failed, falling back to local voice")
		n.speakLocal(ctx, tok, req)
	}
}

// speakLocal narrates via the platform voice. With no local voice available
// the line is skipped so the story keeps moving.
func (n *Narrator) speakLocal(ctx context.Context, tok uint64, req Request) {
	if !n.current(tok) {
		return
	}
	if n.local == nil {
		logrus.Warn("no local voice available, skipping narration")
	} else if err := n.local.Speak(ctx, req.Text); err != nil {
		logrus.WithError(err).Warn("local voice failed")
	}
	if n.current(tok) && req.OnEnd != nil {
		req.OnEnd()
	}
}

func (n *Narrator) synthesize(ctx context.Context, text, voice, model string) ([]byte, error) {
	return resilience.Retry(ctx, n.retry, "synthesize narration",
		func(ctx context.Context) ([]byte, error) {
			return n.cloud.Synthesize(ctx, text, voice, model)
		})
}
