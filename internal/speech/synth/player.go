package synth

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/effects"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
)

const (
	playerSampleRate = beep.SampleRate(44100)

	// makeupGainDB lifts the compressed signal back up. Tuned by ear against
	// the cloud voices; raw synthesized speech arrives at inconsistent
	// loudness and the compressor+gain chain normalizes it without
	// per-clip analysis.
	makeupGainDB = 0.35
)

// Player owns the audio output pipeline. A single source is active at a
// time: playing a new clip always clears the previous one first.
type Player struct {
	mu      sync.Mutex
	inited  bool
	playing bool
	ctrl    *beep.Ctrl
	nearEnd *time.Timer
}

func NewPlayer() *Player { return &Player{} }

// Initialize opens the speaker at a fixed sample rate. Decoded clips are
// resampled to it, so the speaker is initialized exactly once.
func (p *Player) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inited {
		return nil
	}
	if err := speaker.Init(playerSampleRate, playerSampleRate.N(time.Second/10)); err != nil {
		return fmt.Errorf("init speaker: %w", err)
	}
	p.inited = true
	return nil
}

// Play decodes data (MP3) and plays it through the processing chain:
// source → dynamics compressor → makeup gain → output. current reports
// whether the request is still the latest one; it is re-checked under the
// player lock so a superseded call cannot clear a newer clip, and a stale
// call is a silent no-op. onNearEnd fires lead before natural completion,
// onEnd on completion. Both are skipped when the clip is stopped early.
func (p *Player) Play(data []byte, lead time.Duration, current func() bool, onNearEnd, onEnd func()) error {
	if current == nil {
		current = func() bool { return true }
	}
	if !current() {
		return nil
	}
	streamer, format, err := mp3.Decode(nopSeekCloser{bytes.NewReader(data)})
	if err != nil {
		return fmt.Errorf("decode narration: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !current() {
		// A newer request installed its clip while this one was decoding;
		// clearing the speaker now would cut that clip off.
		streamer.Close()
		return nil
	}
	if !p.inited {
		streamer.Close()
		return fmt.Errorf("player not initialized")
	}
	p.clearLocked()

	total := time.Duration(streamer.Len()) * time.Second / time.Duration(format.SampleRate)

	var src beep.Streamer = streamer
	if format.SampleRate != playerSampleRate {
		src = beep.Resample(4, format.SampleRate, playerSampleRate, streamer)
	}
	chain := &effects.Gain{
		Streamer: newCompressor(src),
		Gain:     makeupGainDB,
	}
	ctrl := &beep.Ctrl{Streamer: chain}
	p.ctrl = ctrl
	p.playing = true

	// The callback body runs on its own goroutine: beep invokes it from the
	// speaker's streaming loop with the speaker mutex held, and taking p.mu
	// there would invert the lock order against Stop.
	speaker.Play(beep.Seq(ctrl, beep.Callback(func() {
		go func() {
			streamer.Close()
			p.mu.Lock()
			if p.ctrl == ctrl {
				p.playing = false
				p.ctrl = nil
			}
			p.mu.Unlock()
			if onEnd != nil {
				onEnd()
			}
		}()
	})))

	if onNearEnd != nil && total > lead {
		p.nearEnd = time.AfterFunc(total-lead, onNearEnd)
	}
	return nil
}

// Stop clears the active source, if any. No callbacks fire for a stopped clip.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
}

func (p *Player) clearLocked() {
	if p.nearEnd != nil {
		p.nearEnd.Stop()
		p.nearEnd = nil
	}
	if p.inited && p.ctrl != nil {
		speaker.Clear()
	}
	p.ctrl = nil
	p.playing = false
}

func (p *Player) Pause() { p.setPaused(true) }

func (p *Player) Resume() { p.setPaused(false) }

func (p *Player) setPaused(paused bool) {
	p.mu.Lock()
	ctrl := p.ctrl
	p.mu.Unlock()
	if ctrl == nil {
		return
	}
	speaker.Lock()
	ctrl.Paused = paused
	speaker.Unlock()
}

func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

type nopSeekCloser struct{ *bytes.Reader }

func (nopSeekCloser) Close() error { return nil }

var _ io.ReadCloser = nopSeekCloser{}
