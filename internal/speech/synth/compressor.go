package synth

import (
	"math"

	"github.com/faiface/beep"
)

// Compressor parameters. Threshold/ratio tame the peaks of loud lines while
// the envelope follower lets quiet passages through mostly untouched; the
// makeup gain applied after the compressor lifts the whole signal back up.
const (
	compThreshold = 0.5
	compRatio     = 4.0

	// Envelope follower time constants, expressed as per-sample smoothing
	// coefficients at 44.1 kHz (~5 ms attack, ~120 ms release).
	compAttack  = 0.0045
	compRelease = 0.00019
)

// compressor is a simple feed-forward dynamics compressor over a beep
// streamer. It tracks a peak envelope per frame and reduces gain above the
// threshold, so narration from different synthesis runs plays at a
// consistent perceived volume.
type compressor struct {
	s   beep.Streamer
	env float64
}

func newCompressor(s beep.Streamer) *compressor {
	return &compressor{s: s}
}

func (c *compressor) Stream(samples [][2]float64) (int, bool) {
	n, ok := c.s.Stream(samples)
	for i := 0; i < n; i++ {
		peak := math.Max(math.Abs(samples[i][0]), math.Abs(samples[i][1]))
		if peak > c.env {
			c.env += (peak - c.env) * compAttack
		} else {
			c.env += (peak - c.env) * compRelease
		}
		if c.env > compThreshold {
			target := compThreshold + (c.env-compThreshold)/compRatio
			gain := target / c.env
			samples[i][0] *= gain
			samples[i][1] *= gain
		}
	}
	return n, ok
}

func (c *compressor) Err() error { return c.s.Err() }
