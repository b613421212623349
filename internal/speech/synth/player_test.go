package synth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPlayDropsSupersededRequest(t *testing.T) {
	p := NewPlayer()
	err := p.Play([]byte("stale clip"), time.Second,
		func() bool { return false },
		func() { t.Error("near-end callback fired for a superseded clip") },
		func() { t.Error("end callback fired for a superseded clip") })
	assert.NoError(t, err, "a superseded request is dropped, not failed")
	assert.False(t, p.Playing())
}

func TestPlayRejectsUndecodableClip(t *testing.T) {
	p := NewPlayer()
	err := p.Play([]byte("not an mp3"), time.Second, nil, nil, nil)
	assert.Error(t, err)
}
