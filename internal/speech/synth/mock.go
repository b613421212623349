package synth

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

// MockEngine simulates narration for development without audio hardware.
// It honors the request-token contract: a superseded request's callbacks
// never fire.
type MockEngine struct {
	speed float64
	token atomic.Uint64

	mu      sync.Mutex
	playing bool
	paused  bool
}

func NewMockEngine(speed float64) *MockEngine {
	if speed <= 0 {
		speed = 1.0
	}
	return &MockEngine{speed: speed}
}

func (m *MockEngine) Initialize() error { return nil }

func (m *MockEngine) Speak(ctx context.Context, req Request) {
	tok := m.token.Add(1)
	m.mu.Lock()
	m.playing = true
	m.paused = false
	m.mu.Unlock()

	// Rough reading time: 150 words per minute, capped for development comfort.
	words := len(strings.Fields(req.Text))
	duration := time.Duration(float64(words)/150.0/m.speed*60) * time.Second
	if duration > 3*time.Second {
		duration = 3 * time.Second
	}
	color.Yellow("🔊 Reading aloud... (simulated for %v)", duration)

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(duration):
		}
		if m.token.Load() != tok {
			return
		}
		m.mu.Lock()
		m.playing = false
		m.mu.Unlock()
		if req.OnEnd != nil {
			req.OnEnd()
		}
	}()
}

func (m *MockEngine) Stop() {
	m.token.Add(1)
	m.mu.Lock()
	m.playing = false
	m.paused = false
	m.mu.Unlock()
}

func (m *MockEngine) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playing {
		m.paused = true
	}
}

func (m *MockEngine) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

func (m *MockEngine) Playing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing && !m.paused
}
