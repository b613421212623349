package synth

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
)

// ESpeak is the local-voice fallback, shelling out to eSpeak/eSpeak-NG.
type ESpeak struct {
	path   string
	speed  float64
	volume float64

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewESpeak locates the eSpeak executable. Returns ErrUnsupported when it is
// not installed.
func NewESpeak(speed, volume float64) (*ESpeak, error) {
	path, err := findESpeakExecutable()
	if err != nil {
		return nil, err
	}
	if speed <= 0 {
		speed = 1.0
	}
	if volume <= 0 {
		volume = 1.0
	}
	return &ESpeak{path: path, speed: speed, volume: volume}, nil
}

func findESpeakExecutable() (string, error) {
	for _, candidate := range []string{"espeak-ng", "espeak"} {
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("eSpeak executable not found in PATH: %w", ErrUnsupported)
}

// Speak blocks until the utterance finishes, the context is canceled or Stop
// kills the process.
func (e *ESpeak) Speak(ctx context.Context, text string) error {
	args := []string{
		"-s", strconv.Itoa(int(175 * e.speed)), // words per minute, 175 is the eSpeak default
		"-a", strconv.Itoa(int(100 * e.volume)), // amplitude 0-200
		text,
	}
	cmd := exec.CommandContext(ctx, e.path, args...)

	e.mu.Lock()
	e.cmd = cmd
	e.mu.Unlock()

	err := cmd.Run()

	e.mu.Lock()
	if e.cmd == cmd {
		e.cmd = nil
	}
	stopped := err != nil && cmd.ProcessState != nil && !cmd.ProcessState.Exited()
	e.mu.Unlock()

	if stopped || ctx.Err() != nil {
		// Killed on purpose; not a failure.
		return nil
	}
	if err != nil {
		return fmt.Errorf("espeak: %w", err)
	}
	return nil
}

// Stop kills any running utterance.
func (e *ESpeak) Stop() {
	e.mu.Lock()
	cmd := e.cmd
	e.cmd = nil
	e.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
