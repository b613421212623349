// Package capture wraps microphone access and a streaming speech-to-text
// backend behind a single-utterance session: start, interim results,
// silence-based auto-stop, and exactly one final transcript per session.
package capture

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Result is one recognition event from the backend.
type Result struct {
	Text  string
	Final bool
}

// Recognizer is the platform speech-to-text capability.
type Recognizer interface {
	// Supported reports whether speech recognition exists at all. When
	// false, callers must rely on tap input and never open a session.
	Supported() bool
	// Listen opens a single-utterance capture session tuned for lang.
	Listen(ctx context.Context, lang string) (RecognitionStream, error)
}

// RecognitionStream is one open microphone session.
type RecognitionStream interface {
	// Results delivers interim and final transcripts. The channel closes
	// when the backend ends the session.
	Results() <-chan Result
	// Close tears the session down. Safe to call more than once.
	Close() error
}

// Config tunes the capture safety timers.
type Config struct {
	// Language is the BCP-47 recognition locale.
	Language string
	// NoSpeechTimeout force-stops a session in which nothing was ever
	// recognized, so the microphone never stays open indefinitely.
	NoSpeechTimeout time.Duration
	// SilenceTimeout force-stops once the child pauses after having said
	// something. This is the turn-taking boundary.
	SilenceTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.NoSpeechTimeout <= 0 {
		c.NoSpeechTimeout = 8 * time.Second
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 2 * time.Second
	}
	return c
}

// Session drives one microphone turn at a time.
// State machine: idle → listening → (stopped|aborted) → idle.
type Session struct {
	rec Recognizer
	cfg Config

	// OnInterim receives partial transcripts as the child speaks.
	OnInterim func(text string)
	// OnSessionEnd receives the accumulated final transcript exactly once
	// per Start. Recognition errors resolve to an empty transcript.
	OnSessionEnd func(finalTranscript string)

	mu          sync.Mutex
	listening   bool
	emitted     bool
	stream      RecognitionStream
	finalText   string
	lastInterim string
	heardSpeech bool
	noSpeech    *time.Timer
	silence     *time.Timer
}

// NewSession wraps rec with the safety-timer state machine.
func NewSession(rec Recognizer, cfg Config) *Session {
	// emitted starts true so a stray Stop before the first Start emits nothing.
	return &Session{rec: rec, cfg: cfg.withDefaults(), emitted: true}
}

// Supported reports whether speech capture is available on this platform.
func (s *Session) Supported() bool { return s.rec != nil && s.rec.Supported() }

// Start opens a capture session. A missing capability or a backend error is
// not surfaced: the session resolves to an empty transcript so the caller's
// retry/guidance logic takes over. Start while already listening is a no-op.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		return
	}
	if !s.Supported() {
		s.mu.Unlock()
		logrus.Warn("speech recognition not available, skipping capture")
		return
	}
	s.listening = true
	s.emitted = false
	s.finalText = ""
	s.lastInterim = ""
	s.heardSpeech = false
	s.mu.Unlock()

	stream, err := s.rec.Listen(ctx, s.cfg.Language)
	if err != nil {
		logrus.WithError(err).Warn("failed to open capture session")
		s.finish("")
		return
	}

	s.mu.Lock()
	if !s.listening {
		// Aborted while dialing.
		s.mu.Unlock()
		stream.Close()
		return
	}
	s.stream = stream
	s.noSpeech = time.AfterFunc(s.cfg.NoSpeechTimeout, s.onNoSpeechTimeout)
	s.mu.Unlock()

	go s.consume(stream)
}

// Stop ends the session and emits the final transcript (or the last interim
// text when no final was produced).
func (s *Session) Stop() {
	s.mu.Lock()
	final := s.finalText
	if final == "" {
		final = s.lastInterim
	}
	s.mu.Unlock()
	s.teardown()
	s.finish(final)
}

// Abort tears the capture session down without emitting a transcript. Used
// when the user navigates away mid-capture.
func (s *Session) Abort() {
	s.mu.Lock()
	s.emitted = true // suppress any pending emit
	s.mu.Unlock()
	s.teardown()
}

// Listening reports whether a capture session is open.
func (s *Session) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

func (s *Session) consume(stream RecognitionStream) {
	for r := range stream.Results() {
		s.mu.Lock()
		if !s.listening || s.stream != stream {
			s.mu.Unlock()
			return
		}
		text := r.Text
		if text != "" {
			if !s.heardSpeech {
				s.heardSpeech = true
				if s.noSpeech != nil {
					s.noSpeech.Stop()
				}
			}
			if r.Final {
				if s.finalText != "" {
					s.finalText += " "
				}
				s.finalText += text
			} else {
				s.lastInterim = text
			}
			// Every recognized fragment restarts the turn-taking clock.
			if s.silence != nil {
				s.silence.Stop()
			}
			s.silence = time.AfterFunc(s.cfg.SilenceTimeout, s.onSilenceTimeout)
		}
		onInterim := s.OnInterim
		s.mu.Unlock()

		if !r.Final && text != "" && onInterim != nil {
			onInterim(text)
		}
	}
	// Backend closed the stream on its own (end of utterance, error, or
	// permission denial): resolve with whatever was heard.
	s.Stop()
}

func (s *Session) onNoSpeechTimeout() {
	s.mu.Lock()
	heard := s.heardSpeech
	s.mu.Unlock()
	if !heard {
		logrus.Debug("no speech recognized, closing microphone")
		s.Stop()
	}
}

func (s *Session) onSilenceTimeout() {
	logrus.Debug("silence after speech, ending turn")
	s.Stop()
}

// teardown closes the stream and cancels both timers.
func (s *Session) teardown() {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.listening = false
	if s.noSpeech != nil {
		s.noSpeech.Stop()
		s.noSpeech = nil
	}
	if s.silence != nil {
		s.silence.Stop()
		s.silence = nil
	}
	s.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

// finish emits the final transcript at most once per Start.
func (s *Session) finish(final string) {
	s.mu.Lock()
	if s.emitted {
		s.mu.Unlock()
		return
	}
	s.emitted = true
	s.listening = false
	cb := s.OnSessionEnd
	s.mu.Unlock()
	if cb != nil {
		cb(final)
	}
}
