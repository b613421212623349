package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	results chan Result
	once    sync.Once
}

func (f *fakeStream) Results() <-chan Result { return f.results }
func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.results) })
	return nil
}

type fakeRecognizer struct {
	supported bool
	mu        sync.Mutex
	streams   []*fakeStream
}

func (f *fakeRecognizer) Supported() bool { return f.supported }

func (f *fakeRecognizer) Listen(context.Context, string) (RecognitionStream, error) {
	st := &fakeStream{results: make(chan Result, 16)}
	f.mu.Lock()
	f.streams = append(f.streams, st)
	f.mu.Unlock()
	return st, nil
}

func (f *fakeRecognizer) last() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

func collectFinal(s *Session) <-chan string {
	ch := make(chan string, 1)
	s.OnSessionEnd = func(final string) { ch <- final }
	return ch
}

func TestSilenceTimerEmitsFinalOnce(t *testing.T) {
	rec := &fakeRecognizer{supported: true}
	s := NewSession(rec, Config{Language: "en-US", SilenceTimeout: 50 * time.Millisecond})
	finals := collectFinal(s)

	var interims []string
	var mu sync.Mutex
	s.OnInterim = func(text string) {
		mu.Lock()
		interims = append(interims, text)
		mu.Unlock()
	}

	s.Start(context.Background())
	st := rec.last()
	require.NotNil(t, st)
	st.results <- Result{Text: "go after"}
	st.results <- Result{Text: "go after the fox", Final: true}

	select {
	case final := <-finals:
		assert.Equal(t, "go after the fox", final)
	case <-time.After(2 * time.Second):
		t.Fatal("silence timer never ended the turn")
	}

	// No second emission.
	select {
	case extra := <-finals:
		t.Fatalf("final transcript emitted twice: %q", extra)
	case <-time.After(150 * time.Millisecond):
	}

	mu.Lock()
	assert.Equal(t, []string{"go after"}, interims)
	mu.Unlock()
	assert.False(t, s.Listening())
}

func TestFinalFallsBackToLastInterim(t *testing.T) {
	rec := &fakeRecognizer{supported: true}
	s := NewSession(rec, Config{SilenceTimeout: 50 * time.Millisecond})
	finals := collectFinal(s)

	s.Start(context.Background())
	rec.last().results <- Result{Text: "tell mum"}

	select {
	case final := <-finals:
		assert.Equal(t, "tell mum", final)
	case <-time.After(2 * time.Second):
		t.Fatal("no final emitted")
	}
}

func TestNoSpeechTimeoutEmitsEmpty(t *testing.T) {
	rec := &fakeRecognizer{supported: true}
	s := NewSession(rec, Config{NoSpeechTimeout: 50 * time.Millisecond})
	finals := collectFinal(s)

	s.Start(context.Background())

	select {
	case final := <-finals:
		assert.Empty(t, final, "a silent session resolves to an empty transcript")
	case <-time.After(2 * time.Second):
		t.Fatal("no-speech timer never fired")
	}
}

func TestAbortEmitsNothing(t *testing.T) {
	rec := &fakeRecognizer{supported: true}
	s := NewSession(rec, Config{SilenceTimeout: 30 * time.Millisecond})
	finals := collectFinal(s)

	s.Start(context.Background())
	rec.last().results <- Result{Text: "halfway thro"}
	s.Abort()

	select {
	case final := <-finals:
		t.Fatalf("abort must not emit a transcript, got %q", final)
	case <-time.After(200 * time.Millisecond):
	}
	assert.False(t, s.Listening())
}

func TestStartWhileListeningIsNoOp(t *testing.T) {
	rec := &fakeRecognizer{supported: true}
	s := NewSession(rec, Config{NoSpeechTimeout: time.Minute})
	defer s.Abort()

	s.Start(context.Background())
	s.Start(context.Background())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.streams, 1, "only one capture session may be open at a time")
}

func TestUnsupportedRecognizerIsSilentNoOp(t *testing.T) {
	s := NewSession(&fakeRecognizer{supported: false}, Config{})
	finals := collectFinal(s)

	s.Start(context.Background())

	assert.False(t, s.Supported())
	assert.False(t, s.Listening())
	select {
	case <-finals:
		t.Fatal("unsupported capture must not emit")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBackendClosingStreamResolvesSession(t *testing.T) {
	rec := &fakeRecognizer{supported: true}
	s := NewSession(rec, Config{NoSpeechTimeout: time.Minute, SilenceTimeout: time.Minute})
	finals := collectFinal(s)

	s.Start(context.Background())
	st := rec.last()
	st.results <- Result{Text: "follow the fox", Final: true}
	st.Close()

	select {
	case final := <-finals:
		assert.Equal(t, "follow the fox", final)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not resolve when the backend closed")
	}
}
