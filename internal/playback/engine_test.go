package playback

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"storyvine/internal/assets"
	"storyvine/internal/domain/story"
	"storyvine/internal/intent"
	"storyvine/internal/resilience"
	"storyvine/internal/speech/synth"
)

// fakeNarrator records Speak requests; tests complete them by hand.
type fakeNarrator struct {
	mu   sync.Mutex
	reqs []synth.Request
}

func (f *fakeNarrator) Initialize() error { return nil }
func (f *fakeNarrator) Stop()             {}
func (f *fakeNarrator) Pause()            {}
func (f *fakeNarrator) Resume()           {}
func (f *fakeNarrator) Playing() bool     { return false }

func (f *fakeNarrator) Speak(_ context.Context, req synth.Request) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
}

func (f *fakeNarrator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeNarrator) req(i int) synth.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[i]
}

// waitReq blocks until the narrator has received at least n requests and
// returns the latest one.
func waitReq(t *testing.T, f *fakeNarrator, n int) synth.Request {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.count() >= n {
			return f.req(n - 1)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("narrator never received request %d (got %d)", n, f.count())
	return synth.Request{}
}

// autoNarrator completes every utterance immediately.
type autoNarrator struct{ fakeNarrator }

func (a *autoNarrator) Speak(ctx context.Context, req synth.Request) {
	a.fakeNarrator.Speak(ctx, req)
	if req.OnEnd != nil {
		go req.OnEnd()
	}
}

type fakeListener struct {
	supported bool

	mu      sync.Mutex
	onFinal func(string)
	listens int
}

func (f *fakeListener) Supported() bool { return f.supported }

func (f *fakeListener) Listen(_ context.Context, onFinal func(string)) {
	f.mu.Lock()
	f.listens++
	f.onFinal = onFinal
	f.mu.Unlock()
}

func (f *fakeListener) Abort() {
	f.mu.Lock()
	f.onFinal = nil
	f.mu.Unlock()
}

// hear delivers a final transcript to the open turn.
func (f *fakeListener) hear(t *testing.T, text string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		cb := f.onFinal
		f.onFinal = nil
		f.mu.Unlock()
		if cb != nil {
			cb(text)
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no open capture turn to deliver transcript to")
}

type fakeSink struct {
	chosen    chan ChoiceEvent
	completed chan string
}

func newFakeSink() *fakeSink {
	return &fakeSink{chosen: make(chan ChoiceEvent, 8), completed: make(chan string, 1)}
}

func (f *fakeSink) ChoiceMade(ev ChoiceEvent)        { f.chosen <- ev }
func (f *fakeSink) SessionComplete(sessionID string) { f.completed <- sessionID }

// scriptedResolver blocks until released, then returns its resolution.
type scriptedResolver struct {
	release chan struct{}
	res     intent.Resolution
}

func (s *scriptedResolver) Resolve(context.Context, intent.Context, []story.Option, string) (intent.Resolution, error) {
	<-s.release
	return s.res, nil
}

func testStory() *story.Story {
	return &story.Story{
		ID:       "fox",
		Title:    "The Little Fox",
		Voice:    "en-US-Chirp3-HD-Charon",
		TTSModel: "googleclassic",
		Language: "en-US",
		Nodes: map[string]story.Node{
			"start": story.NewLinear("start", story.NodeText{Text: "A fox appeared."}, "q1"),
			"q1": story.NewChoice("q1", story.NodeText{Text: "The fox ran away."}, "What should we do?", []story.Option{
				{Label: "A", Next: "endA"},
				{Label: "B", Next: "endB"},
			}),
			"endA": story.NewEnd("endA", story.NodeText{Text: "You followed the fox."}),
			"endB": story.NewEnd("endB", story.NodeText{Text: "You stayed home."}),
		},
	}
}

func quickConfig() Config {
	return Config{
		AdvanceDelay:  time.Millisecond,
		GraceDelay:    time.Millisecond,
		PrefetchDelay: time.Hour, // keep prefetch out of timing-sensitive tests
		ListenRetries: 2,
		MaxNodeVisits: 200,
	}
}

func waitState(t *testing.T, e *Engine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("engine never reached state %v (stuck in %v)", want, e.State())
}

func TestEndToEndSpokenSelection(t *testing.T) {
	nar := &fakeNarrator{}
	lis := &fakeListener{supported: true}
	sink := newFakeSink()
	e := NewEngine(testStory(), nar, quickConfig(), WithListener(lis), WithSink(sink))
	e.Start(context.Background())

	req := waitReq(t, nar, 1)
	assert.Contains(t, req.Text, "A fox appeared.")
	req.OnEnd() // start narration finishes → auto-advance to q1

	req = waitReq(t, nar, 2)
	assert.Contains(t, req.Text, "What should we do?")
	req.OnEnd() // choice narration finishes → listening
	waitState(t, e, StateListening)

	lis.hear(t, "A") // exact label match, no remote call

	select {
	case ev := <-sink.chosen:
		assert.Equal(t, "q1", ev.NodeID)
		assert.Equal(t, "A", ev.OptionLabel)
		assert.Equal(t, "A", ev.TriggeringTranscript)
		assert.Equal(t, []string{"A"}, ev.Utterances)
		assert.NotEmpty(t, ev.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("choice event never emitted")
	}

	req = waitReq(t, nar, 3)
	assert.Equal(t, "Okay, A!", req.Text)
	req.OnEnd() // acknowledgement heard → grace pause → advance

	req = waitReq(t, nar, 4)
	assert.Contains(t, req.Text, "You followed the fox.")
	req.OnEnd() // end node narration finishes → session complete

	select {
	case sid := <-sink.completed:
		assert.Equal(t, e.SessionID(), sid)
	case <-time.After(2 * time.Second):
		t.Fatal("session never completed")
	}
	assert.Equal(t, StateDone, e.State())
}

func TestStaleClassificationDiscarded(t *testing.T) {
	nar := &fakeNarrator{}
	lis := &fakeListener{supported: true}
	sink := newFakeSink()
	resolver := &scriptedResolver{
		release: make(chan struct{}),
		res:     intent.Resolution{Action: intent.ActionSelect, OptionIndex: 0},
	}
	e := NewEngine(testStory(), nar, quickConfig(),
		WithListener(lis), WithSink(sink), WithResolver(resolver))
	e.Start(context.Background())

	waitReq(t, nar, 1).OnEnd()
	waitReq(t, nar, 2).OnEnd()
	waitState(t, e, StateListening)

	// No local match: the transcript goes to the (stalled) remote resolver.
	lis.hear(t, "something mysterious")
	waitState(t, e, StateProcessing)

	// The caregiver taps B before classification resolves.
	e.Choose(1)
	req := waitReq(t, nar, 3)
	assert.Equal(t, "Okay, B!", req.Text)
	req.OnEnd()
	req = waitReq(t, nar, 4)
	assert.Contains(t, req.Text, "You stayed home.")

	// The late resolution (for option A) must be a no-op.
	close(resolver.release)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, "endB", e.CurrentNode().ID())
	assert.Equal(t, 4, nar.count(), "stale classification must not re-trigger narration")

	ev := <-sink.chosen
	assert.Equal(t, "B", ev.OptionLabel)
	assert.Empty(t, ev.TriggeringTranscript, "tapped selections carry no transcript")
	select {
	case extra := <-sink.chosen:
		t.Fatalf("stale classification emitted a second choice: %+v", extra)
	default:
	}
}

func TestDanglingSuccessorCompletesGracefully(t *testing.T) {
	st := &story.Story{
		ID:    "broken",
		Nodes: map[string]story.Node{"start": story.NewLinear("start", story.NodeText{Text: "Once."}, "missing")},
	}
	nar := &fakeNarrator{}
	sink := newFakeSink()
	e := NewEngine(st, nar, quickConfig(), WithSink(sink))
	e.Start(context.Background())

	waitReq(t, nar, 1).OnEnd()

	select {
	case <-sink.completed:
	case <-time.After(2 * time.Second):
		t.Fatal("dangling successor must end the session, not hang")
	}
	assert.Equal(t, StateDone, e.State())
}

func TestQuotaExhaustionSurfacesModelSwitch(t *testing.T) {
	nar := &fakeNarrator{}
	e := NewEngine(testStory(), nar, quickConfig())

	errCh := make(chan error, 1)
	e.OnPlaybackError = func(err error) { errCh <- err }
	e.Start(context.Background())

	req := waitReq(t, nar, 1)
	require.NotNil(t, req.OnError)
	req.OnError(status.Error(codes.ResourceExhausted, "tts quota exhausted"))

	select {
	case err := <-errCh:
		assert.Equal(t, resilience.ClassQuota, resilience.Classify(err))
	case <-time.After(2 * time.Second):
		t.Fatal("quota error never surfaced")
	}
	waitState(t, e, StateWaiting)

	// Choosing a different model replays the node with it.
	e.SwitchModel(synth.LocalModel)
	req = waitReq(t, nar, 2)
	assert.Equal(t, synth.LocalModel, req.Model)
	assert.Contains(t, req.Text, "A fox appeared.")
}

func TestVisitCapEndsCyclicStory(t *testing.T) {
	st := &story.Story{
		ID: "loop",
		Nodes: map[string]story.Node{
			"start": story.NewLinear("start", story.NodeText{Text: "Around."}, "again"),
			"again": story.NewLinear("again", story.NodeText{Text: "And around."}, "start"),
		},
	}
	nar := &autoNarrator{}
	sink := newFakeSink()
	cfg := quickConfig()
	cfg.MaxNodeVisits = 6
	e := NewEngine(st, nar, cfg, WithSink(sink))
	e.Start(context.Background())

	select {
	case <-sink.completed:
	case <-time.After(5 * time.Second):
		t.Fatal("cyclic story never hit the visit cap")
	}
	assert.Equal(t, StateDone, e.State())
	assert.LessOrEqual(t, nar.count(), 6)
}

func TestNoCaptureFallsBackToTap(t *testing.T) {
	nar := &fakeNarrator{}
	sink := newFakeSink()
	e := NewEngine(testStory(), nar, quickConfig(), WithSink(sink))
	e.Start(context.Background())

	waitReq(t, nar, 1).OnEnd()
	waitReq(t, nar, 2).OnEnd()

	// No listener wired: a choice node waits for a tap instead of listening.
	waitState(t, e, StateWaiting)

	e.Choose(0)
	ev := <-sink.chosen
	assert.Equal(t, "A", ev.OptionLabel)
	waitReq(t, nar, 3).OnEnd() // acknowledgement
	req := waitReq(t, nar, 4)
	assert.Contains(t, req.Text, "You followed the fox.")
}

func TestResolvedChoiceAcknowledgedBeforeAdvance(t *testing.T) {
	st := testStory()
	q1 := st.Nodes["q1"].(*story.Choice)
	q1.Options[0].Spoken = "follow the fox"

	nar := &fakeNarrator{}
	lis := &fakeListener{supported: true}
	e := NewEngine(st, nar, quickConfig(), WithListener(lis))
	e.Start(context.Background())

	waitReq(t, nar, 1).OnEnd()
	waitReq(t, nar, 2).OnEnd()
	waitState(t, e, StateListening)

	lis.hear(t, "A")

	// The confirmation comes first, preferring the option's spoken form, and
	// the story holds at the choice node until it has been heard.
	req := waitReq(t, nar, 3)
	assert.Equal(t, "Okay, follow the fox!", req.Text)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "q1", e.CurrentNode().ID(), "must not advance while the acknowledgement plays")

	req.OnEnd()
	req = waitReq(t, nar, 4)
	assert.Contains(t, req.Text, "You followed the fox.")
	assert.Equal(t, "endA", e.CurrentNode().ID())
}

func TestEmptyTurnsGuideThenFallBackToTap(t *testing.T) {
	nar := &fakeNarrator{}
	lis := &fakeListener{supported: true}
	e := NewEngine(testStory(), nar, quickConfig(), WithListener(lis))
	e.Start(context.Background())

	waitReq(t, nar, 1).OnEnd()
	waitReq(t, nar, 2).OnEnd()
	waitState(t, e, StateListening)

	// First empty turn: spoken guidance, then the microphone reopens.
	lis.hear(t, "")
	req := waitReq(t, nar, 3)
	assert.Contains(t, req.Text, "You can say: A, or B.")
	req.OnEnd()
	waitState(t, e, StateListening)

	// Second empty turn: one more guided retry.
	lis.hear(t, "")
	waitReq(t, nar, 4).OnEnd()
	waitState(t, e, StateListening)

	// Retries exhausted: tap-to-choose.
	lis.hear(t, "")
	waitState(t, e, StateWaiting)
	assert.Equal(t, 4, nar.count(), "no further guidance after retries are exhausted")
}

func TestNearEndPrefetchesSuccessorNarration(t *testing.T) {
	store, err := assets.OpenSQLite(filepath.Join(t.TempDir(), "assets.db"))
	require.NoError(t, err)
	defer store.Close()
	limiter := assets.NewLimiter(time.Millisecond)
	defer limiter.Close()
	cache := assets.NewCache(store, limiter)

	var mu sync.Mutex
	var synthesized []string
	synthFn := func(_ context.Context, text, _, _ string) ([]byte, error) {
		mu.Lock()
		synthesized = append(synthesized, text)
		mu.Unlock()
		return []byte("mp3"), nil
	}

	nar := &fakeNarrator{}
	e := NewEngine(testStory(), nar, quickConfig(), WithPrefetch(cache, synthFn, nil))
	e.Start(context.Background())

	req := waitReq(t, nar, 1)
	require.NotNil(t, req.OnNearEnd)
	req.OnNearEnd() // start is nearly done: its successor q1 gets prefetched

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(synthesized)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, synthesized, "successor narration was never prefetched")
	assert.Contains(t, synthesized[0], "What should we do?")
}

func TestBackReplaysPreviousNode(t *testing.T) {
	nar := &fakeNarrator{}
	e := NewEngine(testStory(), nar, quickConfig())
	e.Start(context.Background())

	waitReq(t, nar, 1).OnEnd()
	req := waitReq(t, nar, 2)
	assert.Contains(t, req.Text, "What should we do?")

	e.Back()
	req = waitReq(t, nar, 3)
	assert.Contains(t, req.Text, "A fox appeared.")
	assert.Equal(t, "start", e.CurrentNode().ID())
}
