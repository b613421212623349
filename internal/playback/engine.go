// Package playback is the interaction state machine at the heart of a story
// session: it owns the current node pointer, orchestrates reading → listening
// → processing → branching transitions, schedules prefetch for reachable
// successors, and recovers from model and quota failures.
package playback

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"storyvine/internal/assets"
	"storyvine/internal/domain/story"
	"storyvine/internal/intent"
	"storyvine/internal/narration"
	"storyvine/internal/speech/synth"
)

// State is the engine's interaction state at the active node.
type State int

const (
	StateIdle State = iota
	StateReading
	StateWaiting
	StateListening
	StateProcessing
	StateGuiding
	StateDone
)

func (s State) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateWaiting:
		return "waiting"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateGuiding:
		return "guiding"
	case StateDone:
		return "done"
	default:
		return "idle"
	}
}

// Config tunes the engine's pacing and safety limits.
type Config struct {
	// AdvanceDelay is the pause between a linear node's narration ending and
	// the jump to its successor.
	AdvanceDelay time.Duration
	// GraceDelay is the pause after a resolved choice before advancing, so
	// the transition does not feel abrupt.
	GraceDelay time.Duration
	// PrefetchDelay is how long after node entry successor prefetch starts;
	// the foreground narration request always goes first.
	PrefetchDelay time.Duration
	// ListenRetries bounds how many empty or unresolvable capture turns are
	// re-attempted before falling back to tap input.
	ListenRetries int
	// MaxNodeVisits caps total node visits per session so a cyclic graph
	// cannot loop forever.
	MaxNodeVisits int
}

func (c Config) withDefaults() Config {
	if c.AdvanceDelay <= 0 {
		c.AdvanceDelay = 800 * time.Millisecond
	}
	if c.GraceDelay <= 0 {
		c.GraceDelay = 1200 * time.Millisecond
	}
	if c.PrefetchDelay <= 0 {
		c.PrefetchDelay = 2 * time.Second
	}
	if c.ListenRetries <= 0 {
		c.ListenRetries = 2
	}
	if c.MaxNodeVisits <= 0 {
		c.MaxNodeVisits = 200
	}
	return c
}

// Engine plays one story session. All mutation happens under one mutex; every
// asynchronous completion (narration end, transcript, classification) carries
// the epoch it was scheduled under and is silently discarded when the engine
// has since moved on.
type Engine struct {
	story    *story.Story
	narrator synth.Engine
	listener Listener
	resolver intent.Resolver
	cache    *assets.Cache
	synthFn  assets.SynthFunc
	genFn    assets.GenerateFunc
	sink     EventSink
	cfg      Config

	// OnStateChange, OnNode and OnPlaybackError are UI hooks; set them
	// before Start. OnPlaybackError only receives the user-actionable
	// failures (quota, auth); everything else degrades internally.
	OnStateChange   func(State)
	OnNode          func(story.Node)
	OnPlaybackError func(error)
	OnComplete      func()

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	sessionID  string
	state      State
	node       story.Node
	epoch      uint64
	visits     int
	history    []string
	utterances []string
	attempts   int
	model      string
	pending    *time.Timer
	prefetch   *time.Timer
}

// Option configures an Engine.
type Option func(*Engine)

// WithListener wires speech capture. Without one, choices use tap input.
func WithListener(l Listener) Option {
	return func(e *Engine) { e.listener = l }
}

// WithResolver wires the remote intent classifier for transcripts the local
// matcher cannot place.
func WithResolver(r intent.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithPrefetch wires background asset population for reachable successors.
// genFn may be nil when illustration generation is disabled.
func WithPrefetch(cache *assets.Cache, synthFn assets.SynthFunc, genFn assets.GenerateFunc) Option {
	return func(e *Engine) {
		e.cache = cache
		e.synthFn = synthFn
		e.genFn = genFn
	}
}

// WithSink wires the session event sink.
func WithSink(s EventSink) Option {
	return func(e *Engine) { e.sink = s }
}

// NewEngine builds an engine for one story. The narrator is mandatory; all
// other collaborators are optional and their absence degrades gracefully.
func NewEngine(st *story.Story, narrator synth.Engine, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		story:    st,
		narrator: narrator,
		cfg:      cfg.withDefaults(),
		model:    st.TTSModel,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start begins the session at the start node. Calling Start on a running or
// finished session is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.sessionID = ulid.Make().String()
	logrus.WithFields(logrus.Fields{
		"session": e.sessionID,
		"story":   e.story.ID,
	}).Info("story session starting")
	post := e.enterNodeLocked(story.StartNodeID)
	e.mu.Unlock()
	post()
}

// Stop halts the session immediately: narration stops, any open capture turn
// is aborted, pending transitions are cancelled. No completion event is
// emitted.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.epoch++
	e.stopTimersLocked()
	if e.listener != nil {
		e.listener.Abort()
	}
	e.narrator.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	e.state = StateIdle
	e.mu.Unlock()
}

// Choose resolves the active choice node by tap. Valid whenever a choice node
// is active; it interrupts narration and capture.
func (e *Engine) Choose(index int) {
	e.mu.Lock()
	choice, ok := e.node.(*story.Choice)
	if !ok || e.state == StateDone || e.state == StateIdle ||
		index < 0 || index >= len(choice.Options) {
		e.mu.Unlock()
		return
	}
	e.narrator.Stop()
	post := e.selectLocked(e.epoch, choice, index, "")
	e.mu.Unlock()
	post()
}

// Back replays the previously visited node, abandoning any in-flight work at
// the current one.
func (e *Engine) Back() {
	e.mu.Lock()
	if len(e.history) == 0 || e.state == StateDone || e.state == StateIdle {
		e.mu.Unlock()
		return
	}
	prev := e.history[len(e.history)-1]
	e.history = e.history[:len(e.history)-1]
	e.narrator.Stop()
	post := e.enterNodeLocked(prev)
	e.mu.Unlock()
	post()
}

// SwitchModel changes the synthesis model (typically after quota exhaustion)
// and replays the current node with the new voice engine.
func (e *Engine) SwitchModel(model string) {
	e.mu.Lock()
	if e.node == nil || e.state == StateDone || e.state == StateIdle {
		e.mu.Unlock()
		return
	}
	logrus.WithField("model", model).Info("switching synthesis model")
	e.model = model
	e.narrator.Stop()
	post := e.enterNodeLocked(e.node.ID())
	e.mu.Unlock()
	post()
}

// State returns the current interaction state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CurrentNode returns the active node, or nil before Start.
func (e *Engine) CurrentNode() story.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.node
}

// SessionID returns the identifier stamped on this session's events.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// currentLocked reports whether a callback scheduled under ep is still for
// the active node. Every transition increments the epoch.
func (e *Engine) currentLocked(ep uint64) bool { return ep == e.epoch }

func (e *Engine) stopTimersLocked() {
	if e.pending != nil {
		e.pending.Stop()
		e.pending = nil
	}
	if e.prefetch != nil {
		e.prefetch.Stop()
		e.prefetch = nil
	}
}

func (e *Engine) notifyStateLocked(s State) func() {
	cb := e.OnStateChange
	return func() {
		if cb != nil {
			cb(s)
		}
	}
}

// enterNodeLocked makes id the active node and starts its narration. Missing
// nodes and the visit cap both end the session cleanly. The returned closure
// carries the UI notifications and must run after the lock is released.
func (e *Engine) enterNodeLocked(id string) func() {
	e.epoch++
	ep := e.epoch
	e.stopTimersLocked()
	if e.listener != nil {
		e.listener.Abort()
	}

	node, ok := e.story.Node(id)
	if !ok {
		logrus.WithField("node", id).Warn("successor node missing, ending story")
		return e.completeLocked()
	}
	e.visits++
	if e.visits > e.cfg.MaxNodeVisits {
		logrus.WithField("visits", e.visits).Warn("node visit cap reached, ending story")
		return e.completeLocked()
	}

	e.node = node
	e.state = StateReading
	e.utterances = nil
	e.attempts = 0

	if e.cache != nil {
		e.prefetch = time.AfterFunc(e.cfg.PrefetchDelay, func() { e.prefetchSuccessors(ep) })
	}

	e.narrator.Speak(e.ctx, synth.Request{
		Text:      narration.BuildSpeech(node),
		Voice:     e.story.Voice,
		Model:     e.model,
		OnNearEnd: func() { e.onNearEnd(ep) },
		OnEnd:     func() { e.onNarrationEnd(ep) },
		OnError:   func(err error) { e.onNarrationError(ep, err) },
	})

	onNode := e.OnNode
	notify := e.notifyStateLocked(StateReading)
	return func() {
		if onNode != nil {
			onNode(node)
		}
		notify()
	}
}

func (e *Engine) completeLocked() func() {
	if e.state == StateDone {
		return func() {}
	}
	e.epoch++
	e.stopTimersLocked()
	if e.listener != nil {
		e.listener.Abort()
	}
	e.state = StateDone
	logrus.WithField("session", e.sessionID).Info("story session complete")

	sid := e.sessionID
	sink := e.sink
	onComplete := e.OnComplete
	notify := e.notifyStateLocked(StateDone)
	return func() {
		notify()
		if sink != nil {
			sink.SessionComplete(sid)
		}
		if onComplete != nil {
			onComplete()
		}
	}
}

// onNearEnd fires shortly before narration finishes: the node is about to
// demand a decision, so successor prefetch starts now if its timer has not
// gone off yet.
func (e *Engine) onNearEnd(ep uint64) {
	e.mu.Lock()
	if !e.currentLocked(ep) || e.cache == nil {
		e.mu.Unlock()
		return
	}
	if e.prefetch != nil {
		e.prefetch.Stop()
		e.prefetch = nil
	}
	e.mu.Unlock()
	go e.prefetchSuccessors(ep)
}

func (e *Engine) onNarrationEnd(ep uint64) {
	e.mu.Lock()
	if !e.currentLocked(ep) {
		e.mu.Unlock()
		logrus.Debug("stale narration completion discarded")
		return
	}

	var post func()
	switch n := e.node.(type) {
	case *story.Linear:
		next := n.Next
		e.state = StateWaiting
		e.pending = time.AfterFunc(e.cfg.AdvanceDelay, func() { e.advance(ep, next) })
		post = e.notifyStateLocked(StateWaiting)
	case *story.Choice:
		if e.listener != nil && e.listener.Supported() {
			post = e.listenLocked(ep)
		} else {
			e.state = StateWaiting
			post = e.notifyStateLocked(StateWaiting)
		}
	default: // end node
		post = e.completeLocked()
	}
	e.mu.Unlock()
	post()
}

// onNarrationError receives the user-actionable synthesis failures. The
// session pauses (tap input still works) and the UI decides whether to offer
// a model switch.
func (e *Engine) onNarrationError(ep uint64, err error) {
	e.mu.Lock()
	if !e.currentLocked(ep) {
		e.mu.Unlock()
		return
	}
	logrus.WithError(err).WithField("node", e.node.ID()).Warn("narration failed, pausing session")
	e.state = StateWaiting
	notify := e.notifyStateLocked(StateWaiting)
	cb := e.OnPlaybackError
	e.mu.Unlock()
	notify()
	if cb != nil {
		cb(err)
	}
}

func (e *Engine) advance(ep uint64, next string) {
	e.mu.Lock()
	if !e.currentLocked(ep) {
		e.mu.Unlock()
		return
	}
	e.history = append(e.history, e.node.ID())
	post := e.enterNodeLocked(next)
	e.mu.Unlock()
	post()
}

// listenLocked opens a capture turn. The actual Listen call happens in the
// returned closure so the microphone dial never runs under the engine lock.
func (e *Engine) listenLocked(ep uint64) func() {
	e.state = StateListening
	ctx := e.ctx
	listener := e.listener
	notify := e.notifyStateLocked(StateListening)
	return func() {
		notify()
		listener.Listen(ctx, func(transcript string) { e.onTranscript(ep, transcript) })
	}
}

func (e *Engine) onTranscript(ep uint64, transcript string) {
	e.mu.Lock()
	if !e.currentLocked(ep) {
		e.mu.Unlock()
		logrus.Debug("stale transcript discarded")
		return
	}
	choice, ok := e.node.(*story.Choice)
	if !ok {
		e.mu.Unlock()
		return
	}

	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		post := e.unresolvedLocked(ep, choice)
		e.mu.Unlock()
		post()
		return
	}

	e.utterances = append(e.utterances, transcript)
	logrus.WithField("transcript", transcript).Debug("heard")

	if idx, ok := intent.MatchLocally(transcript, choice.Options); ok {
		post := e.selectLocked(ep, choice, idx, transcript)
		e.mu.Unlock()
		post()
		return
	}

	if e.resolver == nil {
		post := e.unresolvedLocked(ep, choice)
		e.mu.Unlock()
		post()
		return
	}

	e.state = StateProcessing
	ic := intent.Context{
		StoryTitle: e.story.Title,
		NodeText:   choice.Text(),
		Question:   choice.Question,
		Language:   e.story.Language,
	}
	options := choice.Options
	ctx := e.ctx
	resolver := e.resolver
	notify := e.notifyStateLocked(StateProcessing)
	e.mu.Unlock()

	notify()
	go func() {
		res, err := resolver.Resolve(ctx, ic, options, transcript)
		e.onResolution(ep, transcript, res, err)
	}()
}

func (e *Engine) onResolution(ep uint64, transcript string, res intent.Resolution, err error) {
	e.mu.Lock()
	if !e.currentLocked(ep) {
		e.mu.Unlock()
		logrus.Debug("stale classification discarded")
		return
	}
	choice, ok := e.node.(*story.Choice)
	if !ok {
		e.mu.Unlock()
		return
	}

	var post func()
	switch {
	case err != nil:
		// Could not classify before retries ran out: tap-to-choose.
		logrus.WithError(err).Warn("intent classification failed, falling back to tap input")
		e.state = StateWaiting
		post = e.notifyStateLocked(StateWaiting)
	case res.Action == intent.ActionSelect:
		post = e.selectLocked(ep, choice, res.OptionIndex, transcript)
	case res.Action == intent.ActionClarify:
		post = e.guideLocked(ep, res.Reply)
	default:
		post = e.unresolvedLocked(ep, choice)
	}
	e.mu.Unlock()
	post()
}

// unresolvedLocked handles a turn that produced nothing usable: retry the
// microphone with spoken guidance while attempts remain, then fall back to
// tap input.
func (e *Engine) unresolvedLocked(ep uint64, choice *story.Choice) func() {
	e.attempts++
	if e.attempts > e.cfg.ListenRetries {
		e.state = StateWaiting
		return e.notifyStateLocked(StateWaiting)
	}
	return e.guideLocked(ep, guidanceText(choice))
}

// guideLocked speaks a clarifying line, then reopens the microphone.
func (e *Engine) guideLocked(ep uint64, text string) func() {
	e.state = StateGuiding
	e.narrator.Speak(e.ctx, synth.Request{
		Text:    text,
		Voice:   e.story.Voice,
		Model:   e.model,
		OnEnd:   func() { e.onGuidanceEnd(ep) },
		OnError: func(err error) { e.onNarrationError(ep, err) },
	})
	return e.notifyStateLocked(StateGuiding)
}

func (e *Engine) onGuidanceEnd(ep uint64) {
	e.mu.Lock()
	if !e.currentLocked(ep) {
		e.mu.Unlock()
		return
	}
	post := e.listenLocked(ep)
	e.mu.Unlock()
	post()
}

// selectLocked resolves the active choice: emit the analytics event, speak a
// short acknowledgement so the child hears the story understood, then advance
// once it has been heard.
func (e *Engine) selectLocked(ep uint64, choice *story.Choice, index int, transcript string) func() {
	if index < 0 || index >= len(choice.Options) {
		return e.unresolvedLocked(ep, choice)
	}
	opt := choice.Options[index]
	// The node is decided: invalidate every callback still in flight for it
	// (late classifications, a second tap) before the acknowledgement starts.
	e.epoch++
	ep = e.epoch
	e.stopTimersLocked()
	if e.listener != nil {
		e.listener.Abort()
	}

	ev := ChoiceEvent{
		SessionID:            e.sessionID,
		NodeID:               choice.ID(),
		OptionLabel:          opt.Label,
		Category:             opt.Category,
		TriggeringTranscript: transcript,
		Utterances:           append([]string(nil), e.utterances...),
	}
	logrus.WithFields(logrus.Fields{
		"node":   ev.NodeID,
		"option": ev.OptionLabel,
	}).Info("choice resolved")

	next := opt.Next
	e.state = StateWaiting
	e.narrator.Speak(e.ctx, synth.Request{
		Text:    ackText(opt),
		Voice:   e.story.Voice,
		Model:   e.model,
		OnEnd:   func() { e.onAckEnd(ep, next) },
		OnError: func(err error) { e.onNarrationError(ep, err) },
	})

	sink := e.sink
	notify := e.notifyStateLocked(StateWaiting)
	return func() {
		if sink != nil {
			sink.ChoiceMade(ev)
		}
		notify()
	}
}

// onAckEnd fires when the acknowledgement line finishes: hold for the grace
// pause, then move to the chosen successor.
func (e *Engine) onAckEnd(ep uint64, next string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.currentLocked(ep) {
		return
	}
	e.pending = time.AfterFunc(e.cfg.GraceDelay, func() { e.advance(ep, next) })
}

// prefetchSuccessors queues background synthesis and illustration generation
// for every node reachable in one step, so the likely-next narration is
// already cached when the child decides.
func (e *Engine) prefetchSuccessors(ep uint64) {
	e.mu.Lock()
	if !e.currentLocked(ep) {
		e.mu.Unlock()
		return
	}
	node := e.node
	model := e.model
	e.mu.Unlock()

	if model == synth.LocalModel {
		return
	}
	for _, id := range story.Successors(node) {
		succ, ok := e.story.Node(id)
		if !ok {
			continue
		}
		if e.synthFn != nil {
			e.cache.PrefetchAudio(narration.BuildSpeech(succ), e.story.Voice, model, e.synthFn)
		}
		if e.genFn != nil && succ.Illustration() != "" {
			e.cache.PrefetchImage(e.story.ID, succ.ID(), succ.Illustration(), e.genFn)
		}
	}
}

// ackText is the short confirmation spoken for a resolved option before the
// story moves on.
func ackText(opt story.Option) string {
	phrase := strings.TrimSpace(opt.Spoken)
	if phrase == "" {
		phrase = strings.TrimSpace(opt.Label)
	}
	return "Okay, " + phrase + "!"
}

// guidanceText builds the spoken fallback hint for a choice the child's reply
// did not resolve.
func guidanceText(choice *story.Choice) string {
	labels := make([]string, len(choice.Options))
	for i, o := range choice.Options {
		labels[i] = o.Label
	}
	var b strings.Builder
	b.WriteString("You can say: ")
	for i, l := range labels {
		if i > 0 {
			if i == len(labels)-1 {
				b.WriteString(", or ")
			} else {
				b.WriteString(", ")
			}
		}
		b.WriteString(l)
	}
	b.WriteString(".")
	return b.String()
}
