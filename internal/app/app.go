// Package app wires the playback stack together for the CLI: config, asset
// store, narration engine, speech capture, intent resolution and the engine
// itself, plus the interactive terminal session around them.
package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"storyvine/internal/assets"
	"storyvine/internal/cli/scheme/colours"
	"storyvine/internal/domain/story"
	"storyvine/internal/intent"
	"storyvine/internal/playback"
	"storyvine/internal/resilience"
	"storyvine/internal/speech/capture"
	"storyvine/internal/speech/synth"
)

// App owns the long-lived collaborators for one CLI invocation.
type App struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    *assets.SQLiteStore
	limiter  *assets.Limiter
	narrator synth.Engine
	engine   *playback.Engine
}

func New() *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{ctx: ctx, cancel: cancel}
}

// Shutdown stops everything; safe to call from a signal handler.
func (a *App) Shutdown() {
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.narrator != nil {
		a.narrator.Stop()
	}
	if a.limiter != nil {
		a.limiter.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	a.cancel()
}

func cachePath() string {
	if p := viper.GetString("tts.cache_path"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".storyvine", "assets.db")
}

func retryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		Attempts:  viper.GetInt("retry.attempts"),
		BaseDelay: viper.GetDuration("retry.base_delay"),
	}
}

// Play loads a story file and runs an interactive voice session over it.
func (a *App) Play(cmd *cobra.Command, args []string) {
	path := "stories/the-little-fox.json"
	if len(args) > 0 {
		path = args[0]
	}
	st, err := story.Load(path)
	if err != nil {
		colours.Error.Printf("❌ Could not load story: %v\n", err)
		return
	}
	if v, _ := cmd.Flags().GetString("voice"); v != "" {
		st.Voice = v
	}
	if st.Voice == "" {
		st.Voice = viper.GetString("tts.voice")
	}
	if st.TTSModel == "" {
		st.TTSModel = viper.GetString("tts.model")
	}

	store, err := assets.OpenSQLite(cachePath())
	if err != nil {
		colours.Error.Printf("❌ Could not open asset cache: %v\n", err)
		return
	}
	a.store = store
	a.limiter = assets.NewLimiter(viper.GetDuration("prefetch.spacing"))
	cache := assets.NewCache(store, a.limiter)

	narrator, err := synth.NewEngine(a.ctx, synth.Config{
		Type:        viper.GetString("tts.type"),
		Speed:       viper.GetFloat64("tts.speed"),
		Volume:      viper.GetFloat64("tts.volume"),
		NearEndLead: viper.GetDuration("tts.near_end_lead"),
		Retry:       retryConfig(),
	}, cache)
	if err != nil {
		colours.Error.Printf("❌ Could not start narration engine: %v\n", err)
		return
	}
	if err := narrator.Initialize(); err != nil {
		colours.Warning.Printf("⚠️  Audio output unavailable: %v\n", err)
	}
	a.narrator = narrator

	opts := []playback.Option{playback.WithSink(logSink{})}

	if synthFn := prefetchFunc(narrator); synthFn != nil {
		opts = append(opts, playback.WithPrefetch(cache, synthFn, nil))
	}

	recognizer := capture.NewStreamRecognizer(
		viper.GetString("capture.endpoint"), viper.GetString("capture.api_key"))
	session := capture.NewSession(recognizer, capture.Config{
		Language:        firstNonEmpty(st.Language, viper.GetString("capture.language")),
		NoSpeechTimeout: viper.GetDuration("capture.no_speech_timeout"),
		SilenceTimeout:  viper.GetDuration("capture.silence_timeout"),
	})
	session.OnInterim = func(text string) {
		colours.Child.Printf("  👂 %s\r", text)
	}
	if session.Supported() {
		opts = append(opts, playback.WithListener(playback.NewCaptureListener(session)))
	} else {
		colours.Info.Println("🎤 Speech capture not configured; choices use the keyboard.")
	}

	if key := firstNonEmpty(viper.GetString("intent.api_key"), os.Getenv("OPENAI_API_KEY")); key != "" {
		classifier, err := intent.NewClassifier(key, viper.GetString("intent.model"), retryConfig())
		if err != nil {
			colours.Warning.Printf("⚠️  Intent classifier disabled: %v\n", err)
		} else {
			opts = append(opts, playback.WithResolver(classifier))
		}
	}

	a.engine = playback.NewEngine(st, narrator, playback.Config{
		AdvanceDelay:  viper.GetDuration("playback.advance_delay"),
		GraceDelay:    viper.GetDuration("playback.grace_delay"),
		PrefetchDelay: viper.GetDuration("prefetch.delay"),
		ListenRetries: viper.GetInt("playback.listen_retries"),
		MaxNodeVisits: viper.GetInt("playback.max_node_visits"),
	}, opts...)

	a.runSession(st)
}

// prefetchFunc pulls the cloud synthesis function out of the engine when it
// has one; the mock and pure-local engines prefetch nothing.
func prefetchFunc(e synth.Engine) assets.SynthFunc {
	if n, ok := e.(*synth.Narrator); ok {
		return n.SynthFunc()
	}
	return nil
}

func (a *App) runSession(st *story.Story) {
	colours.Title.Printf("\n📖 %s\n\n", st.Title)

	done := make(chan struct{})
	a.engine.OnComplete = func() { close(done) }
	a.engine.OnNode = showNode
	a.engine.OnStateChange = showState
	a.engine.OnPlaybackError = func(err error) {
		switch resilience.Classify(err) {
		case resilience.ClassQuota:
			colours.Warning.Println("⚠️  The cloud voice has run out for now.")
			colours.Prompt.Println("   Type 'model local' to keep going with the device voice.")
		case resilience.ClassAuth:
			colours.Error.Println("❌ Voice service credentials were rejected; check your configuration.")
			colours.Prompt.Println("   Type 'model local' to keep going with the device voice.")
		default:
			colours.Warning.Printf("⚠️  Narration problem: %v\n", err)
		}
	}

	a.engine.Start(a.ctx)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-a.ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			colours.Success.Println("\n✨ The end. Sweet dreams! 🌙")
			return
		case <-a.ctx.Done():
			return
		case line := <-lines:
			if quit := a.handleInput(line); quit {
				a.engine.Stop()
				return
			}
		}
	}
}

// handleInput interprets one keyboard line during a session. Returns true to
// quit.
func (a *App) handleInput(line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "q" || line == "quit":
		return true
	case line == "b" || line == "back":
		a.engine.Back()
		return false
	case line == "p" || line == "pause":
		a.narrator.Pause()
		return false
	case line == "r" || line == "resume":
		a.narrator.Resume()
		return false
	case strings.HasPrefix(line, "model "):
		a.engine.SwitchModel(strings.TrimSpace(strings.TrimPrefix(line, "model")))
		return false
	}

	if n, err := strconv.Atoi(line); err == nil {
		a.engine.Choose(n - 1)
		return false
	}

	// Free text: run it through the local matcher, like a spoken reply.
	if choice, ok := a.engine.CurrentNode().(*story.Choice); ok {
		if idx, ok := intent.MatchLocally(line, choice.Options); ok {
			a.engine.Choose(idx)
			return false
		}
	}
	colours.Info.Println("💡 Type an option number, 'back', 'pause', 'resume' or 'quit'.")
	return false
}

func showNode(n story.Node) {
	fmt.Println()
	colours.Narration.Println(n.Text())
	if c, ok := n.(*story.Choice); ok {
		if c.Question != "" {
			colours.Question.Printf("\n%s\n", c.Question)
		}
		for i, opt := range c.Options {
			colours.Option.Printf("  %d) %s\n", i+1, opt.Label)
		}
	}
}

func showState(s playback.State) {
	switch s {
	case playback.StateListening:
		colours.Prompt.Println("🎤 Listening...")
	case playback.StateProcessing:
		colours.Info.Println("🤔 Thinking...")
	case playback.StateWaiting:
		colours.Prompt.Print("> ")
	}
}

// logSink reports choice events through the structured log. A real analytics
// backend would hang off this same interface.
type logSink struct{}

func (logSink) ChoiceMade(ev playback.ChoiceEvent) {
	logrus.WithFields(logrus.Fields{
		"session":    ev.SessionID,
		"node":       ev.NodeID,
		"option":     ev.OptionLabel,
		"category":   ev.Category,
		"transcript": ev.TriggeringTranscript,
		"utterances": len(ev.Utterances),
	}).Info("choice made")
}

func (logSink) SessionComplete(sessionID string) {
	logrus.WithField("session", sessionID).Info("session complete")
}

// Voices lists the cloud voices available with the current credentials.
func (a *App) Voices(cmd *cobra.Command, args []string) {
	if !synth.HasGoogleCredentials() {
		colours.Warning.Println("⚠️  No cloud credentials configured; only the device voice is available.")
		return
	}
	cloud, err := synth.NewGoogleSynthesizer(a.ctx)
	if err != nil {
		colours.Error.Printf("❌ Could not reach the voice service: %v\n", err)
		return
	}
	voices, err := cloud.Voices(a.ctx)
	if err != nil {
		colours.Error.Printf("❌ Could not list voices: %v\n", err)
		return
	}
	colours.Title.Printf("🗣  %d voices available:\n", len(voices))
	for _, v := range voices {
		colours.Info.Printf("  %s\n", v)
	}
}

// CacheStatus prints entry counts and size of the asset cache.
func (a *App) CacheStatus(cmd *cobra.Command, args []string) {
	store, err := assets.OpenSQLite(cachePath())
	if err != nil {
		colours.Error.Printf("❌ Could not open asset cache: %v\n", err)
		return
	}
	defer store.Close()

	stats, err := store.Stats(a.ctx)
	if err != nil {
		colours.Error.Printf("❌ Could not read cache stats: %v\n", err)
		return
	}
	colours.Title.Println("💾 Asset cache")
	colours.Info.Printf("  path: %s\n", cachePath())
	for k, v := range stats {
		colours.Info.Printf("  %s: %v\n", k, v)
	}
}

// CacheClear drops every cached asset.
func (a *App) CacheClear(cmd *cobra.Command, args []string) {
	store, err := assets.OpenSQLite(cachePath())
	if err != nil {
		colours.Error.Printf("❌ Could not open asset cache: %v\n", err)
		return
	}
	defer store.Close()

	if err := store.Clear(a.ctx); err != nil {
		colours.Error.Printf("❌ Could not clear cache: %v\n", err)
		return
	}
	colours.Success.Println("✅ Asset cache cleared")
}

// Settings echoes the active configuration.
func (a *App) Settings(cmd *cobra.Command, args []string) {
	colours.Title.Println("⚙️  Active settings")
	keys := []string{
		"tts.type", "tts.voice", "tts.model", "tts.speed", "tts.volume",
		"capture.language", "capture.endpoint",
		"intent.model",
		"prefetch.delay", "prefetch.spacing",
		"playback.advance_delay", "playback.listen_retries", "playback.max_node_visits",
	}
	for _, k := range keys {
		colours.Info.Printf("  %s = %v\n", k, viper.Get(k))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
