package synth

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"storyvine/internal/assets"
	"storyvine/internal/resilience"
)

type EngineType string

const (
	EngineTypeMock   EngineType = "mock"
	EngineTypeLocal  EngineType = "local" // platform voice only, no cloud calls
	EngineTypeGoogle EngineType = "googleclassic"
	EngineTypeAuto   EngineType = "auto" // best available for the environment
)

func (e EngineType) String() string { return string(e) }

// Config selects and tunes the narration engine.
type Config struct {
	Type        string
	Speed       float64
	Volume      float64
	NearEndLead time.Duration
	Retry       resilience.RetryConfig
}

// NewEngine builds the narration engine for config. Auto picks the cloud
// backend when credentials are present and degrades to the local voice (or
// the mock, as a last resort) when they are not.
func NewEngine(ctx context.Context, config Config, cache *assets.Cache) (Engine, error) {
	if config.Type == EngineTypeAuto.String() {
		config.Type = bestEngineType().String()
	}
	if config.NearEndLead <= 0 {
		config.NearEndLead = DefaultNearEndLead
	}

	// Typed separately so a missing eSpeak stays a true nil interface.
	var local LocalVoice
	if es, err := NewESpeak(config.Speed, config.Volume); err == nil {
		local = es
	} else {
		logrus.WithError(err).Debug("no local voice available")
	}

	switch config.Type {
	case EngineTypeMock.String():
		return NewMockEngine(config.Speed), nil

	case EngineTypeLocal.String():
		if local == nil {
			return nil, fmt.Errorf("local engine: %w", ErrUnsupported)
		}
		return NewNarrator(nil, local, cache,
			WithRetry(config.Retry), WithNearEndLead(config.NearEndLead)), nil

	case EngineTypeGoogle.String():
		cloud, err := NewGoogleSynthesizer(ctx)
		if err != nil {
			return nil, err
		}
		return NewNarrator(cloud, local, cache,
			WithRetry(config.Retry), WithNearEndLead(config.NearEndLead)), nil

	default:
		return nil, fmt.Errorf("unsupported TTS engine type: %s", config.Type)
	}
}

func bestEngineType() EngineType {
	if HasGoogleCredentials() {
		return EngineTypeGoogle
	}
	if _, err := findESpeakExecutable(); err == nil {
		return EngineTypeLocal
	}
	return EngineTypeMock
}
