package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults registers every configuration key the playback core reads.
// Call once at startup, before any component pulls values out of viper.
func SetDefaults() {
	viper.SetDefault("tts.type", "auto") // Auto-select best engine
	viper.SetDefault("tts.voice", "en-US-Chirp3-HD-Charon")
	viper.SetDefault("tts.model", "googleclassic")
	viper.SetDefault("tts.speed", 1.0)
	viper.SetDefault("tts.volume", 0.8)
	viper.SetDefault("tts.cache_path", "")
	viper.SetDefault("tts.near_end_lead", 1500*time.Millisecond)

	viper.SetDefault("capture.language", "en-US")
	viper.SetDefault("capture.no_speech_timeout", 8*time.Second)
	viper.SetDefault("capture.silence_timeout", 2*time.Second)
	viper.SetDefault("capture.endpoint", "")
	viper.SetDefault("capture.api_key", "")

	viper.SetDefault("intent.model", "gpt-4o-mini")
	viper.SetDefault("intent.api_key", "")

	viper.SetDefault("prefetch.delay", 2*time.Second)
	viper.SetDefault("prefetch.spacing", 1500*time.Millisecond)

	viper.SetDefault("playback.advance_delay", 800*time.Millisecond)
	viper.SetDefault("playback.grace_delay", 1200*time.Millisecond)
	viper.SetDefault("playback.listen_retries", 2)
	viper.SetDefault("playback.max_node_visits", 200)

	viper.SetDefault("retry.attempts", 4)
	viper.SetDefault("retry.base_delay", 500*time.Millisecond)
}
