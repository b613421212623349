package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"storyvine/internal/app"
	"storyvine/internal/cli/scheme/colours"
	"storyvine/internal/config"
)

func main() {

	config.SetDefaults()

	a := app.New()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		a.Shutdown()
		fmt.Println("\n" + colours.Warning.Sprint("👋 Goodbye! Sweet dreams! 🌙"))
		os.Exit(0)
	}()

	rootCmd := &cobra.Command{
		Use:   "storyvine",
		Short: "🌿 Interactive branching stories, read aloud",
		Long: `
┌─────────────────────────────────────┐
│  🌿 Welcome to Storyvine! 📖       │
│  Branching bedtime stories that     │
│  listen to your child 👶✨         │
└─────────────────────────────────────┘

Storyvine reads a branching story aloud and lets the child steer it by
voice: at every fork it listens, understands, and turns the page. 🌙
		`,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	// Play command
	playCmd := &cobra.Command{
		Use:   "play [story-file]",
		Short: "📖 Play an interactive story",
		Long:  "Load a story graph from a JSON file and play it as a voice-interactive session",
		Args:  cobra.MaximumNArgs(1),
		Run:   a.Play,
	}

	// Voices command
	voicesCmd := &cobra.Command{
		Use:   "voices",
		Short: "🗣 List available narration voices",
		Long:  "Display the cloud voices usable with the current credentials",
		Run:   a.Voices,
	}

	// Cache commands
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "💾 Manage the narration asset cache",
	}
	cacheCmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show cache entry counts and size",
			Run:   a.CacheStatus,
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete all cached audio and illustrations",
			Run:   a.CacheClear,
		},
	)

	// Settings command
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "⚙️ Show active configuration",
		Long:  "Echo the voice, capture and playback settings in effect",
		Run:   a.Settings,
	}

	playCmd.Flags().StringP("voice", "v", "", "Optional voice override for narration")

	rootCmd.AddCommand(playCmd, voicesCmd, cacheCmd, settingsCmd)

	if err := rootCmd.Execute(); err != nil {
		colours.Error.Printf("❌ Error: %v\n", err)
		os.Exit(1)
	}
}

// Configuration management with Viper
func init() {
	viper.SetConfigName("storyvine")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.storyvine")
	viper.AddConfigPath(".")

	viper.ReadInConfig()
}
