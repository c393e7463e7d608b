// Package main provides the CLI entry point for the Pulsecoder agent runtime.
//
// Pulsecoder runs an LLM agent loop behind webhook channels (Telegram,
// Slack, web) or as an interactive terminal chat.
//
// # Basic Usage
//
// Start the gateway:
//
//	pulsecoder serve --config pulsecoder.yaml
//
// Chat from the terminal:
//
//	pulsecoder chat
//
// # Environment Variables
//
//   - OPENAI_API_KEY: OpenAI API key
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - TELEGRAM_BOT_TOKEN: Telegram bot token
//   - SLACK_BOT_TOKEN: Slack bot OAuth token
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pulsecoder",
		Short: "Pulsecoder - LLM agent runtime",
		Long: `Pulsecoder runs a tool-calling LLM agent behind webhook channels or a terminal chat.

Supported channels: Telegram, Slack, web (HTTP+SSE)
Supported LLM providers: OpenAI, Anthropic`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pulsecoder %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
