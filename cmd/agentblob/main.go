// Package main provides the CLI entry point for the Agent Blob gateway.
//
// Agent Blob is an always-on, single-user agent process: one event log, one
// memory store, one permission broker, and a websocket control plane that
// clients and channel adapters attach to.
//
// # Basic Usage
//
// Start the gateway:
//
//	agentblob serve --config ~/.agentblob/agentblob.yaml
//
// Inspect a running gateway:
//
//	agentblob status
//	agentblob memory list
//	agentblob schedules list
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models and embeddings
//   - TELEGRAM_BOT_TOKEN: Telegram bot token
//
// Any ${VAR} reference inside the YAML config file is expanded from the
// environment at load time.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentblob/internal/config"
)

// Build information, populated by ldflags during build.
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
		Use:   "agentblob",
		Short: "Agent Blob - always-on single-user agent gateway",
		Long: `Agent Blob runs one agent process for one user: a durable event log,
long-term memory, a permission broker, scheduled runs, and a websocket
control plane that clients and channel adapters attach to.

Documentation: https://github.com/haasonsaas/agentblob`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildAgentCmd(),
		buildMemoryCmd(),
		buildSchedulesCmd(),
	)

	return rootCmd
}

// defaultConfigPath is where serve looks for a config file when --config is
// not given. A missing file there is not an error: built-in defaults plus
// environment API keys are enough to run.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentblob.yaml"
	}
	return filepath.Join(home, ".agentblob", "agentblob.yaml")
}

// loadConfig reads the named config file, or falls back to defaults when no
// path is given and nothing exists at the default location.
func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.Load(path)
	}
	def := defaultConfigPath()
	if _, err := os.Stat(def); err == nil {
		return config.Load(def)
	}
	return config.Default(), nil
}
