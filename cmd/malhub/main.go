// Package main provides the CLI entry point for malhub, the agent backend of
// the MAL MCP Hub.
//
// malhub connects a remote MCP tool catalog to LLM agents and serves them over
// a WebSocket chat stream and a REST API. Destructive catalog tools only run
// after a human confirms them.
//
// # Basic Usage
//
// Start the server:
//
//	malhub serve --config malhub.yaml
//
// List the catalog tools the agents can use:
//
//	malhub tools list
//
// Inspect or reset a conversation thread:
//
//	malhub threads show <thread-id>
//	malhub threads reset <thread-id>
//
// # Environment Variables
//
//   - MALHUB_CONFIG: Path to configuration file (default: malhub.yaml)
//   - OPENAI_API_KEY: OpenAI API key
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - MCP_SERVER_URL: URL of the MCP tool catalog
//   - BACKEND_PORT: HTTP listen port
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

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

const defaultConfigPath = "malhub.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "malhub",
		Short: "malhub - agent backend for the MAL MCP Hub",
		Long: `malhub runs LLM agents over the MAL MCP tool catalog.

It streams chat turns over /ws/chat, asks for confirmation before destructive
catalog tools run, exposes the specialized agents and catalog data over REST,
and can run a scheduled daily summary.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildToolsCmd(),
		buildThreadsCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath picks the configuration file. An explicit flag wins,
// then MALHUB_CONFIG. A missing default file means "run on defaults" and
// resolves to the empty path.
func resolveConfigPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("MALHUB_CONFIG"))
	}
	if path == "" {
		path = defaultConfigPath
	}
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return ""
		}
	}
	return path
}
