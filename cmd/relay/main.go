// Package main provides the CLI entry point for the Relay gateway.
//
// Relay proxies chat and agent requests to LLM providers (Anthropic,
// OpenAI), manages per-user tool-server subprocess connections (MCP),
// and streams model output to HTTP clients with line-framed chunks.
//
// # Basic Usage
//
// Start the server:
//
//	relay serve --config relay.yaml
//
// # Environment Variables
//
//   - RELAY_PORT: HTTP listen port
//   - RELAY_JWT_SECRET: bearer-token signing secret (empty disables JWT)
//   - RELAY_MAX_CONNECTIONS: tool-server connection ceiling
//   - ANTHROPIC_API_KEY: fallback key for keyless-tier Claude models
//   - OPENAI_API_KEY: fallback key for keyless-tier GPT models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
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

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - multi-tenant AI model proxy with tool connections",
		Long: `Relay proxies chat and agent requests to LLM providers, manages
per-user tool-server subprocess connections, and streams model output
to HTTP clients.

Supported providers: Anthropic (Claude), OpenAI (GPT)`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.AddCommand(buildServeCmd())
	rootCmd.AddCommand(buildVersionCmd())

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
