package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/agent/providers"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/connections"
	"github.com/haasonsaas/relay/internal/gateway"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/sessions"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Relay gateway server",
		Long: `Start the Relay gateway server.

The server will:
1. Load configuration from the specified file (or relay.yaml)
2. Start the session store and idle sweeper
3. Start the HTTP server (chat, agent, connect/disconnect, health, metrics)

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  relay serve

  # Start with custom config
  relay serve --config /etc/relay/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}
	logger := slog.Default()

	logger.Info("starting Relay gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("configuration loaded",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"max_connections", cfg.Tools.MaxConnections,
		"models", len(cfg.LLM.Models),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := observability.NewMetrics()
	registry := connections.NewRegistry(cfg.Tools.MaxConnections, logger, metrics)
	store := sessions.NewStore(metrics)
	factory := providers.NewFactory(cfg)

	sweeper := sessions.NewSweeper(store, registry,
		cfg.Session.SweepInterval, cfg.Session.IdleTTL, logger)
	go sweeper.Run(ctx)

	server := gateway.NewServer(cfg, logger, metrics, store, registry, factory)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, initiating graceful shutdown")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("Relay gateway stopped gracefully")
	return nil
}
