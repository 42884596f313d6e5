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

	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/daemon"
)

const shutdownTimeout = 30 * time.Second

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the steward daemon",
		Long: `Start the daemon: open the database, connect remote tool servers,
start the task worker pool and event dispatcher, and serve the
agent-to-agent API. Shuts down gracefully on SIGINT/SIGTERM.`,
		Example: `  # Start with defaults (steward.db in the working directory)
  steward serve

  # Start with a config file and hot reload
  steward serve --config /etc/steward/steward.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg := config.Default()
	var opts []daemon.Option
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
		opts = append(opts, daemon.WithConfigPath(configPath))
	} else if _, err := os.Stat("steward.yaml"); err == nil {
		loaded, err := config.Load("steward.yaml")
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
		opts = append(opts, daemon.WithConfigPath("steward.yaml"))
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, err := daemon.New(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize daemon: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	slog.Info("shutdown signal received, stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
