package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/qwer2003tw/unigate/internal/config"
	"github.com/qwer2003tw/unigate/internal/gateway"
)

// buildServeCmd creates the "serve" command that runs the gateway.
func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Long: `Start the gateway server with all configured channel adapters.

The server loads configuration, connects storage, starts the enabled
ingress adapters (Telegram webhook, browser WebSocket), subscribes the
processor forwarder and response router to the event bus, and serves
the REST API. SIGINT and SIGTERM trigger a graceful shutdown.`,
		Example: `  # Start with default config
  unigate serve

  # Start with an explicit config file
  unigate serve --config /etc/unigate/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	server, cleanup, err := gateway.Build(ctx, cfg, version)
	if err != nil {
		return err
	}

	if err := server.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	fmt.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCleanup()
	return cleanup(cleanupCtx)
}
