package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hua-bang/pulse-coder-sub000/internal/channels"
	"github.com/hua-bang/pulse-coder-sub000/internal/channels/slack"
	"github.com/hua-bang/pulse-coder-sub000/internal/channels/telegram"
	"github.com/hua-bang/pulse-coder-sub000/internal/channels/web"
	"github.com/hua-bang/pulse-coder-sub000/internal/cli"
	"github.com/hua-bang/pulse-coder-sub000/internal/config"
	"github.com/hua-bang/pulse-coder-sub000/internal/gateway"
)

// shutdownTimeout bounds the drain on SIGINT/SIGTERM.
const shutdownTimeout = 15 * time.Second

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook gateway",
		Long: `Start the HTTP gateway with all enabled channel adapters.

The server loads configuration, opens the session store, registers
plugins and tools, then serves webhooks, the web chat API and metrics.
Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config discovery
  pulsecoder serve

  # Start with an explicit config file
  pulsecoder serve --config /etc/pulsecoder/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := cli.Build(ctx, cfg, cli.BuildOptions{})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			rt.Logger.Warn("runtime close", "error", err)
		}
	}()

	webhooks := make(map[string]channels.Adapter)
	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(telegram.Config{
			BotToken:      cfg.Channels.Telegram.BotToken,
			WebhookSecret: cfg.Channels.Telegram.WebhookSecret,
			Logger:        rt.Logger,
		})
		if err != nil {
			return fmt.Errorf("telegram adapter: %w", err)
		}
		webhooks["telegram"] = adapter
	}
	if cfg.Channels.Slack.Enabled {
		adapter, err := slack.NewAdapter(slack.Config{
			BotToken:      cfg.Channels.Slack.BotToken,
			SigningSecret: cfg.Channels.Slack.SigningSecret,
			Logger:        rt.Logger,
		})
		if err != nil {
			return fmt.Errorf("slack adapter: %w", err)
		}
		webhooks["slack"] = adapter
	}

	var webAdapter *web.Adapter
	if cfg.Channels.Web.Enabled {
		webAdapter = web.NewAdapter(rt.Logger)
	}

	srv, err := gateway.New(gateway.Options{
		Config:   cfg,
		Logger:   rt.Logger,
		Metrics:  rt.Metrics,
		Tracer:   rt.Tracer,
		Sessions: rt.Store,
		Active:   rt.Active,
		Loop:     rt.Loop,
		Hooks:    rt.Hooks,
		Broker:   rt.Broker,
		Commands: rt.Commands,
		Web:      webAdapter,
		Webhooks: webhooks,
		Gatherer: rt.PromRegistry,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	rt.Logger.Info("shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		return err
	}
	return <-errCh
}
