package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/streamfabric/fabric/internal/broker"
	"github.com/streamfabric/fabric/internal/config"
	"github.com/streamfabric/fabric/internal/engine"
	"github.com/streamfabric/fabric/internal/modules"
	"github.com/streamfabric/fabric/internal/observability"
	"github.com/streamfabric/fabric/internal/schema"
	"github.com/streamfabric/fabric/internal/toolexec"
	"github.com/streamfabric/fabric/internal/toolrouter"
)

// buildServeCmd creates the "serve" command that starts the broker, engine,
// and tool execution stack in one process.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the fabric broker and module engine",
		Long: `Start the fabric process with all configured components:

1. Load configuration from the specified file (or ./fabric.yaml)
2. Start the WebSocket stream broker
3. Start the tool execution manager and its message router
4. Load and host producer modules, publishing their streams to the broker

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the default config
  fabric serve

  # Start with a custom config
  fabric serve --config /etc/fabric/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./fabric.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := cfg.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{Level: level, Format: cfg.Format, Output: os.Stderr})
}

// runServe wires the broker, tool execution stack, and module engine
// together and runs them until ctx is cancelled or one of them fails.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)
	logger.Info("starting fabric", "version", version, "commit", commit, "config", configPath)

	metrics := observability.NewMetrics()

	registry := schema.NewRegistry()
	if err := schema.RegisterDefaults(registry); err != nil {
		return fmt.Errorf("register default message types: %w", err)
	}

	b := broker.New(broker.Config{
		ListenAddr:      cfg.Broker.ListenAddr,
		PingInterval:    cfg.Broker.PingInterval,
		PongTimeout:     cfg.Broker.PongTimeout,
		MaxPayloadBytes: cfg.Broker.MaxPayloadBytes,
		DefaultTopics:   cfg.Broker.DefaultTopics,
		MetricsPath:     cfg.Metrics.Path,
	}, logger, metrics, nil)

	toolMgr := toolexec.NewManager(toolexec.Config{
		DefaultTimeoutSeconds: cfg.ToolExec.DefaultTimeout.Seconds(),
		MaxRetries:            cfg.ToolExec.MaxRetries,
		CleanupInterval:       cfg.ToolExec.CleanupInterval,
	}, func(env map[string]any) error {
		return b.PublishToTopic("tools", env)
	}, logger)
	toolMgr.SetMetrics(metrics)

	b.SetToolRouter(toolrouter.New(registry, toolMgr, logger))

	eng := engine.New(cfg.Engine, modules.NewLoader(logger), logger, metrics)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- b.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- eng.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		toolMgr.RunCleanupLoop(ctx)
		errCh <- nil
	}()

	logger.Info("fabric started", "listen_addr", cfg.Broker.ListenAddr, "module_dir", cfg.Engine.ModuleDir)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			cancel()
			wg.Wait()
			toolMgr.Shutdown()
			return err
		}
	}
	logger.Info("shutdown signal received, initiating graceful shutdown")
	cancel()
	wg.Wait()
	toolMgr.Shutdown()

	logger.Info("fabric stopped gracefully")
	return nil
}
