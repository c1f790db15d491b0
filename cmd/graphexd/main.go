// graphexd is the graphex daemon: it recovers interrupted extraction runs,
// sweeps suspended runs back into execution, and serves the extraction API
// over MCP stdio. All logging goes to stderr; stdout belongs to the
// transport.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/novagraph/graphex/internal/cancel"
	"github.com/novagraph/graphex/internal/engine"
	"github.com/novagraph/graphex/internal/extraction"
	"github.com/novagraph/graphex/internal/handler"
	"github.com/novagraph/graphex/internal/logging"
	"github.com/novagraph/graphex/internal/scheduler"
	"github.com/novagraph/graphex/internal/store"
	"github.com/novagraph/graphex/internal/streaming"
	"github.com/novagraph/graphex/internal/validation"
	"github.com/novagraph/graphex/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "graphexd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	hub := streaming.NewMemoryHub()
	registry := cancel.NewRegistry()
	validator, err := validation.NewRequestValidator()
	if err != nil {
		return fmt.Errorf("compile request schema: %w", err)
	}

	caller := extraction.NewHTTPCaller(cfg.endpoints(), cfg.CallTimeout)
	eng := engine.New(st, hub, registry, extraction.Pipeline(), caller, cfg.engineConfig(), logger)
	eng.Breakers().OnStateChange(func(dependency string, state engine.CircuitState) {
		logger.Warn("circuit state changed", "dependency", dependency, "state", state.String())
	})
	h := handler.New(st, eng, hub, registry, validator, cfg.handlerConfig(), logger)
	defer h.Shutdown()

	if err := h.Recover(ctx); err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}

	sweeper, err := scheduler.NewRetrySweeper(st, h, cfg.SweepCadence, logger)
	if err != nil {
		return fmt.Errorf("configure retry sweeper: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start retry sweeper: %w", err)
	}
	defer sweeper.Stop()

	srv := mcp.NewGraphexServer(mcp.GraphexServerDeps{Handler: h, Logger: logger})
	logger.Info("graphexd started",
		"db_path", cfg.DBPath,
		"sweep_cadence", cfg.SweepCadence,
		"max_concurrent_runs", cfg.MaxConcurrentRuns)

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve mcp: %w", err)
	}
	logger.Info("graphexd stopped")
	return nil
}

func buildLogger(cfg Config) (*slog.Logger, error) {
	level, err := cfg.logLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	switch cfg.LogFormat {
	case "json":
		inner = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		inner = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	return slog.New(logging.NewCorrelationHandler(inner)), nil
}
