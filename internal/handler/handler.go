package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/novagraph/graphex/internal/cancel"
	"github.com/novagraph/graphex/internal/engine"
	"github.com/novagraph/graphex/internal/logging"
	"github.com/novagraph/graphex/internal/store"
	"github.com/novagraph/graphex/internal/streaming"
	"github.com/novagraph/graphex/internal/validation"
	"github.com/novagraph/graphex/pkg/schema"
)

// Config tunes the extraction handler.
type Config struct {
	// MaxConcurrentRuns bounds simultaneously executing extractions.
	MaxConcurrentRuns int
	// Backpressure configures the client-facing event stream wrapper.
	Backpressure streaming.BackpressureConfig
	// RecoveryParallelism bounds concurrent re-attachment on startup.
	RecoveryParallelism int
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentRuns:   16,
		Backpressure:        streaming.DefaultBackpressureConfig(),
		RecoveryParallelism: 4,
	}
}

// Handler is the extraction entry point: it deduplicates and validates
// requests, runs them through the engine on a bounded pool, and hands the
// caller a backpressure-wrapped progress stream. Cancel and status calls
// bypass the stream.
type Handler struct {
	store     store.Store
	engine    *engine.Engine
	hub       streaming.EventHub
	registry  *cancel.Registry
	validator *validation.RequestValidator
	pool      *engine.RunPool
	config    Config
	logger    *slog.Logger

	// base is the context run executors inherit, so a run survives the
	// request that started it and stops on handler shutdown.
	base     context.Context
	stopBase context.CancelFunc
}

// New constructs a Handler from already-wired components.
func New(st store.Store, eng *engine.Engine, hub streaming.EventHub, registry *cancel.Registry, validator *validation.RequestValidator, config Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	base, stopBase := context.WithCancel(context.Background())
	return &Handler{
		store:     st,
		engine:    eng,
		hub:       hub,
		registry:  registry,
		validator: validator,
		pool:      engine.NewRunPool(config.MaxConcurrentRuns),
		config:    config,
		logger:    logger,
		base:      base,
		stopBase:  stopBase,
	}
}

// ExtractFromText starts (or joins) an extraction run for the request and
// returns its progress stream. A request whose idempotency key matches a
// completed run gets a single synthetic terminal event carrying the cached
// result; no new run is created and nothing re-executes.
func (h *Handler) ExtractFromText(ctx context.Context, req schema.ExtractionRequest) (string, <-chan schema.ProgressEvent, error) {
	if err := h.validator.ValidateRequest(req); err != nil {
		return "", nil, err
	}

	key := req.IdempotencyKey()
	cached, err := h.store.GetCompletedRunByKey(ctx, key)
	if err != nil {
		return "", nil, err
	}
	if cached != nil {
		return cached.ID, h.cachedStream(cached), nil
	}

	runID, created, err := h.engine.Start(ctx, req)
	if err != nil {
		return "", nil, err
	}
	ctx = logging.WithRunID(ctx, runID)

	events, unsubscribe := h.hub.Subscribe(runID)

	if !created {
		// Joining an existing run. It may have reached a terminal state
		// between the cache check and the subscription; persisted state
		// is authoritative, so serve the terminal event from it.
		run, err := h.store.GetRun(ctx, runID)
		if err != nil {
			unsubscribe()
			return "", nil, err
		}
		if run.Status.IsTerminal() {
			unsubscribe()
			return runID, h.terminalStream(run), nil
		}
	}

	// The wrapper releases the hub subscription when its pump exits:
	// terminal event forwarded, consumer ctx cancelled, or input closed.
	wrapped := streaming.WrapSubscription(ctx, events, unsubscribe, h.config.Backpressure)

	if created {
		h.registry.Register(runID)
		if err := h.submit(ctx, runID); err != nil {
			h.registry.Remove(runID)
			unsubscribe()
			return "", nil, err
		}
	}
	// A joined run already has an executor publishing; this subscriber
	// just listens.
	logging.LogWith(ctx, h.logger).InfoContext(ctx, "extraction stream attached", "created", created)
	return runID, wrapped, nil
}

// submit schedules the run executor on the pool. Registry cleanup is
// guaranteed on every exit path.
func (h *Handler) submit(ctx context.Context, runID string) error {
	return h.pool.Submit(ctx, h.base, func(runCtx context.Context) error {
		defer h.registry.Remove(runID)
		if err := h.engine.Execute(runCtx, runID); err != nil {
			logging.LogWith(logging.WithRunID(runCtx, runID), h.logger).
				ErrorContext(runCtx, "run execution failed", "error", err)
			return err
		}
		return nil
	})
}

// cachedStream emits the single synthetic terminal event for an already
// completed run and closes.
func (h *Handler) cachedStream(run *store.Run) <-chan schema.ProgressEvent {
	out := make(chan schema.ProgressEvent, 1)
	out <- schema.NewProgressEvent(run.ID, schema.KindExtractionComplete, 1, map[string]any{
		"result": json.RawMessage(run.Result),
		"cached": true,
	})
	close(out)
	return out
}

// terminalStream synthesizes the terminal event matching a run's persisted
// terminal status, for subscribers that attached after the run ended.
func (h *Handler) terminalStream(run *store.Run) <-chan schema.ProgressEvent {
	out := make(chan schema.ProgressEvent, 1)
	switch run.Status {
	case schema.RunStatusCompleted:
		out <- schema.NewProgressEvent(run.ID, schema.KindExtractionComplete, 1, map[string]any{
			"result": json.RawMessage(run.Result),
			"cached": true,
		})
	case schema.RunStatusFailed:
		out <- schema.NewProgressEvent(run.ID, schema.KindExtractionFailed, run.Progress, map[string]any{
			"error": json.RawMessage(run.Error),
		})
	case schema.RunStatusCancelled:
		out <- schema.NewProgressEvent(run.ID, schema.KindExtractionCancelled, run.Progress, nil)
	}
	close(out)
	return out
}

// GetCachedResult looks up the completed result for an idempotency key.
// Pure lookup, no side effects; ok is false when no completed run exists.
func (h *Handler) GetCachedResult(ctx context.Context, idempotencyKey string) (json.RawMessage, bool, error) {
	run, err := h.store.GetCompletedRunByKey(ctx, idempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if run == nil {
		return nil, false, nil
	}
	return run.Result, true, nil
}

// CancelExtraction raises the run's cancellation signal and interrupts the
// persisted run so status reads reflect Cancelled promptly. Returns true
// when a registered, not-yet-raised signal was raised.
func (h *Handler) CancelExtraction(ctx context.Context, runID string) bool {
	raised := h.registry.Raise(runID)
	if err := h.engine.Interrupt(ctx, runID, true); err != nil {
		logging.LogWith(logging.WithRunID(ctx, runID), h.logger).
			WarnContext(ctx, "interrupt failed", "error", err)
	}
	return raised
}

// GetExtractionStatus reads the persisted status snapshot. Correct after a
// process restart, since it never consults in-memory state.
func (h *Handler) GetExtractionStatus(ctx context.Context, runID string) (*schema.StatusSnapshot, error) {
	return h.engine.Poll(ctx, runID)
}

// ResumeRun re-attaches a suspended or orphaned run to an executor. Used by
// the retry sweeper and startup recovery.
func (h *Handler) ResumeRun(ctx context.Context, runID string) error {
	h.registry.Register(runID)
	return h.pool.Submit(ctx, h.base, func(runCtx context.Context) error {
		defer h.registry.Remove(runID)
		return h.engine.Resume(runCtx, runID)
	})
}

// Recover re-attaches every run left in Running at last shutdown, plus
// suspended runs already due for retry. Runs re-enter via replay, so
// journaled stages are not repeated.
func (h *Handler) Recover(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.config.RecoveryParallelism)

	// A pending run with no executor (crash between creation and first
	// stage, or a failed pool submission) holds its idempotency key
	// forever, so it is recovered like an orphaned running run.
	var orphaned []*store.Run
	for _, status := range []schema.RunStatus{schema.RunStatusPending, schema.RunStatusRunning} {
		runs, err := h.store.ListRuns(ctx, store.RunFilter{Status: &status})
		if err != nil {
			return err
		}
		orphaned = append(orphaned, runs...)
	}
	suspended := schema.RunStatusSuspended
	now := time.Now().UTC()
	due, err := h.store.ListRuns(ctx, store.RunFilter{Status: &suspended, DueAt: &now})
	if err != nil {
		return err
	}

	for _, run := range append(orphaned, due...) {
		runID := run.ID
		g.Go(func() error {
			if err := h.ResumeRun(gctx, runID); err != nil {
				logging.LogWith(logging.WithRunID(gctx, runID), h.logger).
					ErrorContext(gctx, "recovery failed", "error", err)
			}
			// Recovery is best-effort per run; one bad run must not stop
			// the rest from re-attaching.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if n := len(orphaned) + len(due); n > 0 {
		h.logger.Info("recovered runs", slog.Int("count", n))
	}
	return nil
}

// Shutdown stops accepting new runs and drains in-flight executors.
func (h *Handler) Shutdown() {
	h.pool.Shutdown()
	h.stopBase()
}

// PoolMetrics exposes run pool counters for diagnostics.
func (h *Handler) PoolMetrics() engine.PoolMetrics {
	return h.pool.Metrics()
}
