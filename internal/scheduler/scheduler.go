package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/novagraph/graphex/internal/store"
	"github.com/novagraph/graphex/pkg/schema"
)

// RunResumer is the interface the sweeper uses to re-enter suspended runs.
// Satisfied by the handler (avoids import cycle).
type RunResumer interface {
	ResumeRun(ctx context.Context, runID string) error
}

// RetrySweeper periodically scans the store for suspended runs whose retry
// time has arrived and resumes them. The sweep cadence is a cron schedule,
// so deployments can use "@every 30s" as well as standard five-field specs.
type RetrySweeper struct {
	store    store.Store
	resumer  RunResumer
	schedule cron.Schedule
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // run IDs currently resuming (dedup)
}

// NewRetrySweeper creates a sweeper with the given cadence expression.
func NewRetrySweeper(s store.Store, resumer RunResumer, cadence string, logger *slog.Logger) (*RetrySweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cadence)
	if err != nil {
		return nil, fmt.Errorf("parse sweep cadence %q: %w", cadence, err)
	}
	return &RetrySweeper{
		store:    s,
		resumer:  resumer,
		schedule: schedule,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}, nil
}

// Start launches the background sweep loop.
func (s *RetrySweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("retry sweeper already started")
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sweepCtx)
	s.logger.Info("retry sweeper started")
	return nil
}

func (s *RetrySweeper) loop(ctx context.Context) {
	defer close(s.done)

	// Run an initial sweep immediately.
	s.Sweep(ctx)

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep resumes every suspended run whose next_retry_at has passed.
// It returns the number of runs handed to the resumer.
func (s *RetrySweeper) Sweep(ctx context.Context) int {
	suspended := schema.RunStatusSuspended
	now := time.Now().UTC()
	runs, err := s.store.ListRuns(ctx, store.RunFilter{Status: &suspended, DueAt: &now})
	if err != nil {
		s.logger.Error("failed to list due runs", slog.String("error", err.Error()))
		return 0
	}

	resumed := 0
	for _, run := range runs {
		if !s.tryAcquire(run.ID) {
			continue // already resuming (dedup)
		}
		if err := s.resumer.ResumeRun(ctx, run.ID); err != nil {
			s.logger.Error("failed to resume run",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()),
			)
			s.release(run.ID)
			continue
		}
		s.release(run.ID)
		resumed++
	}

	if resumed > 0 {
		s.logger.Info("resumed due runs", slog.Int("count", resumed))
	}
	return resumed
}

// tryAcquire returns true and marks the run as in-flight if it is not
// already being resumed.
func (s *RetrySweeper) tryAcquire(runID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[runID]; ok {
		return false
	}
	s.inflight[runID] = struct{}{}
	return true
}

func (s *RetrySweeper) release(runID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, runID)
}

// Stop gracefully shuts down the sweeper.
func (s *RetrySweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("retry sweeper stopped")
	return nil
}
