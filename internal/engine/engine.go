package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/novagraph/graphex/internal/cancel"
	"github.com/novagraph/graphex/internal/logging"
	"github.com/novagraph/graphex/internal/store"
	"github.com/novagraph/graphex/internal/streaming"
	"github.com/novagraph/graphex/pkg/schema"
)

// Config tunes a single Engine instance.
type Config struct {
	// StageTimeout bounds one attempt of one stage. Zero disables the bound.
	StageTimeout time.Duration
	// StageRetries is the in-place retry budget per stage for transient
	// failures before the whole run is suspended.
	StageRetries int
	// RetryPolicy schedules suspended runs for resumption.
	RetryPolicy RetryPolicy
	// Breakers configures the per-dependency circuit breakers.
	Breakers BreakerConfig
}

func DefaultConfig() Config {
	return Config{
		StageTimeout: 2 * time.Minute,
		StageRetries: 3,
		RetryPolicy:  DefaultRetryPolicy(),
		Breakers:     DefaultBreakerConfig(),
	}
}

// Engine owns extraction run execution: it creates deduplicated runs,
// drives the pipeline stage by stage, journals every authoritative stage
// outcome before advancing, and replays journaled outcomes on resume so a
// crash never repeats completed work.
type Engine struct {
	store    store.Store
	hub      streaming.EventHub
	registry *cancel.Registry
	pipeline Pipeline
	caller   Caller
	breakers *BreakerSet
	config   Config
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// New constructs an Engine. caller may be nil when no stage makes external
// calls; every non-nil caller is routed through circuit protection.
func New(st store.Store, hub streaming.EventHub, registry *cancel.Registry, pipeline Pipeline, caller Caller, config Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	breakers := NewBreakerSet(config.Breakers)
	return &Engine{
		store:    st,
		hub:      hub,
		registry: registry,
		pipeline: pipeline,
		caller:   newProtectedCaller(caller, breakers),
		breakers: breakers,
		config:   config,
		logger:   logger,
		active:   make(map[string]struct{}),
	}
}

// Breakers exposes the per-dependency circuit breakers, mainly so the
// composition layer can subscribe to state-change events.
func (e *Engine) Breakers() *BreakerSet {
	return e.breakers
}

// Start registers a run for the request, deduplicating on the idempotency
// key: if an active run already exists for the key, its ID is returned and
// created is false. Start does not execute anything.
func (e *Engine) Start(ctx context.Context, req schema.ExtractionRequest) (runID string, created bool, err error) {
	key := req.IdempotencyKey()

	if existing, err := e.store.GetActiveRunByKey(ctx, key); err != nil {
		return "", false, err
	} else if existing != nil {
		return existing.ID, false, nil
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", false, schema.NewError(schema.ErrCodeValidation, "request is not serializable").WithCause(err)
	}

	run := &store.Run{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Payload:        payload,
		Status:         schema.RunStatusPending,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		var gerr *schema.GraphexError
		if errors.As(err, &gerr) && gerr.Code == schema.ErrCodeConflict {
			// Lost the race to a concurrent submitter with the same key.
			if existing, lookupErr := e.store.GetActiveRunByKey(ctx, key); lookupErr == nil && existing != nil {
				return existing.ID, false, nil
			}
		}
		return "", false, err
	}
	return run.ID, true, nil
}

// Poll returns the persisted status snapshot for a run. It reads only the
// store, so it answers correctly after a process restart.
func (e *Engine) Poll(ctx context.Context, runID string) (*schema.StatusSnapshot, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &schema.StatusSnapshot{
		RunID:           run.ID,
		Status:          run.Status,
		CurrentStage:    run.CurrentStage,
		OverallProgress: run.Progress,
		Attempts:        run.Attempts,
		NextRetryAt:     run.NextRetryAt,
		Result:          run.Result,
		Error:           run.Error,
	}, nil
}

// Interrupt moves a non-terminal run to Suspended, or to Cancelled when
// driven by an external cancellation. Journal history is kept either way.
// The persisted status changes immediately so Poll reflects it even while
// an executor is still winding down cooperatively.
func (e *Engine) Interrupt(ctx context.Context, runID string, cancelled bool) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	target := schema.RunStatusSuspended
	if cancelled {
		target = schema.RunStatusCancelled
	}
	if run.Status == target {
		return nil
	}
	if err := ValidateTransition(run.Status, target); err != nil {
		return err
	}
	update := store.RunUpdate{Status: &target}
	if cancelled {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}
	return e.store.UpdateRun(ctx, runID, update)
}

// Resume re-enters a suspended (or crash-orphaned running) run. It is a
// readiness check in front of Execute; the replay itself lives there.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case schema.RunStatusSuspended, schema.RunStatusRunning, schema.RunStatusPending:
		return e.Execute(ctx, runID)
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s is %s and cannot be resumed", runID, run.Status)
	}
}

// Execute drives the run through the pipeline. Exactly one executor may own
// a run at a time; a second concurrent Execute for the same run returns a
// CONFLICT error. Stages run strictly in order. Before each stage the
// journal is consulted: a recorded outcome is replayed without re-invoking
// the stage. Every authoritative outcome is journaled before the engine
// advances past it.
func (e *Engine) Execute(ctx context.Context, runID string) error {
	e.mu.Lock()
	if _, busy := e.active[runID]; busy {
		e.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already has an active executor", runID)
	}
	e.active[runID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, runID)
		e.mu.Unlock()
	}()

	ctx = logging.WithRunID(ctx, runID)
	log := logging.LogWith(ctx, e.logger)

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is already %s", runID, run.Status)
	}

	startKind := schema.KindExtractionStarted
	if run.Status != schema.RunStatusPending {
		startKind = schema.KindExtractionResumed
	}
	if err := e.markRunning(ctx, run); err != nil {
		return err
	}
	e.emit(ctx, runID, startKind, run.Progress, map[string]any{"attempts": run.Attempts})
	log.InfoContext(ctx, "executing run", "kind", string(startKind))

	signal := e.signalFor(runID)
	data := json.RawMessage(nil)

	for i, stage := range e.pipeline.Stages {
		stageCtx := logging.WithStage(ctx, stage.Name())

		if raised(signal) {
			return e.finishCancelled(stageCtx, runID)
		}

		input := data
		if input == nil {
			input = run.Payload
		}
		hash := schema.InputHash(stage.Name(), input)

		inv, found, err := e.store.LookupInvocation(stageCtx, runID, stage.Name(), hash)
		if err != nil {
			return e.suspendOrFail(stageCtx, runID, stage.Name(), err)
		}
		if found {
			// Authoritative outcome. Replay it, never re-execute.
			if inv.Outcome == store.OutcomeError {
				return e.finishFailed(stageCtx, runID, stage.Name(), journaledError(inv))
			}
			data = inv.Output
			if err := e.advance(stageCtx, runID, stage.Name(), i, true); err != nil {
				return err
			}
			continue
		}

		e.emit(stageCtx, runID, schema.KindStageStarted, e.progressBefore(i), map[string]any{"stage": stage.Name()})

		output, stageErr := e.runStage(stageCtx, run, stage, input)
		switch {
		case stageErr == nil:
			inv := &store.Invocation{
				RunID:     runID,
				Stage:     stage.Name(),
				InputHash: hash,
				Outcome:   store.OutcomeOK,
				Output:    output,
			}
			// Durable before advancing: this write is what makes a crash
			// after this point replayable.
			if err := e.store.RecordInvocation(stageCtx, inv); err != nil {
				return e.suspendOrFail(stageCtx, runID, stage.Name(), err)
			}
			data = output
			if err := e.advance(stageCtx, runID, stage.Name(), i, false); err != nil {
				return err
			}

		case isCancellation(stageErr):
			return e.finishCancelled(stageCtx, runID)

		case IsRetryableError(stageErr) || isDefect(stageErr):
			// Transient budget exhausted in runStage, or a defect: park the
			// run and let the retry schedule bring it back. Nothing is
			// journaled, so the stage re-executes on resume.
			return e.suspendOrFail(stageCtx, runID, stage.Name(), stageErr)

		default:
			// Permanent failure. Journal it so replay reproduces the same
			// answer instead of re-running the stage.
			errJSON := marshalError(stageErr)
			inv := &store.Invocation{
				RunID:     runID,
				Stage:     stage.Name(),
				InputHash: hash,
				Outcome:   store.OutcomeError,
				Error:     errJSON,
			}
			if err := e.store.RecordInvocation(stageCtx, inv); err != nil {
				return e.suspendOrFail(stageCtx, runID, stage.Name(), err)
			}
			return e.finishFailed(stageCtx, runID, stage.Name(), stageErr)
		}
	}

	return e.finishComplete(ctx, runID, data)
}

// runStage executes one stage with its per-attempt timeout and the in-place
// transient retry budget. Panics are captured as defects, never propagated.
func (e *Engine) runStage(ctx context.Context, run *store.Run, stage Stage, input json.RawMessage) (json.RawMessage, error) {
	log := logging.LogWith(ctx, e.logger)
	signal := e.signalFor(run.ID)
	maxAttempts := e.config.StageRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if raised(signal) {
			return nil, schema.NewError(schema.ErrCodeCancelled, "extraction cancelled")
		}

		output, err := e.invokeStage(ctx, run, stage, input, attempt)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if isCancellation(err) || isDefect(err) || !IsRetryableError(err) {
			return nil, err
		}

		if dep, open := openDependency(err); open {
			e.emit(ctx, run.ID, schema.KindCircuitOpened, run.Progress, map[string]any{
				"dependency": dep,
				"stage":      stage.Name(),
			})
		}
		e.emitRecoverable(ctx, run, stage.Name(), attempt, err)
		log.WarnContext(ctx, "stage attempt failed", "attempt", attempt, "error", err)

		if attempt == maxAttempts {
			break
		}
		delay := retryAfterHint(err)
		if delay <= 0 {
			delay = e.config.RetryPolicy.Delay(attempt)
		}
		if max := e.config.RetryPolicy.MaxDelay; max > 0 && delay > max {
			delay = max
		}
		e.emit(ctx, run.ID, schema.KindStageRetrying, run.Progress, map[string]any{
			"stage":    stage.Name(),
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		})
		if err := WaitForBackoff(ctx, delay, signalDone(signal)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// invokeStage performs exactly one attempt, converting panics to defects
// and deadline expiry to a stage timeout.
func (e *Engine) invokeStage(ctx context.Context, run *store.Run, stage Stage, input json.RawMessage, attempt int) (output json.RawMessage, err error) {
	attemptCtx := ctx
	if e.config.StageTimeout > 0 {
		var cancelFn context.CancelFunc
		attemptCtx, cancelFn = context.WithTimeout(ctx, e.config.StageTimeout)
		defer cancelFn()
	}

	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = schema.NewErrorf(schema.ErrCodeDefect, "stage %s panicked: %v", stage.Name(), r)
		}
	}()

	in := StageInput{
		RunID:    run.ID,
		Request:  run.Payload,
		Data:     input,
		Attempt:  attempt,
		External: e.caller,
		Emit: func(emitCtx context.Context, kind schema.EventKind, progress float64, payload any) error {
			return e.hub.Publish(emitCtx, schema.NewProgressEvent(run.ID, kind, progress, payload))
		},
	}

	output, err = stage.Run(attemptCtx, in)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, schema.NewErrorf(schema.ErrCodeStageTimeout,
			"stage %s exceeded %s", stage.Name(), e.config.StageTimeout).WithCause(err)
	}
	return output, err
}

// advance records stage completion: persisted progress first, then the
// StageCompleted event.
func (e *Engine) advance(ctx context.Context, runID, stageName string, index int, replayed bool) error {
	progress := e.pipeline.ProgressAfter(index)
	update := store.RunUpdate{
		CurrentStage: &stageName,
		Progress:     &progress,
	}
	if err := e.store.UpdateRun(ctx, runID, update); err != nil {
		return err
	}
	e.emit(ctx, runID, schema.KindStageCompleted, progress, map[string]any{
		"stage":    stageName,
		"replayed": replayed,
	})
	return nil
}

func (e *Engine) markRunning(ctx context.Context, run *store.Run) error {
	if run.Status == schema.RunStatusRunning {
		return nil
	}
	if err := ValidateTransition(run.Status, schema.RunStatusRunning); err != nil {
		return err
	}
	running := schema.RunStatusRunning
	update := store.RunUpdate{Status: &running, ClearRetryAt: true}
	if run.StartedAt == nil {
		now := time.Now().UTC()
		update.StartedAt = &now
	}
	return e.store.UpdateRun(ctx, run.ID, update)
}

// suspendOrFail parks the run for a scheduled retry, or fails it once the
// retry budget is exhausted. The stage outcome is deliberately not
// journaled, so the suspended stage re-executes when the run resumes.
func (e *Engine) suspendOrFail(ctx context.Context, runID, stageName string, cause error) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	attempts := run.Attempts + 1
	if e.config.RetryPolicy.Exhausted(attempts) {
		exhausted := schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"run retry budget exhausted after %d attempts", attempts).WithCause(cause).WithStage(stageName)
		return e.finishFailed(ctx, runID, stageName, exhausted)
	}

	nextRetry := time.Now().UTC().Add(e.config.RetryPolicy.Delay(attempts))
	suspended := schema.RunStatusSuspended
	update := store.RunUpdate{
		Status:      &suspended,
		Attempts:    &attempts,
		NextRetryAt: &nextRetry,
	}
	if err := e.store.UpdateRun(ctx, runID, update); err != nil {
		return err
	}
	e.emit(ctx, runID, schema.KindRecoverableError, run.Progress, map[string]any{
		"stage":         stageName,
		"attempts":      attempts,
		"next_retry_at": nextRetry.Format(time.RFC3339),
		"error":         cause.Error(),
	})
	logging.LogWith(ctx, e.logger).WarnContext(ctx, "run suspended",
		"attempts", attempts, "next_retry_at", nextRetry, "error", cause)
	return nil
}

func (e *Engine) finishComplete(ctx context.Context, runID string, result json.RawMessage) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		// Interrupt persisted a terminal status while the final stage was
		// in flight. Terminal states are final; honor the one already
		// written instead of overwriting it.
		if run.Status == schema.RunStatusCancelled {
			return e.finishCancelled(ctx, runID)
		}
		return nil
	}

	completed := schema.RunStatusCompleted
	one := 1.0
	now := time.Now().UTC()
	update := store.RunUpdate{
		Status:       &completed,
		Progress:     &one,
		Result:       result,
		CompletedAt:  &now,
		ClearRetryAt: true,
	}
	if err := e.store.UpdateRun(ctx, runID, update); err != nil {
		return err
	}
	e.emit(ctx, runID, schema.KindExtractionComplete, 1, map[string]any{"result": json.RawMessage(result)})
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "run completed")
	return nil
}

func (e *Engine) finishFailed(ctx context.Context, runID, stageName string, cause error) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.IsTerminal() {
		failed := schema.RunStatusFailed
		now := time.Now().UTC()
		update := store.RunUpdate{
			Status:       &failed,
			Error:        marshalError(cause),
			CompletedAt:  &now,
			ClearRetryAt: true,
		}
		if err := e.store.UpdateRun(ctx, runID, update); err != nil {
			return err
		}
	}
	e.emit(ctx, runID, schema.KindFatalError, run.Progress, map[string]any{
		"stage": stageName,
		"error": cause.Error(),
	})
	e.emit(ctx, runID, schema.KindExtractionFailed, run.Progress, map[string]any{"error": cause.Error()})
	logging.LogWith(ctx, e.logger).ErrorContext(ctx, "run failed", "error", cause)
	return cause
}

func (e *Engine) finishCancelled(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	// Interrupt may already have persisted the terminal status; the
	// executor still owns emitting the single terminal stream event.
	if !run.Status.IsTerminal() {
		cancelled := schema.RunStatusCancelled
		now := time.Now().UTC()
		update := store.RunUpdate{
			Status:       &cancelled,
			CompletedAt:  &now,
			ClearRetryAt: true,
		}
		if err := e.store.UpdateRun(ctx, runID, update); err != nil {
			return err
		}
	}
	e.emit(ctx, runID, schema.KindExtractionCancelled, run.Progress, nil)
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "run cancelled")
	return nil
}

func (e *Engine) emitRecoverable(ctx context.Context, run *store.Run, stageName string, attempt int, err error) {
	payload := map[string]any{
		"stage":   stageName,
		"attempt": attempt,
		"error":   err.Error(),
	}
	if after := retryAfterHint(err); after > 0 {
		payload["retry_after_ms"] = after.Milliseconds()
	}
	e.emit(ctx, run.ID, schema.KindRecoverableError, run.Progress, payload)
}

func (e *Engine) emit(ctx context.Context, runID string, kind schema.EventKind, progress float64, payload any) {
	event := schema.NewProgressEvent(runID, kind, progress, payload)
	if err := e.hub.Publish(ctx, event); err != nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "event publish failed",
			"kind", string(kind), "error", err)
	}
}

func (e *Engine) progressBefore(index int) float64 {
	if index == 0 {
		return 0
	}
	return e.pipeline.ProgressAfter(index - 1)
}

func (e *Engine) signalFor(runID string) *cancel.Signal {
	if e.registry == nil {
		return nil
	}
	sig, _ := e.registry.Get(runID)
	return sig
}

func raised(sig *cancel.Signal) bool {
	return sig != nil && sig.Raised()
}

func signalDone(sig *cancel.Signal) <-chan struct{} {
	if sig == nil {
		return nil
	}
	return sig.Done()
}

func isCancellation(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var gerr *schema.GraphexError
	return errors.As(err, &gerr) && gerr.Code == schema.ErrCodeCancelled
}

func isDefect(err error) bool {
	var gerr *schema.GraphexError
	return errors.As(err, &gerr) && gerr.Code == schema.ErrCodeDefect
}

// openDependency reports whether err is a circuit-open rejection and which
// dependency's circuit tripped.
func openDependency(err error) (string, bool) {
	var openErr *CircuitOpenError
	if errors.As(err, &openErr) {
		return openErr.Dependency, true
	}
	var gerr *schema.GraphexError
	if errors.As(err, &gerr) && gerr.Code == schema.ErrCodeCircuitOpen {
		dep, _ := gerr.Details["dependency"].(string)
		return dep, true
	}
	return "", false
}

// retryAfterHint extracts the cooldown carried by a circuit-open error so
// the stage retry waits out the breaker instead of hammering it.
func retryAfterHint(err error) time.Duration {
	var openErr *CircuitOpenError
	if errors.As(err, &openErr) {
		return openErr.RetryAfter
	}
	var gerr *schema.GraphexError
	if errors.As(err, &gerr) && gerr.Code == schema.ErrCodeCircuitOpen {
		if ms, ok := gerr.Details["retry_after_ms"].(int64); ok {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 0
}

func journaledError(inv *store.Invocation) error {
	var gerr schema.GraphexError
	if len(inv.Error) > 0 && json.Unmarshal(inv.Error, &gerr) == nil && gerr.Code != "" {
		return &gerr
	}
	return schema.NewErrorf(schema.ErrCodeDefect, "stage %s recorded an unreadable failure", inv.Stage)
}

func marshalError(err error) json.RawMessage {
	var gerr *schema.GraphexError
	if !errors.As(err, &gerr) {
		gerr = schema.NewError(schema.ErrCodeDefect, err.Error())
	}
	raw, marshalErr := json.Marshal(gerr)
	if marshalErr != nil {
		raw = []byte(fmt.Sprintf(`{"code":%q,"message":%q}`, gerr.Code, gerr.Message))
	}
	return raw
}
