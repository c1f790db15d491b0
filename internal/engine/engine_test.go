package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novagraph/graphex/internal/cancel"
	"github.com/novagraph/graphex/internal/store"
	"github.com/novagraph/graphex/internal/streaming"
	"github.com/novagraph/graphex/pkg/schema"
)

type harness struct {
	store    *store.LibSQLStore
	hub      *streaming.MemoryHub
	registry *cancel.Registry
	engine   *Engine
}

func newHarness(t *testing.T, pipeline Pipeline, caller Caller, mutate func(*Config)) *harness {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	config := DefaultConfig()
	config.StageTimeout = 5 * time.Second
	config.StageRetries = 1
	config.RetryPolicy.BaseDelay = time.Millisecond
	config.RetryPolicy.MaxDelay = 5 * time.Millisecond
	config.Breakers.ResetTimeout = 50 * time.Millisecond
	if mutate != nil {
		mutate(&config)
	}

	hub := streaming.NewMemoryHub()
	registry := cancel.NewRegistry()
	eng := New(st, hub, registry, pipeline, caller, config, slog.Default())
	return &harness{store: st, hub: hub, registry: registry, engine: eng}
}

func echoStage(name string) Stage {
	return StageFunc{StageName: name, Fn: func(ctx context.Context, in StageInput) (json.RawMessage, error) {
		out, _ := json.Marshal(map[string]any{"stage": name})
		return out, nil
	}}
}

func testRequest(text string) schema.ExtractionRequest {
	return schema.ExtractionRequest{Text: text, DocumentID: "doc-1"}
}

// collectKinds drains the subscription until a terminal kind or a timeout.
func collectKinds(t *testing.T, events <-chan schema.ProgressEvent) []schema.EventKind {
	t.Helper()
	var kinds []schema.EventKind
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return kinds
			}
			kinds = append(kinds, ev.Kind)
			if ev.Kind.IsTerminal() {
				return kinds
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal event, got %v", kinds)
		}
	}
}

func countKind(kinds []schema.EventKind, kind schema.EventKind) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func TestEngine_HappyPathCompletesRun(t *testing.T) {
	h := newHarness(t, Pipeline{Name: "extract", Stages: []Stage{
		echoStage("chunking"),
		echoStage("entity_extraction"),
	}}, nil, nil)
	ctx := context.Background()

	runID, created, err := h.engine.Start(ctx, testRequest("Alice works at Acme."))
	require.NoError(t, err)
	assert.True(t, created)

	events, unsub := h.hub.Subscribe(runID)
	defer unsub()

	require.NoError(t, h.engine.Execute(ctx, runID))

	kinds := collectKinds(t, events)
	assert.Equal(t, 1, countKind(kinds, schema.KindExtractionStarted))
	assert.Equal(t, 2, countKind(kinds, schema.KindStageStarted))
	assert.Equal(t, 2, countKind(kinds, schema.KindStageCompleted))
	assert.Equal(t, 1, countKind(kinds, schema.KindExtractionComplete))
	assert.Equal(t, schema.KindExtractionComplete, kinds[len(kinds)-1])

	snap, err := h.engine.Poll(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.Equal(t, 1.0, snap.OverallProgress)
	assert.NotEmpty(t, snap.Result)
}

func TestEngine_StartDeduplicatesConcurrentSubmissions(t *testing.T) {
	h := newHarness(t, Pipeline{Stages: []Stage{echoStage("chunking")}}, nil, nil)
	ctx := context.Background()
	req := testRequest("same payload")

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := h.engine.Start(ctx, req)
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	runs, err := h.store.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestEngine_ReplaySkipsJournaledStages(t *testing.T) {
	var firstStageCalls, failures atomic.Int64
	failUntil := int64(2) // fail enough times to suspend the run once

	pipeline := Pipeline{Stages: []Stage{
		StageFunc{StageName: "chunking", Fn: func(ctx context.Context, in StageInput) (json.RawMessage, error) {
			firstStageCalls.Add(1)
			return json.RawMessage(`{"chunks":3}`), nil
		}},
		StageFunc{StageName: "entity_extraction", Fn: func(ctx context.Context, in StageInput) (json.RawMessage, error) {
			if failures.Add(1) <= failUntil {
				return nil, schema.NewError(schema.ErrCodeExternalService, "llm unavailable")
			}
			// The replayed input must be the journaled first-stage output.
			assert.JSONEq(t, `{"chunks":3}`, string(in.Data))
			return json.RawMessage(`{"entities":["Alice"]}`), nil
		}},
	}}
	h := newHarness(t, pipeline, nil, func(c *Config) { c.StageRetries = 0 })
	ctx := context.Background()

	runID, _, err := h.engine.Start(ctx, testRequest("replay me"))
	require.NoError(t, err)

	// First execution: stage one succeeds and is journaled, stage two
	// exhausts its budget and suspends the run.
	require.NoError(t, h.engine.Execute(ctx, runID))
	snap, err := h.engine.Poll(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusSuspended, snap.Status)
	require.Equal(t, int64(1), firstStageCalls.Load())

	// Resume twice more; stage one must be replayed from the journal,
	// never re-executed.
	require.NoError(t, h.engine.Resume(ctx, runID))
	snap, err = h.engine.Poll(ctx, runID)
	require.NoError(t, err)
	if snap.Status == schema.RunStatusSuspended {
		require.NoError(t, h.engine.Resume(ctx, runID))
	}

	snap, err = h.engine.Poll(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.Equal(t, int64(1), firstStageCalls.Load())
	assert.JSONEq(t, `{"entities":["Alice"]}`, string(snap.Result))
}

func TestEngine_CancellationStopsFurtherStages(t *testing.T) {
	var secondStageStarted atomic.Bool
	pipeline := Pipeline{Stages: []Stage{
		StageFunc{StageName: "chunking", Fn: func(ctx context.Context, in StageInput) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		}},
		StageFunc{StageName: "entity_extraction", Fn: func(ctx context.Context, in StageInput) (json.RawMessage, error) {
			secondStageStarted.Store(true)
			return json.RawMessage(`{}`), nil
		}},
	}}
	h := newHarness(t, pipeline, nil, nil)
	ctx := context.Background()

	runID, _, err := h.engine.Start(ctx, testRequest("cancel me"))
	require.NoError(t, err)

	// Raise before execution: the signal is observed before any stage.
	h.registry.Register(runID)
	h.registry.Raise(runID)

	events, unsub := h.hub.Subscribe(runID)
	defer unsub()

	require.NoError(t, h.engine.Execute(ctx, runID))

	kinds := collectKinds(t, events)
	assert.Equal(t, 1, countKind(kinds, schema.KindExtractionCancelled))
	assert.Zero(t, countKind(kinds, schema.KindStageStarted))
	assert.False(t, secondStageStarted.Load())

	snap, err := h.engine.Poll(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, snap.Status)
}

func TestEngine_MidRunCancellationBetweenStages(t *testing.T) {
	h := newHarness(t, Pipeline{Stages: []Stage{
		StageFunc{StageName: "chunking", Fn: func(ctx context.Context, in StageInput) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		}},
		echoStage("entity_extraction"),
	}}, nil, nil)
	ctx := context.Background()

	runID, _, err := h.engine.Start(ctx, testRequest("cancel between"))
	require.NoError(t, err)
	h.registry.Register(runID)

	// Replace the first stage with one that raises the signal mid-run.
	h.engine.pipeline.Stages[0] = StageFunc{StageName: "chunking", Fn: func(ctx context.Context, in StageInput) (json.RawMessage, error) {
		h.registry.Raise(runID)
		return json.RawMessage(`{}`), nil
	}}

	events, unsub := h.hub.Subscribe(runID)
	defer unsub()

	require.NoError(t, h.engine.Execute(ctx, runID))

	kinds := collectKinds(t, events)
	// Stage one ran, but stage two must never start after the signal.
	assert.Equal(t, 1, countKind(kinds, schema.KindStageStarted))
	assert.Equal(t, 1, countKind(kinds, schema.KindExtractionCancelled))

	snap, err := h.engine.Poll(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, snap.Status)
}

func TestEngine_CancelDuringFinalStageKeepsCancelledStatus(t *testing.T) {
	h := newHarness(t, Pipeline{Stages: []Stage{echoStage("chunking")}}, nil, nil)
	ctx := context.Background()

	runID, _, err := h.engine.Start(ctx, testRequest("cancel during final stage"))
	require.NoError(t, err)
	h.registry.Register(runID)

	// The only stage is interrupted mid-flight and still returns success:
	// the cancellation must win over the stage's completion.
	h.engine.pipeline.Stages[0] = StageFunc{StageName: "chunking", Fn: func(ctx context.Context, in StageInput) (json.RawMessage, error) {
		h.registry.Raise(in.RunID)
		require.NoError(t, h.engine.Interrupt(ctx, in.RunID, true))
		snap, pollErr := h.engine.Poll(ctx, in.RunID)
		require.NoError(t, pollErr)
		require.Equal(t, schema.RunStatusCancelled, snap.Status)
		return json.RawMessage(`{"done":true}`), nil
	}}

	events, unsub := h.hub.Subscribe(runID)
	defer unsub()

	require.NoError(t, h.engine.Execute(ctx, runID))

	kinds := collectKinds(t, events)
	assert.Equal(t, 1, countKind(kinds, schema.KindExtractionCancelled))
	assert.Equal(t, 0, countKind(kinds, schema.KindExtractionComplete))

	snap, err := h.engine.Poll(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, snap.Status)
	assert.Empty(t, snap.Result)
}

func TestEngine_PermanentFailureIsJournaledAndTerminal(t *testing.T) {
	pipeline := Pipeline{Stages: []Stage{
		StageFunc{StageName: "chunking", Fn: func(ctx context.Context, in StageInput) (json.RawMessage, error) {
			return nil, schema.NewError(schema.ErrCodeValidation, "text is empty")
		}},
	}}
	h := newHarness(t, pipeline, nil, nil)
	ctx := context.Background()

	runID, _, err := h.engine.Start(ctx, testRequest(""))
	require.NoError(t, err)

	events, unsub := h.hub.Subscribe(runID)
	defer unsub()

	err = h.engine.Execute(ctx, runID)
	var gerr *schema.GraphexError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)

	kinds := collectKinds(t, events)
	assert.Equal(t, 1, countKind(kinds, schema.KindFatalError))
	assert.Equal(t, 1, countKind(kinds, schema.KindExtractionFailed))

	snap, err := h.engine.Poll(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, snap.Status)

	invs, err := h.store.ListInvocations(ctx, runID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, store.OutcomeError, invs[0].Outcome)
}

func TestEngine_ReplayedFailureReproducesSameAnswer(t *testing.T) {
	var calls atomic.Int64
	pipeline := Pipeline{Stages: []Stage{
		StageFunc{StageName: "chunking", Fn: func(ctx context.Context, in StageInput) (json.RawMessage, error) {
			calls.Add(1)
			return nil, schema.NewError(schema.ErrCodeValidation, "text is empty")
		}},
	}}
	h := newHarness(t, pipeline, nil, nil)
	ctx := context.Background()

	runID, _, err := h.engine.Start(ctx, testRequest(""))
	require.NoError(t, err)
	require.Error(t, h.engine.Execute(ctx, runID))
	require.Equal(t, int64(1), calls.Load())

	// A failed run is terminal; replay must not re-invoke the stage.
	err = h.engine.Execute(ctx, runID)
	var gerr *schema.GraphexError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, gerr.Code)
	assert.Equal(t, int64(1), calls.Load())
}

func TestEngine_TransientFailureRetriesInPlace(t *testing.T) {
	var calls atomic.Int64
	pipeline := Pipeline{Stages: []Stage{
		StageFunc{StageName: "chunking", Fn: func(ctx context.Context, in StageInput) (json.RawMessage, error) {
			if calls.Add(1) == 1 {
				return nil, schema.NewError(schema.ErrCodeExternalService, "flaky")
			}
			return json.RawMessage(`{}`), nil
		}},
	}}
	h := newHarness(t, pipeline, nil, func(c *Config) { c.StageRetries = 2 })
	ctx := context.Background()

	runID, _, err := h.engine.Start(ctx, testRequest("retry in place"))
	require.NoError(t, err)

	events, unsub := h.hub.Subscribe(runID)
	defer unsub()

	require.NoError(t, h.engine.Execute(ctx, runID))
	assert.Equal(t, int64(2), calls.Load())

	kinds := collectKinds(t, events)
	assert.Equal(t, 1, countKind(kinds, schema.KindRecoverableError))
	assert.Equal(t, 1, countKind(kinds, schema.KindStageRetrying))
	assert.Equal(t, 1, countKind(kinds, schema.KindExtractionComplete))
}

func TestEngine_RetryBudgetExhaustionFailsRun(t *testing.T) {
	pipeline := Pipeline{Stages: []Stage{
		StageFunc{StageName: "chunking", Fn: func(ctx context.Context, in StageInput) (json.RawMessage, error) {
			return nil, schema.NewError(schema.ErrCodeExternalService, "always down")
		}},
	}}
	h := newHarness(t, pipeline, nil, func(c *Config) {
		c.StageRetries = 0
		c.RetryPolicy.MaxAttempts = 2
	})
	ctx := context.Background()

	runID, _, err := h.engine.Start(ctx, testRequest("doomed"))
	require.NoError(t, err)

	// First execution suspends (attempt 1 of 2).
	require.NoError(t, h.engine.Execute(ctx, runID))
	snap, err := h.engine.Poll(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusSuspended, snap.Status)
	assert.Equal(t, 1, snap.Attempts)
	assert.NotNil(t, snap.NextRetryAt)

	// Second execution exhausts the budget and fails the run.
	err = h.engine.Resume(ctx, runID)
	var gerr *schema.GraphexError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeRetryExhausted, gerr.Code)

	snap, err = h.engine.Poll(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, snap.Status)
}

func TestEngine_PanicBecomesDefectAndSuspends(t *testing.T) {
	pipeline := Pipeline{Stages: []Stage{
		StageFunc{StageName: "chunking", Fn: func(ctx context.Context, in StageInput) (json.RawMessage, error) {
			panic("nil dereference")
		}},
	}}
	h := newHarness(t, pipeline, nil, nil)
	ctx := context.Background()

	runID, _, err := h.engine.Start(ctx, testRequest("panics"))
	require.NoError(t, err)

	require.NoError(t, h.engine.Execute(ctx, runID))

	snap, err := h.engine.Poll(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuspended, snap.Status)
	assert.Equal(t, 1, snap.Attempts)

	invs, err := h.store.ListInvocations(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, invs, "a defect is not an authoritative outcome")
}

func TestEngine_ExternalCallsRouteThroughBreaker(t *testing.T) {
	var callerInvocations atomic.Int64
	caller := CallerFunc(func(ctx context.Context, dependency string, request json.RawMessage) (json.RawMessage, error) {
		callerInvocations.Add(1)
		return nil, schema.NewError(schema.ErrCodeExternalService, "llm down")
	})
	pipeline := Pipeline{Stages: []Stage{
		StageFunc{StageName: "entity_extraction", Fn: func(ctx context.Context, in StageInput) (json.RawMessage, error) {
			return in.External.Call(ctx, "llm", json.RawMessage(`{}`))
		}},
	}}
	h := newHarness(t, pipeline, caller, func(c *Config) {
		c.StageRetries = 4
		c.Breakers.MaxFailures = 2
		c.Breakers.ResetTimeout = time.Minute
	})
	ctx := context.Background()

	runID, _, err := h.engine.Start(ctx, testRequest("breaker"))
	require.NoError(t, err)
	require.NoError(t, h.engine.Execute(ctx, runID))

	// The breaker opened after 2 failures; later attempts failed fast
	// without reaching the dependency.
	assert.Equal(t, int64(2), callerInvocations.Load())
	assert.Equal(t, CircuitOpen, h.engine.Breakers().Get("llm").State())
}

func TestEngine_InterruptReflectsInPoll(t *testing.T) {
	h := newHarness(t, Pipeline{Stages: []Stage{echoStage("chunking")}}, nil, nil)
	ctx := context.Background()

	runID, _, err := h.engine.Start(ctx, testRequest("interrupt me"))
	require.NoError(t, err)

	require.NoError(t, h.engine.Interrupt(ctx, runID, true))
	snap, err := h.engine.Poll(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, snap.Status)

	// Idempotent: a second cancel interrupt is a no-op.
	require.NoError(t, h.engine.Interrupt(ctx, runID, true))
}

func TestEngine_SingleExecutorPerRun(t *testing.T) {
	block := make(chan struct{})
	pipeline := Pipeline{Stages: []Stage{
		StageFunc{StageName: "chunking", Fn: func(ctx context.Context, in StageInput) (json.RawMessage, error) {
			<-block
			return json.RawMessage(`{}`), nil
		}},
	}}
	h := newHarness(t, pipeline, nil, nil)
	ctx := context.Background()

	runID, _, err := h.engine.Start(ctx, testRequest("exclusive"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.engine.Execute(ctx, runID) }()

	require.Eventually(t, func() bool {
		snap, err := h.engine.Poll(ctx, runID)
		return err == nil && snap.Status == schema.RunStatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	err = h.engine.Execute(ctx, runID)
	var gerr *schema.GraphexError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeConflict, gerr.Code)

	close(block)
	require.NoError(t, <-done)
}
