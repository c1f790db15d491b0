package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/novagraph/graphex/pkg/schema"
)

// EmitFunc publishes a progress event from inside a stage. Critical events
// block until delivered; noncritical events are best-effort under load.
type EmitFunc func(ctx context.Context, kind schema.EventKind, progress float64, payload any) error

// Caller invokes an external dependency (LLM endpoint, embedding service,
// entity resolver) on behalf of a stage. Implementations are routed through
// the per-dependency circuit breakers.
type Caller interface {
	Call(ctx context.Context, dependency string, request json.RawMessage) (json.RawMessage, error)
}

// StageInput carries everything a stage needs to do its work.
type StageInput struct {
	RunID string
	// Request is the original extraction request payload.
	Request json.RawMessage
	// Data is the output of the previous stage, nil for the first stage.
	Data json.RawMessage
	// Attempt is 1 on the first try of this stage within the current
	// execution, incremented on each in-place retry.
	Attempt int
	Emit    EmitFunc
	// External routes outbound calls through circuit protection.
	External Caller
}

// Stage is one step of an extraction pipeline. Run must be deterministic
// with respect to its input: the journal replays completed stages by
// recorded output, never by re-execution.
type Stage interface {
	Name() string
	Run(ctx context.Context, in StageInput) (json.RawMessage, error)
}

// StageFunc adapts a function to the Stage interface.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, in StageInput) (json.RawMessage, error)
}

func (s StageFunc) Name() string { return s.StageName }

func (s StageFunc) Run(ctx context.Context, in StageInput) (json.RawMessage, error) {
	return s.Fn(ctx, in)
}

// Pipeline is an ordered list of stages with a shared progress span.
// Stage i completing moves overall progress to (i+1)/len(Stages).
type Pipeline struct {
	Name   string
	Stages []Stage
}

// StageNames returns the stage names in execution order.
func (p Pipeline) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name()
	}
	return names
}

// ProgressAfter returns overall progress once the stage at index i has
// completed.
func (p Pipeline) ProgressAfter(i int) float64 {
	if len(p.Stages) == 0 {
		return 1
	}
	return float64(i+1) / float64(len(p.Stages))
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, dependency string, request json.RawMessage) (json.RawMessage, error)

func (f CallerFunc) Call(ctx context.Context, dependency string, request json.RawMessage) (json.RawMessage, error) {
	return f(ctx, dependency, request)
}

// protectedCaller wraps a Caller with per-dependency circuit breaking.
// An open circuit surfaces as a CIRCUIT_OPEN error carrying the remaining
// cooldown so callers can schedule the retry.
type protectedCaller struct {
	inner    Caller
	breakers *BreakerSet
}

func newProtectedCaller(inner Caller, breakers *BreakerSet) Caller {
	if inner == nil || breakers == nil {
		return inner
	}
	return &protectedCaller{inner: inner, breakers: breakers}
}

func (c *protectedCaller) Call(ctx context.Context, dependency string, request json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.breakers.Protect(ctx, dependency, func(ctx context.Context) error {
		var callErr error
		out, callErr = c.inner.Call(ctx, dependency, request)
		return callErr
	})
	if err != nil {
		var openErr *CircuitOpenError
		if errors.As(err, &openErr) {
			return nil, schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for %s", dependency).
				WithCause(err).
				WithDetails(map[string]any{
					"dependency":     dependency,
					"retry_after_ms": openErr.RetryAfter.Milliseconds(),
				})
		}
		return nil, err
	}
	return out, nil
}
