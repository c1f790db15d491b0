package store

import (
	"encoding/json"
	"time"

	"github.com/novagraph/graphex/pkg/schema"
)

// Run is the persisted representation of an extraction run.
type Run struct {
	ID             string           `json:"id"`
	IdempotencyKey string           `json:"idempotency_key"`
	Payload        json.RawMessage  `json:"payload"`
	Status         schema.RunStatus `json:"status"`
	CurrentStage   string           `json:"current_stage,omitempty"`
	Progress       float64          `json:"progress"`
	Attempts       int              `json:"attempts"`
	NextRetryAt    *time.Time       `json:"next_retry_at,omitempty"`
	Result         json.RawMessage  `json:"result,omitempty"`
	Error          json.RawMessage  `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Invocation outcome statuses. An invocation row is authoritative: once
// written, the engine never re-executes the same (run, stage, input hash).
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Invocation is an immutable activity journal entry.
type Invocation struct {
	RunID     string          `json:"run_id"`
	Stage     string          `json:"stage"`
	InputHash string          `json:"input_hash"`
	Outcome   string          `json:"outcome"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	CurrentStage *string           `json:"current_stage,omitempty"`
	Progress     *float64          `json:"progress,omitempty"`
	Attempts     *int              `json:"attempts,omitempty"`
	NextRetryAt  *time.Time        `json:"next_retry_at,omitempty"`
	ClearRetryAt bool              `json:"clear_retry_at,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Error        json.RawMessage   `json:"error,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status *schema.RunStatus `json:"status,omitempty"`
	DueAt  *time.Time        `json:"due_at,omitempty"` // next_retry_at <= DueAt
	Since  *time.Time        `json:"since,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}
