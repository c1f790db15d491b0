package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	GetActiveRunByKey(ctx context.Context, idempotencyKey string) (*Run, error)
	GetCompletedRunByKey(ctx context.Context, idempotencyKey string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Activity journal (append-only, idempotent per key)
	RecordInvocation(ctx context.Context, inv *Invocation) error
	LookupInvocation(ctx context.Context, runID, stage, inputHash string) (*Invocation, bool, error)
	ListInvocations(ctx context.Context, runID string) ([]*Invocation, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
