package store

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/novagraph/graphex/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	// synchronous=NORMAL in WAL mode keeps journal writes durable at commit.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, idempotency_key, payload, status, current_stage, progress, attempts, next_retry_at, result, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.IdempotencyKey, string(run.Payload), string(run.Status),
		nullStr(run.CurrentStage), run.Progress, run.Attempts, nullTime(run.NextRetryAt),
		nullRaw(run.Result), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"active run already exists for idempotency key %s", run.IdempotencyKey).WithCause(err)
	}
	return err
}

const runColumns = `id, idempotency_key, payload, status, current_stage, progress, attempts, next_retry_at, result, error, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := s.scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

// GetActiveRunByKey returns the single non-terminal run for the key,
// or (nil, nil) if none exists.
func (s *LibSQLStore) GetActiveRunByKey(ctx context.Context, idempotencyKey string) (*Run, error) {
	run, err := s.scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE idempotency_key = ? AND status IN ('pending', 'running', 'suspended')`,
		idempotencyKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// GetCompletedRunByKey returns the most recent completed run for the key,
// or (nil, nil) if none exists.
func (s *LibSQLStore) GetCompletedRunByKey(ctx context.Context, idempotencyKey string) (*Run, error) {
	run, err := s.scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE idempotency_key = ? AND status = 'completed'
		 ORDER BY completed_at DESC LIMIT 1`,
		idempotencyKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStage != nil {
		sets = append(sets, "current_stage = ?")
		args = append(args, *update.CurrentStage)
	}
	if update.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *update.Progress)
	}
	if update.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *update.Attempts)
	}
	if update.NextRetryAt != nil {
		sets = append(sets, "next_retry_at = ?")
		args = append(args, *update.NextRetryAt)
	} else if update.ClearRetryAt {
		sets = append(sets, "next_retry_at = NULL")
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(update.Result))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DueAt != nil {
		where = append(where, "next_retry_at IS NOT NULL AND next_retry_at <= ?")
		args = append(args, *filter.DueAt)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *LibSQLStore) scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var (
		payload                    string
		status                     string
		currentStage               sql.NullString
		resultJSON, errorJSON      sql.NullString
		nextRetry, started, completed sql.NullTime
	)
	err := row.Scan(&run.ID, &run.IdempotencyKey, &payload, &status, &currentStage,
		&run.Progress, &run.Attempts, &nextRetry, &resultJSON, &errorJSON,
		&run.CreatedAt, &started, &completed, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Payload = []byte(payload)
	run.Status = schema.RunStatus(status)
	run.CurrentStage = currentStage.String
	run.Result = rawOrNil(resultJSON)
	run.Error = rawOrNil(errorJSON)
	if nextRetry.Valid {
		run.NextRetryAt = &nextRetry.Time
	}
	if started.Valid {
		run.StartedAt = &started.Time
	}
	if completed.Valid {
		run.CompletedAt = &completed.Time
	}
	return run, nil
}

// --- Activity journal ---

// RecordInvocation durably appends a journal entry. A duplicate write with
// an identical outcome is a no-op; a duplicate write with a different
// outcome for the same key is a programming error and fails loudly.
func (s *LibSQLStore) RecordInvocation(ctx context.Context, inv *Invocation) error {
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (run_id, stage, input_hash, outcome, output, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.RunID, inv.Stage, inv.InputHash, inv.Outcome,
		nullRaw(inv.Output), nullRaw(inv.Error), inv.CreatedAt,
	)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeStore, "record invocation: %s", err.Error()).WithCause(err)
	}

	existing, ok, lookupErr := s.LookupInvocation(ctx, inv.RunID, inv.Stage, inv.InputHash)
	if lookupErr != nil {
		return lookupErr
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeStore, "record invocation: %s", err.Error()).WithCause(err)
	}
	if existing.Outcome == inv.Outcome &&
		bytes.Equal(existing.Output, inv.Output) &&
		bytes.Equal(existing.Error, inv.Error) {
		return nil // idempotent duplicate
	}
	return schema.NewErrorf(schema.ErrCodeJournalMismatch,
		"conflicting outcome for run %s stage %s", inv.RunID, inv.Stage).
		WithStage(inv.Stage).
		WithDetails(map[string]any{
			"input_hash":        inv.InputHash,
			"recorded_outcome":  existing.Outcome,
			"attempted_outcome": inv.Outcome,
		})
}

// LookupInvocation returns the authoritative journal entry, if one exists.
func (s *LibSQLStore) LookupInvocation(ctx context.Context, runID, stage, inputHash string) (*Invocation, bool, error) {
	inv := &Invocation{}
	var output, errJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, stage, input_hash, outcome, output, error, created_at
		 FROM invocations WHERE run_id = ? AND stage = ? AND input_hash = ?`,
		runID, stage, inputHash,
	).Scan(&inv.RunID, &inv.Stage, &inv.InputHash, &inv.Outcome, &output, &errJSON, &inv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	inv.Output = rawOrNil(output)
	inv.Error = rawOrNil(errJSON)
	return inv, true, nil
}

func (s *LibSQLStore) ListInvocations(ctx context.Context, runID string) ([]*Invocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, stage, input_hash, outcome, output, error, created_at
		 FROM invocations WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invs []*Invocation
	for rows.Next() {
		inv := &Invocation{}
		var output, errJSON sql.NullString
		if err := rows.Scan(&inv.RunID, &inv.Stage, &inv.InputHash, &inv.Outcome, &output, &errJSON, &inv.CreatedAt); err != nil {
			return nil, err
		}
		inv.Output = rawOrNil(output)
		inv.Error = rawOrNil(errJSON)
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.GraphexError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r []byte) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) []byte {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return []byte(ns.String)
}
