package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProgressEvent is the wire shape of a single pipeline progress signal.
type ProgressEvent struct {
	EventID         string          `json:"event_id"`
	RunID           string          `json:"run_id"`
	Timestamp       time.Time       `json:"timestamp"`
	OverallProgress float64         `json:"overall_progress"`
	Kind            EventKind       `json:"kind"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// NewProgressEvent builds an event with a fresh id and UTC timestamp.
// The payload is marshalled best-effort; a nil payload is omitted.
func NewProgressEvent(runID string, kind EventKind, progress float64, payload any) ProgressEvent {
	ev := ProgressEvent{
		EventID:         uuid.New().String(),
		RunID:           runID,
		Timestamp:       time.Now().UTC(),
		OverallProgress: progress,
		Kind:            kind,
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// ExtractionRequest is the payload submitted to start an extraction run.
type ExtractionRequest struct {
	Text       string         `json:"text"`
	DocumentID string         `json:"document_id,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
}

// IdempotencyKey derives the deduplication key for a request: a SHA-256
// content hash over the canonical JSON encoding. Collisions are treated
// as negligible.
func (r ExtractionRequest) IdempotencyKey() string {
	b, _ := json.Marshal(r)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// InputHash hashes a stage input together with the stage name, producing
// the journal key component that makes replay lookups exact.
func InputHash(stage string, input json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(stage))
	h.Write([]byte{0})
	h.Write(input)
	return hex.EncodeToString(h.Sum(nil))
}

// StatusSnapshot is the poll result for a run, read from persisted state.
type StatusSnapshot struct {
	RunID           string          `json:"run_id"`
	Status          RunStatus       `json:"status"`
	CurrentStage    string          `json:"current_stage,omitempty"`
	OverallProgress float64         `json:"overall_progress"`
	Attempts        int             `json:"attempts"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           json.RawMessage `json:"error,omitempty"`
}
