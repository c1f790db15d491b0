package schema

// EventKind tags a progress event with its meaning.
type EventKind string

// Progress event kinds emitted over a run's lifetime.
const (
	KindExtractionStarted   EventKind = "extraction_started"
	KindExtractionResumed   EventKind = "extraction_resumed"
	KindStageStarted        EventKind = "stage_started"
	KindStageCompleted      EventKind = "stage_completed"
	KindStageRetrying       EventKind = "stage_retrying"
	KindChunkProcessed      EventKind = "chunk_processed"
	KindEntityFound         EventKind = "entity_found"
	KindRelationFound       EventKind = "relation_found"
	KindEntityGrounded      EventKind = "entity_grounded"
	KindPartialGraph        EventKind = "partial_graph"
	KindBackpressureWarning EventKind = "backpressure_warning"
	KindRateLimited         EventKind = "rate_limited"
	KindRecoverableError    EventKind = "recoverable_error"
	KindFatalError          EventKind = "fatal_error"
	KindCircuitOpened       EventKind = "circuit_opened"
	KindCircuitHalfOpen     EventKind = "circuit_half_open"
	KindCircuitClosed       EventKind = "circuit_closed"
	KindExtractionComplete  EventKind = "extraction_complete"
	KindExtractionFailed    EventKind = "extraction_failed"
	KindExtractionCancelled EventKind = "extraction_cancelled"
)

// criticalKinds are lifecycle signals that downstream flow control must
// never discard. Everything else may be sampled away under load.
var criticalKinds = map[EventKind]struct{}{
	KindExtractionStarted:   {},
	KindExtractionResumed:   {},
	KindStageStarted:        {},
	KindStageCompleted:      {},
	KindRecoverableError:    {},
	KindFatalError:          {},
	KindExtractionComplete:  {},
	KindExtractionFailed:    {},
	KindExtractionCancelled: {},
}

// IsCritical reports whether events of this kind must never be dropped.
func (k EventKind) IsCritical() bool {
	_, ok := criticalKinds[k]
	return ok
}

// IsTerminal reports whether this kind ends a run's event stream.
// A client observes exactly one terminal event per stream.
func (k EventKind) IsTerminal() bool {
	switch k {
	case KindExtractionComplete, KindExtractionFailed, KindExtractionCancelled:
		return true
	default:
		return false
	}
}

// RunStatus represents the lifecycle state of an extraction run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}
