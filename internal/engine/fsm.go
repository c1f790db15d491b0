package engine

import (
	"github.com/novagraph/graphex/pkg/schema"
)

// validRunTransitions is the authoritative run lifecycle. Terminal states
// have no outgoing edges.
var validRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning:   {schema.RunStatusSuspended, schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusSuspended: {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to schema.RunStatus) bool {
	for _, next := range validRunTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an INVALID_TRANSITION error when the move is
// not part of the run lifecycle.
func ValidateTransition(from, to schema.RunStatus) error {
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition %s -> %s", from, to)
	}
	return nil
}

// NextStatuses returns the statuses reachable from the given one.
func NextStatuses(from schema.RunStatus) []schema.RunStatus {
	next := validRunTransitions[from]
	out := make([]schema.RunStatus, len(next))
	copy(out, next)
	return out
}
