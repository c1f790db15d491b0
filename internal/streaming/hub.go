package streaming

import (
	"context"

	"github.com/novagraph/graphex/pkg/schema"
)

// EventHub carries progress events from the engine to any number of
// per-run subscribers. Delivery of critical kinds blocks the publisher
// until every subscriber has taken the event or detached; noncritical
// kinds are dropped for subscribers that cannot keep up (the backpressure
// wrapper downstream does the principled sampling).
type EventHub interface {
	Publish(ctx context.Context, event schema.ProgressEvent) error
	Subscribe(runID string) (<-chan schema.ProgressEvent, func())
}
