package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/novagraph/graphex/pkg/schema"
)

const defaultChannelBuffer = 64

// subscriber holds the channel and detach latch for a single subscriber.
type subscriber struct {
	runID string
	ch    chan schema.ProgressEvent
	done  chan struct{}
	once  sync.Once
}

func (s *subscriber) detach() {
	s.once.Do(func() { close(s.done) })
}

// MemoryHub is an in-memory EventHub implementation using channels.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscriber)}
}

// Publish sends an event to all subscribers of its run. Critical events
// block until each subscriber accepts or detaches; noncritical events are
// dropped for slow subscribers.
func (h *MemoryHub) Publish(ctx context.Context, event schema.ProgressEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	matched := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.runID == event.RunID {
			matched = append(matched, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range matched {
		if event.Kind.IsCritical() {
			select {
			case sub.ch <- event:
			case <-sub.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// slow subscriber: noncritical events may be dropped here
		}
	}
	return nil
}

// Subscribe creates a subscription for the run's events. The returned
// cancel function detaches the subscriber and must be called on every
// exit path; it is safe to call more than once.
func (h *MemoryHub) Subscribe(runID string) (<-chan schema.ProgressEvent, func()) {
	id := h.seq.Add(1)
	sub := &subscriber{
		runID: runID,
		ch:    make(chan schema.ProgressEvent, defaultChannelBuffer),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.detach()
	}

	return sub.ch, cancel
}
