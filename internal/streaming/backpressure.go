package streaming

import (
	"context"
	"math/rand"

	"github.com/novagraph/graphex/pkg/schema"
)

// BackpressureConfig tunes the flow-control wrapper.
type BackpressureConfig struct {
	// MaxQueuedEvents bounds the buffer between producer and consumer.
	MaxQueuedEvents int
	// SamplingThreshold is the load factor (queued/max) at which
	// noncritical events start being sampled.
	SamplingThreshold float64
	// SamplingRate is the probability a noncritical event is forwarded
	// once the threshold is reached.
	SamplingRate float64
	// Rand overrides the uniform source for tests. Nil uses math/rand.
	Rand func() float64
}

// DefaultBackpressureConfig returns production defaults.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		MaxQueuedEvents:   256,
		SamplingThreshold: 0.7,
		SamplingRate:      0.25,
	}
}

// Wrap applies flow control between a producer stream and a consumer.
//
// Critical events are never dropped: when the buffer is full the producer
// blocks. Noncritical events are forwarded unchanged below the load
// threshold and sampled above it. The returned channel closes after a
// terminal event is forwarded, when the input closes, or when ctx is
// cancelled — the pump goroutine exits on every path.
func Wrap(ctx context.Context, in <-chan schema.ProgressEvent, cfg BackpressureConfig) <-chan schema.ProgressEvent {
	return WrapSubscription(ctx, in, nil, cfg)
}

// WrapSubscription is Wrap with a release hook invoked exactly once when
// the pump exits, used to detach the hub subscription feeding in. release
// may be nil.
func WrapSubscription(ctx context.Context, in <-chan schema.ProgressEvent, release func(), cfg BackpressureConfig) <-chan schema.ProgressEvent {
	if cfg.MaxQueuedEvents <= 0 {
		cfg.MaxQueuedEvents = DefaultBackpressureConfig().MaxQueuedEvents
	}
	randFloat := cfg.Rand
	if randFloat == nil {
		randFloat = rand.Float64
	}

	out := make(chan schema.ProgressEvent, cfg.MaxQueuedEvents)

	go func() {
		defer close(out)
		if release != nil {
			defer release()
		}
		sampling := false

		for {
			var ev schema.ProgressEvent
			var ok bool
			select {
			case ev, ok = <-in:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}

			if !ev.Kind.IsCritical() {
				load := float64(len(out)) / float64(cfg.MaxQueuedEvents)
				if load >= cfg.SamplingThreshold {
					if !sampling {
						sampling = true
						warn := schema.NewProgressEvent(ev.RunID, schema.KindBackpressureWarning,
							ev.OverallProgress, map[string]any{
								"load_factor":   load,
								"sampling_rate": cfg.SamplingRate,
							})
						select {
						case out <- warn:
						default:
						}
					}
					if randFloat() >= cfg.SamplingRate {
						continue // sampled out
					}
				} else {
					sampling = false
				}
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}

			if ev.Kind.IsTerminal() {
				return
			}
		}
	}()

	return out
}
