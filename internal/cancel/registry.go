// Package cancel provides per-run cancellation signals.
//
// A Signal is a single-assignment latch: raised at most once, observable by
// any number of listeners, and monotonic — once raised it stays raised.
package cancel

import "sync"

// Signal is a single-assignment cancellation latch for one run.
type Signal struct {
	once sync.Once
	done chan struct{}
}

func newSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Raise marks the signal. Returns true on the first call, false afterwards.
func (s *Signal) Raise() bool {
	raised := false
	s.once.Do(func() {
		close(s.done)
		raised = true
	})
	return raised
}

// Raised reports whether the signal has been raised.
func (s *Signal) Raised() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the signal is raised.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Registry is a concurrency-safe map from run id to its cancellation signal.
type Registry struct {
	mu      sync.Mutex
	signals map[string]*Signal
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{signals: make(map[string]*Signal)}
}

// Register returns the signal for the run, creating it if absent.
func (r *Registry) Register(runID string) *Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	sig, ok := r.signals[runID]
	if !ok {
		sig = newSignal()
		r.signals[runID] = sig
	}
	return sig
}

// Get returns the signal for the run, if registered.
func (r *Registry) Get(runID string) (*Signal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sig, ok := r.signals[runID]
	return sig, ok
}

// Remove deletes the run's entry. Listeners holding the signal still
// observe its state; removal only stops future lookups.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.signals, runID)
}

// Raise raises the run's signal. Returns true if a signal existed and was
// not already raised; false if unknown or already raised.
func (r *Registry) Raise(runID string) bool {
	r.mu.Lock()
	sig, ok := r.signals[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return sig.Raise()
}
