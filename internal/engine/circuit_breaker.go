package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitOpenError is returned by Protect when the circuit rejects a call
// without invoking the operation.
type CircuitOpenError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %q: retry after %s", e.Dependency, e.RetryAfter)
}

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening the circuit.
	MaxFailures int
	// ResetTimeout is how long the circuit stays open before a trial call is allowed.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes required to close.
	SuccessThreshold int
}

// DefaultBreakerConfig returns a sensible default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:      5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker guards calls to a single unreliable dependency. Instances are
// injectable; each protected dependency gets its own Breaker. All state
// reads and transitions happen under one mutex so two callers can never
// both claim the half-open trial slot.
type Breaker struct {
	mu                   sync.Mutex
	config               BreakerConfig
	dependency           string
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureTime      time.Time
	trialInFlight        bool
	onStateChange        func(dependency string, state CircuitState)
}

// NewBreaker creates a Breaker for the named dependency.
func NewBreaker(dependency string, config BreakerConfig) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	return &Breaker{config: config, dependency: dependency, state: CircuitClosed}
}

// OnStateChange registers a hook invoked (outside the lock) whenever the
// circuit transitions between states.
func (b *Breaker) OnStateChange(fn func(dependency string, state CircuitState)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

// Protect runs the operation under the circuit breaker. When the circuit
// is open and the cooldown has not elapsed, it fails fast with a
// *CircuitOpenError and the operation is never invoked. When the cooldown
// has elapsed exactly one concurrent caller gets the half-open trial
// slot; the rest fail fast.
func (b *Breaker) Protect(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	opErr := op(ctx)
	b.record(opErr == nil)
	return opErr
}

// State returns the current circuit state, applying the lazy open→half-open
// transition when the cooldown has elapsed.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && time.Since(b.lastFailureTime) >= b.config.ResetTimeout {
		b.state = CircuitHalfOpen
		b.consecutiveSuccesses = 0
		b.trialInFlight = false
	}
	return b.state
}

// allow decides whether a call may proceed, claiming the trial slot when
// transitioning to half-open.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		elapsed := time.Since(b.lastFailureTime)
		if elapsed < b.config.ResetTimeout {
			return &CircuitOpenError{
				Dependency: b.dependency,
				RetryAfter: b.config.ResetTimeout - elapsed,
			}
		}
		// Cooldown elapsed: this caller becomes the trial call.
		b.state = CircuitHalfOpen
		b.consecutiveSuccesses = 0
		b.trialInFlight = true
		return nil

	case CircuitHalfOpen:
		if b.trialInFlight {
			return &CircuitOpenError{
				Dependency: b.dependency,
				RetryAfter: b.config.ResetTimeout,
			}
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// record applies a call outcome to the state machine.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	b.trialInFlight = false
	prev := b.state

	if success {
		b.consecutiveFailures = 0
		if b.state == CircuitHalfOpen {
			b.consecutiveSuccesses++
			if b.consecutiveSuccesses >= b.config.SuccessThreshold {
				b.state = CircuitClosed
				b.consecutiveSuccesses = 0
			}
		}
	} else {
		b.lastFailureTime = time.Now()
		b.consecutiveSuccesses = 0
		if b.state == CircuitHalfOpen {
			b.state = CircuitOpen
			b.consecutiveFailures = 1
		} else {
			b.consecutiveFailures++
			if b.consecutiveFailures >= b.config.MaxFailures {
				b.state = CircuitOpen
			}
		}
	}

	hook := b.onStateChange
	state := b.state
	changed := state != prev
	b.mu.Unlock()

	if changed && hook != nil {
		hook(b.dependency, state)
	}
}

// Stats returns diagnostic information about the breaker.
func (b *Breaker) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"dependency":           b.dependency,
		"state":                b.state.String(),
		"consecutive_failures": b.consecutiveFailures,
		"max_failures":         b.config.MaxFailures,
		"reset_timeout":        b.config.ResetTimeout.String(),
	}
}

// BreakerSet manages per-dependency circuit breakers sharing one config.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   BreakerConfig
	onChange func(dependency string, state CircuitState)
}

// NewBreakerSet creates a set with the given shared config.
func NewBreakerSet(config BreakerConfig) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

// OnStateChange registers a hook applied to all breakers in the set.
func (s *BreakerSet) OnStateChange(fn func(dependency string, state CircuitState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
	for _, b := range s.breakers {
		b.OnStateChange(fn)
	}
}

// Get returns the breaker for the dependency, creating it if absent.
func (s *BreakerSet) Get(dependency string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[dependency]
	if !ok {
		b = NewBreaker(dependency, s.config)
		if s.onChange != nil {
			b.OnStateChange(s.onChange)
		}
		s.breakers[dependency] = b
	}
	return b
}

// Protect runs op under the named dependency's breaker.
func (s *BreakerSet) Protect(ctx context.Context, dependency string, op func(ctx context.Context) error) error {
	return s.Get(dependency).Protect(ctx, op)
}
