package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/novagraph/graphex/pkg/schema"
)

// RetryPolicy controls backoff for transient stage failures and for
// scheduling suspended runs.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Rand is injectable for deterministic tests. Defaults to rand.Float64.
	Rand func() float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
	}
}

// Delay returns the full-jitter backoff delay for the given attempt
// (1-based). The jittered delay is uniform in [0, min(MaxDelay, base*mult^(n-1))].
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if max := float64(p.MaxDelay); ceiling > max {
		ceiling = max
	}
	randFloat := p.Rand
	if randFloat == nil {
		randFloat = rand.Float64
	}
	return time.Duration(randFloat() * ceiling)
}

// Exhausted reports whether the attempt count has used up the retry budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// IsRetryableError classifies an error as transient (worth another attempt)
// or permanent. Cancellation is never retryable; an open circuit is, once
// its cooldown passes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var openErr *CircuitOpenError
	if errors.As(err, &openErr) {
		return true
	}
	var gerr *schema.GraphexError
	if errors.As(err, &gerr) {
		return gerr.IsRetryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporarily unavailable",
		"too many requests",
		"service unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// WaitForBackoff sleeps for the given delay, returning early when the
// context is done or the run's cancellation signal is raised. A nil signal
// channel is allowed and never fires.
func WaitForBackoff(ctx context.Context, delay time.Duration, cancelled <-chan struct{}) error {
	if delay <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cancelled:
			return schema.NewError(schema.ErrCodeCancelled, "extraction cancelled")
		default:
			return nil
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-cancelled:
		return schema.NewError(schema.ErrCodeCancelled, "extraction cancelled")
	}
}
