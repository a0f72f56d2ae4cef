// Package resilience provides the retry, circuit-breaking, rate
// limiting, and connection-policy primitives the pipeline's decorators
// and the outbox/scheduler pollers compose.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy implements exponential backoff with jitter as a
// reusable, handler-agnostic policy.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of delay randomized, e.g. 0.2 = +/-20%
}

// DefaultRetryPolicy allows 3 attempts starting at a 1s backoff, with
// a ceiling so a flapping dependency can't stall a worker
// indefinitely.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// Retryable is implemented by errors that know whether a retry is
// worthwhile; Do stops immediately for a non-retryable error.
type Retryable interface {
	Retryable() bool
}

// Do invokes fn up to MaxAttempts times, sleeping with exponential
// backoff and jitter between attempts, stopping early if fn succeeds,
// ctx is cancelled, or the returned error declares itself non-retryable.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		var retryable Retryable
		if errors.As(lastErr, &retryable) && !retryable.Retryable() {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		delay := p.delayFor(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (p RetryPolicy) delayFor(attempt int) time.Duration {
	delay := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		jitterRange := float64(delay) * p.Jitter
		delay = delay - time.Duration(jitterRange) + time.Duration(rand.Float64()*2*jitterRange)
	}
	if delay < 0 {
		delay = p.BaseDelay
	}
	return delay
}
