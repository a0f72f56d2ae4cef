package resilience

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter wraps golang.org/x/time/rate. ConnectionPolicy.Execute
// consults it, when set, before each attempt.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a limiter allowing perSecond events/sec with a
// burst of burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a token is available or ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Allow reports whether a token is immediately available, consuming it
// if so, without blocking.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// SetLimit adjusts the rate at runtime (e.g. operator-driven throttling).
func (r *RateLimiter) SetLimit(perSecond float64) {
	r.limiter.SetLimit(rate.Limit(perSecond))
}
