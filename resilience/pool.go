package resilience

import "context"

// ConnectionPolicy composes a RetryPolicy, CircuitBreaker, and
// RateLimiter behind a single Execute call, so a storage adapter gets
// resilience without reimplementing it per backend.
type ConnectionPolicy struct {
	Retry   RetryPolicy
	Breaker *CircuitBreaker
	Limiter *RateLimiter
}

// NewConnectionPolicy builds a ConnectionPolicy from the given pieces.
// Breaker and Limiter may be nil to opt out of that layer.
func NewConnectionPolicy(retry RetryPolicy, breaker *CircuitBreaker, limiter *RateLimiter) *ConnectionPolicy {
	return &ConnectionPolicy{Retry: retry, Breaker: breaker, Limiter: limiter}
}

// DefaultConnectionPolicy wires sensible defaults for a storage adapter:
// 3 attempts, a named circuit breaker, and no rate limiting.
func DefaultConnectionPolicy(name string) *ConnectionPolicy {
	return &ConnectionPolicy{
		Retry:   DefaultRetryPolicy(),
		Breaker: NewCircuitBreaker(DefaultCircuitBreakerConfig(name)),
	}
}

// retryableError marks an error as retryable for RetryPolicy.Do without
// requiring callers to define their own wrapper type.
type retryableError struct{ msg string }

func (e *retryableError) Error() string   { return e.msg }
func (e *retryableError) Retryable() bool { return true }

// Execute runs fn, applying the rate limiter (if set), circuit breaker
// (if set), and retry policy, in that order - the limiter throttles
// attempts, the breaker fails fast when the dependency is unhealthy, and
// the retry policy only re-invokes fn when the breaker let the attempt
// through.
func (p *ConnectionPolicy) Execute(ctx context.Context, fn func() error) error {
	return p.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		if p.Limiter != nil && !p.Limiter.Allow() {
			return &retryableError{msg: "rate limited"}
		}
		if p.Breaker != nil {
			_, err := p.Breaker.Execute(func() (any, error) {
				return nil, fn()
			})
			return err
		}
		return fn()
	})
}
