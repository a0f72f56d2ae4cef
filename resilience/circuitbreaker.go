package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/koalafacts/heromessaging-go/internal/common/metrics"
)

// CircuitBreakerConfig configures a CircuitBreaker's trip and recovery
// behavior.
type CircuitBreakerConfig struct {
	Enabled     bool
	Name        string
	MaxRequests uint32        // half-open trial requests allowed through
	Interval    time.Duration // closed-state rolling window (sampling duration)
	Timeout     time.Duration // open -> half-open transition delay (break duration)

	// FailureThreshold trips the breaker once ConsecutiveFailures
	// reaches this count within Interval (FailureThreshold=2 trips on
	// the second consecutive failure). Takes precedence over
	// TripRatio/MinRequests when non-zero.
	FailureThreshold uint32

	TripRatio   float64 // fraction of failed requests that trips the breaker, used only when FailureThreshold is 0
	MinRequests uint32  // minimum requests before TripRatio is evaluated, used only when FailureThreshold is 0

	// OnStateChange is invoked whenever the breaker transitions, in
	// addition to the built-in state gauge update.
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultCircuitBreakerConfig allows 10 half-open requests over a 60s
// window, a 50% trip ratio fallback, a 5s open timeout, and a
// consecutive-failure threshold of 5.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		Name:             name,
		MaxRequests:      10,
		Interval:         60 * time.Second,
		Timeout:          5 * time.Second,
		FailureThreshold: 5,
		TripRatio:        0.5,
		MinRequests:      10,
	}
}

// CircuitBreaker wraps sony/gobreaker with this library's config
// shape.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	cb  *gobreaker.CircuitBreaker
}

// NewCircuitBreaker builds a CircuitBreaker from cfg. When cfg.Enabled
// is false, Execute bypasses the breaker entirely.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if !cfg.Enabled {
		return &CircuitBreaker{cfg: cfg}
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.FailureThreshold > 0 {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.TripRatio
		},
	}
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		if cfg.OnStateChange != nil {
			cfg.OnStateChange(name, from, to)
		}
	}

	return &CircuitBreaker{cfg: cfg, cb: gobreaker.NewCircuitBreaker(settings)}
}

// ErrCircuitOpen wraps gobreaker's open-state sentinel so callers can
// type-assert it into a pipeline.ErrKindCircuitOpen failure.
var ErrCircuitOpen = gobreaker.ErrOpenState

// Execute runs fn through the breaker, or directly if disabled.
func (b *CircuitBreaker) Execute(fn func() (any, error)) (any, error) {
	if b.cb == nil {
		return fn()
	}
	return b.cb.Execute(fn)
}

// State reports the current breaker state; returns gobreaker.StateClosed
// for a disabled breaker.
func (b *CircuitBreaker) State() gobreaker.State {
	if b.cb == nil {
		return gobreaker.StateClosed
	}
	return b.cb.State()
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitBreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitBreakerHalfOpen
	default:
		return metrics.CircuitBreakerClosed
	}
}

// ExecuteContext adapts Execute to a context-aware function signature
// for callers that want cancellation to still apply inside fn.
func (b *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	return b.Execute(func() (any, error) {
		return fn(ctx)
	})
}
