package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

type transientErr struct{}

func (transientErr) Error() string   { return "transient" }
func (transientErr) Retryable() bool { return true }

type permanentErr struct{}

func (permanentErr) Error() string   { return "permanent" }
func (permanentErr) Retryable() bool { return false }

func TestRetryPolicyRetriesTransientUntilSuccess(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}

	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		attempts++
		if attempts < 3 {
			return transientErr{}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryPolicyStopsOnNonRetryableError(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}

	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		attempts++
		return permanentErr{}
	})
	if !errors.As(err, &permanentErr{}) {
		t.Fatalf("expected the permanent error back, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestRetryPolicyExhaustsAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		attempts++
		return transientErr{}
	})
	if err == nil {
		t.Fatal("expected the last error back")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryPolicyHonorsCancellation(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts++
		return transientErr{}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected cancellation during the first backoff, got %d attempts", attempts)
	}
}

func TestRetryPolicyDelayCapsAtMaxDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}

	if got := p.delayFor(1); got != 10*time.Millisecond {
		t.Fatalf("attempt 1 delay = %v, want 10ms", got)
	}
	if got := p.delayFor(2); got != 20*time.Millisecond {
		t.Fatalf("attempt 2 delay = %v, want 20ms", got)
	}
	if got := p.delayFor(5); got != 40*time.Millisecond {
		t.Fatalf("attempt 5 delay = %v, want capped 40ms", got)
	}
}

func TestCircuitBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Enabled:          true,
		Name:             "test",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          100 * time.Millisecond,
		FailureThreshold: 2,
	})

	fail := func() (any, error) { return nil, errors.New("boom") }

	// Two failures trip the breaker; the third call is rejected without
	// reaching the wrapped function.
	for i := 0; i < 2; i++ {
		if _, err := cb.Execute(fail); err == nil {
			t.Fatalf("call %d: expected failure", i+1)
		}
	}

	invoked := false
	_, err := cb.Execute(func() (any, error) {
		invoked = true
		return nil, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if invoked {
		t.Fatal("open breaker must not invoke the wrapped function")
	}

	// After the break duration, one probe is admitted; success closes it.
	time.Sleep(150 * time.Millisecond)
	if _, err := cb.Execute(func() (any, error) { return "ok", nil }); err != nil {
		t.Fatalf("expected half-open probe to succeed, got %v", err)
	}
	if _, err := cb.Execute(func() (any, error) { return "ok", nil }); err != nil {
		t.Fatalf("expected closed breaker to pass calls, got %v", err)
	}
}

func TestCircuitBreakerDisabledPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Enabled: false})
	for i := 0; i < 20; i++ {
		if _, err := cb.Execute(func() (any, error) { return nil, errors.New("boom") }); err == nil {
			t.Fatal("expected the underlying error back")
		}
	}
	// Never trips: the next call still reaches the function.
	invoked := false
	cb.Execute(func() (any, error) { invoked = true; return nil, nil })
	if !invoked {
		t.Fatal("disabled breaker must always invoke the wrapped function")
	}
}

func TestConnectionPolicyRetriesThroughBreaker(t *testing.T) {
	policy := NewConnectionPolicy(
		RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		NewCircuitBreaker(CircuitBreakerConfig{Enabled: true, Name: "conn", MaxRequests: 1, Interval: time.Minute, Timeout: time.Second, FailureThreshold: 10}),
		nil,
	)

	attempts := 0
	err := policy.Execute(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRateLimiterAllowRespectsBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	if !rl.Allow() || !rl.Allow() {
		t.Fatal("expected the burst to admit 2 immediate events")
	}
	if rl.Allow() {
		t.Fatal("expected the third immediate event to be limited")
	}
}
