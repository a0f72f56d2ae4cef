package pipeline

import (
	"context"
	"time"

	"github.com/koalafacts/heromessaging-go/envelope"
	"github.com/koalafacts/heromessaging-go/idempotency"
)

// KeyFunc derives the idempotency cache key for an envelope. Defaults
// should use the producer-assigned MessageID; callers with a business
// key (e.g. "orderId:accepted") can supply their own.
type KeyFunc func(env *envelope.Envelope) string

// DefaultKeyFunc keys on MessageID, the standard dedup key.
func DefaultKeyFunc(env *envelope.Envelope) string {
	return env.MessageID.String()
}

// IdempotencyConfig configures the Idempotency decorator's TTLs for
// cached successes vs. failures - failures typically get a shorter TTL
// so a transient error doesn't poison retries for as long as a success.
type IdempotencyConfig struct {
	Store        idempotency.Store
	KeyFn        KeyFunc
	SuccessTTL   time.Duration
	FailureTTL   time.Duration
	// CacheFailures controls whether a Failure outcome is cached at all.
	// When false (the default zero value), failures are never cached so
	// a transient error doesn't get replayed as a cached Failure on
	// retry; only Success outcomes are cached in that case.
	CacheFailures bool
}

// WithIdempotency short-circuits a handler invocation whose key is
// already cached, returning Skipped for a cached success and Failure
// for a cached failure, without touching Batch/Retry/CircuitBreaker/
// Transaction below it.
func WithIdempotency(cfg IdempotencyConfig) Decorator {
	if cfg.KeyFn == nil {
		cfg.KeyFn = DefaultKeyFunc
	}
	return func(next Processor) Processor {
		return ProcessorFunc(func(ctx context.Context, env *envelope.Envelope) Outcome {
			key := cfg.KeyFn(env)

			if rec, err := cfg.Store.Get(ctx, key); err == nil {
				if rec.Success {
					return Skipped("idempotent replay: cached success for key " + key)
				}
				return Failure(NewError(ErrKindDuplicate, "CACHED_FAILURE", rec.FailureMsg))
			}

			outcome := next.Process(ctx, env)

			switch {
			case outcome.IsSuccess():
				_ = cfg.Store.StoreSuccess(ctx, key, nil, cfg.SuccessTTL)
			case outcome.IsFailure() && cfg.CacheFailures:
				_ = cfg.Store.StoreFailure(ctx, key, outcome.Err().Error(), cfg.FailureTTL)
			}
			return outcome
		})
	}
}
