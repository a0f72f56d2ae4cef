package pipeline

import (
	"context"

	"github.com/koalafacts/heromessaging-go/envelope"
	"github.com/koalafacts/heromessaging-go/resilience"
)

// WithRetry wraps next with resilience.RetryPolicy. Only Outcomes whose
// Error.Kind.Retryable() is true trigger another attempt.
func WithRetry(policy resilience.RetryPolicy) Decorator {
	return func(next Processor) Processor {
		return ProcessorFunc(func(ctx context.Context, env *envelope.Envelope) Outcome {
			var last Outcome
			err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
				last = next.Process(ctx, env)
				if last.IsFailure() {
					return retryableOutcomeError{last.Err()}
				}
				return nil
			})
			if err != nil && last.status != StatusFailure {
				return Failure(NewError(ErrKindInternal, "RETRY_LOOP_ERROR", err.Error()).WithCause(err))
			}
			return last
		})
	}
}

// retryableOutcomeError adapts a pipeline *Error into the
// resilience.Retryable interface so RetryPolicy.Do can decide whether to
// try again without depending on the pipeline package.
type retryableOutcomeError struct{ err *Error }

func (e retryableOutcomeError) Error() string   { return e.err.Error() }
func (e retryableOutcomeError) Retryable() bool { return e.err.Kind.Retryable() }
func (e retryableOutcomeError) Unwrap() error   { return e.err }
