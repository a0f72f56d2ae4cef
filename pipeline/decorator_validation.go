package pipeline

import (
	"context"

	"github.com/koalafacts/heromessaging-go/envelope"
)

// Validator checks a payload before it reaches the handler. Returning a
// non-nil error fails the invocation with ErrKindValidation without
// invoking any decorator further down the chain.
type Validator func(env *envelope.Envelope) error

// WithValidation is the outermost decorator in the canonical chain
// (Validation -> Idempotency -> Batch -> Retry -> CircuitBreaker ->
// Transaction -> Handler): reject malformed envelopes before any
// idempotency lookup or retry budget is spent on them.
func WithValidation(validate Validator) Decorator {
	return func(next Processor) Processor {
		return ProcessorFunc(func(ctx context.Context, env *envelope.Envelope) Outcome {
			if err := validate(env); err != nil {
				return Failure(NewError(ErrKindValidation, "VALIDATION_FAILED", err.Error()).WithCause(err))
			}
			return next.Process(ctx, env)
		})
	}
}
