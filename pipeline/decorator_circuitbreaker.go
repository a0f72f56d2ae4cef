package pipeline

import (
	"context"
	"errors"

	"github.com/koalafacts/heromessaging-go/envelope"
	"github.com/koalafacts/heromessaging-go/resilience"
)

// WithCircuitBreaker wraps next with a resilience.CircuitBreaker,
// translating an open circuit into a CircuitOpen failure.
func WithCircuitBreaker(breaker *resilience.CircuitBreaker) Decorator {
	return func(next Processor) Processor {
		return ProcessorFunc(func(ctx context.Context, env *envelope.Envelope) Outcome {
			result, err := breaker.Execute(func() (any, error) {
				outcome := next.Process(ctx, env)
				if outcome.IsFailure() {
					return outcome, outcome.Err()
				}
				return outcome, nil
			})
			if err != nil {
				if errors.Is(err, resilience.ErrCircuitOpen) {
					return Failure(NewError(ErrKindCircuitOpen, "CIRCUIT_OPEN", "circuit breaker is open").WithCause(err))
				}
				if outcome, ok := result.(Outcome); ok {
					return outcome
				}
				return Failure(NewError(ErrKindInternal, "CIRCUIT_EXEC_ERROR", err.Error()).WithCause(err))
			}
			return result.(Outcome)
		})
	}
}
