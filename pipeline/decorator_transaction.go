package pipeline

import (
	"context"

	"github.com/koalafacts/heromessaging-go/envelope"
)

// UnitOfWork is the innermost decorator's transactional boundary:
// Commit is only reachable after the wrapped handler succeeds, and
// Rollback runs on any failure so a handler never needs its own
// recovery around storage writes.
type UnitOfWork interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// UnitOfWorkFactory builds a fresh UnitOfWork per invocation, since a
// transaction handle is not safe to reuse across concurrent messages.
type UnitOfWorkFactory func(ctx context.Context) (UnitOfWork, error)

// WithTransaction is the innermost decorator before the handler: it
// opens a unit of work, runs next, and commits on success or rolls back
// on failure/panic.
func WithTransaction(newUOW UnitOfWorkFactory) Decorator {
	return func(next Processor) Processor {
		return ProcessorFunc(func(ctx context.Context, env *envelope.Envelope) (outcome Outcome) {
			uow, err := newUOW(ctx)
			if err != nil {
				return Failure(NewError(ErrKindInternal, "UOW_OPEN_FAILED", err.Error()).WithCause(err))
			}

			defer func() {
				if r := recover(); r != nil {
					_ = uow.Rollback(ctx)
					panic(r)
				}
			}()

			outcome = next.Process(ctx, env)

			if outcome.IsSuccess() {
				if commitErr := uow.Commit(ctx); commitErr != nil {
					return Failure(NewError(ErrKindInternal, "UOW_COMMIT_FAILED", commitErr.Error()).WithCause(commitErr))
				}
				return outcome
			}

			if rollbackErr := uow.Rollback(ctx); rollbackErr != nil {
				return Failure(NewError(ErrKindInternal, "UOW_ROLLBACK_FAILED", rollbackErr.Error()).WithCause(rollbackErr))
			}
			return outcome
		})
	}
}
