package dispatch

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/koalafacts/heromessaging-go/envelope"
	"github.com/koalafacts/heromessaging-go/pipeline"
)

// DispatchMode controls how EventBus.Publish invokes its handlers.
type DispatchMode int

const (
	// Sequential invokes handlers one at a time in registration order,
	// stopping at the first failure.
	Sequential DispatchMode = iota
	// Parallel invokes all handlers concurrently and aggregates every
	// failure into a single ErrKindAggregate Outcome.
	Parallel
)

// EventBus fans an event envelope out to every handler registered for
// its Type, unlike Mediator's single-handler routing.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]pipeline.Processor
	mode     DispatchMode

	continueOnFailure bool
}

// NewEventBus creates an EventBus dispatching in the given mode.
func NewEventBus(mode DispatchMode) *EventBus {
	return &EventBus{handlers: make(map[string][]pipeline.Processor), mode: mode}
}

// ContinueOnFailure makes sequential publishing keep invoking the
// remaining handlers after one fails, aggregating every failure into a
// single outcome, instead of stopping at the first failure. Has no
// effect in Parallel mode, which always runs every handler.
func (b *EventBus) ContinueOnFailure() *EventBus {
	b.continueOnFailure = true
	return b
}

// Subscribe adds another handler for messageType; multiple handlers may
// subscribe to the same type, unlike Mediator.Register.
func (b *EventBus) Subscribe(messageType string, handler pipeline.Processor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[messageType] = append(b.handlers[messageType], handler)
}

// Publish dispatches env to every subscribed handler for its Type. With
// zero subscribers, Publish returns Success (events with no listener are
// not an error, unlike Mediator's NoHandler failure for commands).
func (b *EventBus) Publish(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
	b.mu.RLock()
	handlers := append([]pipeline.Processor(nil), b.handlers[env.Type]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return pipeline.Success(nil)
	}

	if b.mode == Sequential {
		return b.publishSequential(ctx, env, handlers)
	}
	return b.publishParallel(ctx, env, handlers)
}

func (b *EventBus) publishSequential(ctx context.Context, env *envelope.Envelope, handlers []pipeline.Processor) pipeline.Outcome {
	var combined *multierror.Error
	for _, h := range handlers {
		outcome := h.Process(ctx, env)
		if outcome.IsFailure() {
			if !b.continueOnFailure {
				return outcome
			}
			combined = multierror.Append(combined, outcome.Err())
		}
	}
	if combined != nil {
		return pipeline.Failure(pipeline.NewError(
			pipeline.ErrKindAggregate,
			"EVENT_HANDLERS_FAILED",
			combined.Error(),
		).WithCause(combined))
	}
	return pipeline.Success(nil)
}

func (b *EventBus) publishParallel(ctx context.Context, env *envelope.Envelope, handlers []pipeline.Processor) pipeline.Outcome {
	outcomes := make([]pipeline.Outcome, len(handlers))

	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h pipeline.Processor) {
			defer wg.Done()
			outcomes[i] = h.Process(ctx, env)
		}(i, h)
	}
	wg.Wait()

	var combined *multierror.Error
	for _, outcome := range outcomes {
		if outcome.IsFailure() {
			combined = multierror.Append(combined, outcome.Err())
		}
	}
	if combined == nil {
		return pipeline.Success(nil)
	}

	return pipeline.Failure(pipeline.NewError(
		pipeline.ErrKindAggregate,
		"EVENT_HANDLERS_FAILED",
		combined.Error(),
	).WithCause(combined))
}
