// Package dispatch implements the two message-routing patterns this
// library offers: Mediator (exactly one handler per command/query) and
// EventBus (zero or more handlers per event). Routing keys off the
// envelope's Type tag, never reflection.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/koalafacts/heromessaging-go/envelope"
	"github.com/koalafacts/heromessaging-go/pipeline"
)

// HandlerFunc handles a single envelope and returns an Outcome.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome

// Mediator routes a command/query envelope to exactly one registered
// handler by its Type tag, failing with ErrKindNoHandler if none is
// registered and ErrKindConfiguration if more than one attempts to
// register for the same type.
type Mediator struct {
	mu       sync.RWMutex
	handlers map[string]pipeline.Processor
}

// NewMediator creates an empty Mediator.
func NewMediator() *Mediator {
	return &Mediator{handlers: make(map[string]pipeline.Processor)}
}

// Register binds messageType to a handler, optionally wrapped in a
// decorator chain via pipeline.BuildChain before calling this. Returns
// an error if messageType is already registered - a Mediator holds
// single-handler semantics, unlike EventBus.
func (m *Mediator) Register(messageType string, handler pipeline.Processor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handlers[messageType]; exists {
		return pipeline.NewError(
			pipeline.ErrKindConfiguration,
			"HANDLER_ALREADY_REGISTERED",
			fmt.Sprintf("handler already registered for message type %q", messageType),
		)
	}
	m.handlers[messageType] = handler
	return nil
}

// Send dispatches env to its registered handler.
func (m *Mediator) Send(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
	m.mu.RLock()
	handler, ok := m.handlers[env.Type]
	m.mu.RUnlock()

	if !ok {
		return pipeline.Failure(pipeline.NewError(
			pipeline.ErrKindNoHandler,
			"NO_HANDLER_REGISTERED",
			fmt.Sprintf("no handler registered for message type %q", env.Type),
		))
	}
	return handler.Process(ctx, env)
}
