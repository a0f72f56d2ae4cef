package pipeline

import (
	"context"

	"github.com/koalafacts/heromessaging-go/envelope"
)

// Processor is a single stage in the decorator chain. Every decorator
// and the terminal handler implement this interface, so the chain is
// just nested Processor.Process calls - outermost decorator runs first
// on entry and last on return.
type Processor interface {
	Process(ctx context.Context, env *envelope.Envelope) Outcome
}

// ProcessorFunc adapts a plain function to a Processor.
type ProcessorFunc func(ctx context.Context, env *envelope.Envelope) Outcome

func (f ProcessorFunc) Process(ctx context.Context, env *envelope.Envelope) Outcome {
	return f(ctx, env)
}

// Decorator wraps a Processor to produce a new Processor, the building
// block the Builder composes in order.
type Decorator func(next Processor) Processor

// Builder assembles an immutable decorator chain around a terminal
// handler. Once Build is called the chain cannot be modified - matching
// the chain fixed once built, no runtime rewiring.
type Builder struct {
	decorators []Decorator
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Use appends a decorator. Decorators are applied in the order added:
// the first one added is outermost (runs first on entry).
func (b *Builder) Use(d Decorator) *Builder {
	b.decorators = append(b.decorators, d)
	return b
}

// Build wraps handler with every registered decorator, outermost first.
func (b *Builder) Build(handler Processor) Processor {
	wrapped := handler
	for i := len(b.decorators) - 1; i >= 0; i-- {
		wrapped = b.decorators[i](wrapped)
	}
	return wrapped
}

// contextKey namespaces values this package stores on context.Context.
type contextKey string

const scopedMapKey contextKey = "pipeline.scopedMap"

// ScopedValues returns the per-invocation scratch map that custom
// decorators and handlers can use to pass data to each other, or nil if
// WithScopedValues was not called on ctx. The built-in decorators do not
// read or write it.
func ScopedValues(ctx context.Context) map[string]any {
	if m, ok := ctx.Value(scopedMapKey).(map[string]any); ok {
		return m
	}
	return nil
}

// WithScopedValues installs a fresh scratch map on ctx. The root Bus
// calls it once per dispatched envelope, before entering the chain.
func WithScopedValues(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopedMapKey, make(map[string]any))
}
