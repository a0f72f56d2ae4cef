package dispatch

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/koalafacts/heromessaging-go/envelope"
	"github.com/koalafacts/heromessaging-go/pipeline"
)

func eventOfType(messageType string) *envelope.Envelope {
	env := envelope.New(envelope.KindEvent, nil)
	env.Type = messageType
	return env
}

func TestMediatorSendRoutesToRegisteredHandler(t *testing.T) {
	m := NewMediator()
	if err := m.Register("order.create", pipeline.ProcessorFunc(func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
		return pipeline.Success("created")
	})); err != nil {
		t.Fatalf("register: %v", err)
	}

	outcome := m.Send(context.Background(), eventOfType("order.create"))
	if !outcome.IsSuccess() {
		t.Fatalf("expected success, got %v", outcome.Err())
	}
	if got := outcome.Value().(string); got != "created" {
		t.Fatalf("expected handler result, got %q", got)
	}
}

func TestMediatorSendFailsWithNoHandler(t *testing.T) {
	m := NewMediator()

	outcome := m.Send(context.Background(), eventOfType("order.unknown"))
	if !outcome.IsFailure() {
		t.Fatal("expected failure outcome")
	}
	if outcome.Err().Kind != pipeline.ErrKindNoHandler {
		t.Fatalf("expected ErrKindNoHandler, got %v", outcome.Err().Kind)
	}
}

func TestMediatorRejectsDuplicateRegistration(t *testing.T) {
	m := NewMediator()
	handler := pipeline.ProcessorFunc(func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
		return pipeline.Success(nil)
	})

	if err := m.Register("order.create", handler); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := m.Register("order.create", handler); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestEventBusPublishWithNoSubscribersSucceeds(t *testing.T) {
	b := NewEventBus(Sequential)

	outcome := b.Publish(context.Background(), eventOfType("order.created"))
	if !outcome.IsSuccess() {
		t.Fatalf("expected success for unobserved event, got %v", outcome.Err())
	}
}

func TestEventBusSequentialStopsAtFirstFailure(t *testing.T) {
	b := NewEventBus(Sequential)

	var calls []string
	b.Subscribe("order.created", pipeline.ProcessorFunc(func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
		calls = append(calls, "first")
		return pipeline.Failure(pipeline.NewError(pipeline.ErrKindPermanent, "BOOM", "first handler failed"))
	}))
	b.Subscribe("order.created", pipeline.ProcessorFunc(func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
		calls = append(calls, "second")
		return pipeline.Success(nil)
	}))

	outcome := b.Publish(context.Background(), eventOfType("order.created"))
	if !outcome.IsFailure() {
		t.Fatal("expected failure outcome")
	}
	if len(calls) != 1 || calls[0] != "first" {
		t.Fatalf("expected only the first handler to run, got %v", calls)
	}
}

func TestEventBusSequentialContinueOnFailureAggregates(t *testing.T) {
	b := NewEventBus(Sequential).ContinueOnFailure()

	var calls int
	b.Subscribe("order.created", pipeline.ProcessorFunc(func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
		calls++
		return pipeline.Failure(pipeline.NewError(pipeline.ErrKindPermanent, "BOOM", "first handler failed"))
	}))
	b.Subscribe("order.created", pipeline.ProcessorFunc(func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
		calls++
		return pipeline.Success(nil)
	}))

	outcome := b.Publish(context.Background(), eventOfType("order.created"))
	if calls != 2 {
		t.Fatalf("expected both handlers to run, got %d calls", calls)
	}
	if !outcome.IsFailure() || outcome.Err().Kind != pipeline.ErrKindAggregate {
		t.Fatalf("expected aggregate failure, got %v", outcome)
	}
}

func TestEventBusParallelRunsAllAndAggregatesFailures(t *testing.T) {
	b := NewEventBus(Parallel)

	var calls atomic.Int32
	b.Subscribe("order.created", pipeline.ProcessorFunc(func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
		calls.Add(1)
		return pipeline.Failure(pipeline.NewError(pipeline.ErrKindPermanent, "BOOM_A", "handler a failed"))
	}))
	b.Subscribe("order.created", pipeline.ProcessorFunc(func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
		calls.Add(1)
		return pipeline.Failure(pipeline.NewError(pipeline.ErrKindPermanent, "BOOM_B", "handler b failed"))
	}))
	b.Subscribe("order.created", pipeline.ProcessorFunc(func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
		calls.Add(1)
		return pipeline.Success(nil)
	}))

	outcome := b.Publish(context.Background(), eventOfType("order.created"))
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected all 3 handlers to run, got %d", got)
	}
	if !outcome.IsFailure() {
		t.Fatal("expected failure outcome")
	}
	if outcome.Err().Kind != pipeline.ErrKindAggregate {
		t.Fatalf("expected ErrKindAggregate, got %v", outcome.Err().Kind)
	}
}

func TestEventBusParallelAllSucceed(t *testing.T) {
	b := NewEventBus(Parallel)

	var calls atomic.Int32
	for i := 0; i < 4; i++ {
		b.Subscribe("order.created", pipeline.ProcessorFunc(func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
			calls.Add(1)
			return pipeline.Success(nil)
		}))
	}

	outcome := b.Publish(context.Background(), eventOfType("order.created"))
	if !outcome.IsSuccess() {
		t.Fatalf("expected success, got %v", outcome.Err())
	}
	if got := calls.Load(); got != 4 {
		t.Fatalf("expected 4 handler invocations, got %d", got)
	}
}
