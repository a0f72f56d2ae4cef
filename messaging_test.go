package heromessaging

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koalafacts/heromessaging-go/config"
	"github.com/koalafacts/heromessaging-go/envelope"
	"github.com/koalafacts/heromessaging-go/inbox"
	"github.com/koalafacts/heromessaging-go/pipeline"
	"github.com/koalafacts/heromessaging-go/queue"
	"github.com/koalafacts/heromessaging-go/saga"
	"github.com/koalafacts/heromessaging-go/storage/memstore"
)

func newTestQueue(t *testing.T) queue.Queue {
	t.Helper()
	return queue.NewChannelQueue(16, queue.Block)
}

func commandOfType(messageType string, payload any) *envelope.Envelope {
	env := envelope.New(envelope.KindCommand, payload)
	env.Type = messageType
	return env
}

func eventOfType(messageType string, payload any) *envelope.Envelope {
	env := envelope.New(envelope.KindEvent, payload)
	env.Type = messageType
	return env
}

func TestBusSendRoutesToRegisteredHandler(t *testing.T) {
	bus, err := NewBus(config.Default(), Stores{})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}

	if err := bus.RegisterHandler("order.create", func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
		return pipeline.Success("created")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	outcome := bus.Send(context.Background(), commandOfType("order.create", nil))
	if !outcome.IsSuccess() {
		t.Fatalf("expected success, got %v", outcome.Err())
	}
	if got := outcome.Value().(string); got != "created" {
		t.Fatalf("expected handler result, got %q", got)
	}
}

func TestBusSendUnknownCommandFailsWithNoHandler(t *testing.T) {
	bus, err := NewBus(config.Default(), Stores{})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}

	outcome := bus.Send(context.Background(), commandOfType("order.unknown", nil))
	if !outcome.IsFailure() || outcome.Err().Kind != pipeline.ErrKindNoHandler {
		t.Fatalf("expected NoHandler failure, got %+v", outcome)
	}
}

func TestBusPublishReachesEverySubscriber(t *testing.T) {
	bus, err := NewBus(config.Default(), Stores{})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		bus.Subscribe("order.created", func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
			calls.Add(1)
			return pipeline.Success(nil)
		})
	}

	outcome := bus.Publish(context.Background(), eventOfType("order.created", nil))
	if !outcome.IsSuccess() {
		t.Fatalf("expected success, got %v", outcome.Err())
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 subscriber invocations, got %d", got)
	}
}

func TestBusProcessIncomingDeduplicates(t *testing.T) {
	bus, err := NewBus(config.Default(), Stores{})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}

	var calls atomic.Int32
	bus.Subscribe("order.created", func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
		calls.Add(1)
		return pipeline.Success(nil)
	})

	env := eventOfType("order.created", nil)
	ctx := context.Background()

	first, err := bus.ProcessIncoming(ctx, env, inbox.Options{})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first != inbox.ResultProcessed {
		t.Fatalf("expected Processed, got %v", first)
	}

	second, err := bus.ProcessIncoming(ctx, env, inbox.Options{})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second != inbox.ResultDuplicate {
		t.Fatalf("expected Duplicate, got %v", second)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single handler invocation, got %d", got)
	}
}

func TestBusOutboxStagesAndDrains(t *testing.T) {
	cfg := config.Default()
	cfg.Outbox.PollInterval = 10 * time.Millisecond
	cfg.Outbox.RecoveryInterval = time.Minute

	bus, err := NewBus(cfg, Stores{})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}

	bus.RegisterPayloadType("order.created", func() any { return &orderPlaced{} })

	delivered := make(chan struct{}, 1)
	bus.Subscribe("order.created", func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
		select {
		case delivered <- struct{}{}:
		default:
		}
		return pipeline.Success(nil)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := bus.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer bus.Stop(context.Background())

	env := eventOfType("order.created", orderPlaced{OrderID: "o-1", Total: 5})
	if err := bus.PublishToOutbox(ctx, env); err != nil {
		t.Fatalf("publish to outbox: %v", err)
	}

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the outbox processor to drain the entry")
	}
}

func TestBusQueueEnqueueDispatchesThroughConsumers(t *testing.T) {
	bus, err := NewBus(config.Default(), Stores{})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}

	delivered := make(chan string, 1)
	bus.Subscribe("work.item", func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
		delivered <- env.Payload.(string)
		return pipeline.Success(nil)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := newTestQueue(t)
	bus.StartQueue(ctx, "work", q, 1)
	defer bus.StopQueue("work")

	if err := bus.Enqueue(ctx, "work", eventOfType("work.item", "payload-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case got := <-delivered:
		if got != "payload-1" {
			t.Fatalf("expected payload-1, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the queue consumer")
	}
}

func TestBusEnqueueUnknownQueueFails(t *testing.T) {
	bus, err := NewBus(config.Default(), Stores{})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	if err := bus.Enqueue(context.Background(), "missing", eventOfType("work.item", nil)); err == nil {
		t.Fatal("expected an error for an unstarted queue")
	}
}

func TestBusScheduleReturnsCancellableID(t *testing.T) {
	bus, err := NewBus(config.Default(), Stores{})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}

	env := envelope.New(envelope.KindEvent, "payload")
	id, err := bus.Schedule(context.Background(), env, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty scheduled id")
	}

	if err := bus.CancelScheduled(context.Background(), id); err != nil {
		t.Fatalf("CancelScheduled: %v", err)
	}
}

func TestBusScheduleDeliversDueEnvelope(t *testing.T) {
	bus, err := NewBus(config.Default(), Stores{})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}

	delivered := make(chan struct{}, 1)
	bus.Subscribe("reminder.due", func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
		select {
		case delivered <- struct{}{}:
		default:
		}
		return pipeline.Success(nil)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := bus.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer bus.Stop(context.Background())

	if _, err := bus.Schedule(ctx, eventOfType("reminder.due", nil), time.Now().Add(30*time.Millisecond)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	select {
	case <-delivered:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for scheduled delivery")
	}
}

func TestBusSagaLifecycleThroughPublish(t *testing.T) {
	sagas := memstore.NewSagaRepository()
	bus, err := NewBus(config.Default(), Stores{Saga: sagas})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}

	type orderData struct {
		Paid bool `json:"paid"`
	}
	def := saga.NewDefinition("order", "order.created", func() any { return &orderData{} })
	def.When(saga.InitialState, "order.created", func(data any, env *envelope.Envelope) (saga.Effect, error) {
		return saga.Effect{Action: saga.ActionTransition, NextState: "PaymentPending"}, nil
	})
	def.When("PaymentPending", "payment.received", func(data any, env *envelope.Envelope) (saga.Effect, error) {
		return saga.Effect{Action: saga.ActionComplete, Data: &orderData{Paid: true}}, nil
	})
	bus.RegisterSaga(def, "")

	ctx := context.Background()
	created := eventOfType("order.created", nil)
	created.CorrelationID = "order-77"
	if outcome := bus.Publish(ctx, created); !outcome.IsSuccess() {
		t.Fatalf("publish order.created: %v", outcome.Err())
	}

	paid := eventOfType("payment.received", nil)
	paid.CorrelationID = "order-77"
	if outcome := bus.Publish(ctx, paid); !outcome.IsSuccess() {
		t.Fatalf("publish payment.received: %v", outcome.Err())
	}

	inst, err := sagas.GetByCorrelationID(ctx, "order-77")
	if err != nil {
		t.Fatalf("load saga: %v", err)
	}
	if !inst.IsCompleted {
		t.Fatal("expected the saga completed after payment")
	}
	if inst.Version != 2 {
		t.Fatalf("expected Version=2 after create+update, got %d", inst.Version)
	}
}

func TestNewBusRequiresLeaderStoreWhenEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.Leader.Enabled = true

	if _, err := NewBus(cfg, Stores{}); err == nil {
		t.Fatal("expected a configuration error without a leader store")
	}
}
