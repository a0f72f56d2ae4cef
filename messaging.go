// Package heromessaging is an in-process messaging library: a typed
// envelope flows through a decorator pipeline to a Mediator (exactly
// one handler) or EventBus (zero or more handlers), with Outbox/Inbox
// staging, a Saga orchestrator, and a Scheduler available as optional
// building blocks. Bus wires every package into one facade so an
// application can start from zero configuration and grow into
// Mongo/Postgres-backed storage and leader-gated background workers
// without changing call sites.
package heromessaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koalafacts/heromessaging-go/config"
	"github.com/koalafacts/heromessaging-go/deadletter"
	"github.com/koalafacts/heromessaging-go/dispatch"
	"github.com/koalafacts/heromessaging-go/envelope"
	"github.com/koalafacts/heromessaging-go/idempotency"
	"github.com/koalafacts/heromessaging-go/inbox"
	"github.com/koalafacts/heromessaging-go/internal/common/leader"
	"github.com/koalafacts/heromessaging-go/internal/common/lifecycle"
	"github.com/koalafacts/heromessaging-go/internal/common/metrics"
	"github.com/koalafacts/heromessaging-go/outbox"
	"github.com/koalafacts/heromessaging-go/pipeline"
	"github.com/koalafacts/heromessaging-go/queue"
	"github.com/koalafacts/heromessaging-go/resilience"
	"github.com/koalafacts/heromessaging-go/saga"
	"github.com/koalafacts/heromessaging-go/scheduler"
	"github.com/koalafacts/heromessaging-go/storage"
	"github.com/koalafacts/heromessaging-go/storage/memstore"
	"github.com/koalafacts/heromessaging-go/storage/resilient"
)

// Stores bundles every storage.* adapter the Bus persists through. A
// caller that only wants the in-memory defaults can leave this zero;
// NewBus fills in memstore adapters for any nil field. Leader has no
// in-memory default - it only makes sense with a shared backend, so it
// is required exactly when cfg.Leader.Enabled is set.
type Stores struct {
	Outbox     storage.OutboxStore
	Inbox      storage.InboxStore
	DeadLetter storage.DeadLetterStore
	Saga       storage.SagaRepository
	Scheduled  storage.ScheduledMessageStore
	Leader     leader.Store
}

// Bus is the library's external entry point, implementing the
// Send/Publish/PublishToOutbox/Enqueue/ProcessIncoming/Schedule surface.
type Bus struct {
	cfg *config.Config

	registry *PayloadRegistry
	codec    *EnvelopeCodec

	mediator *dispatch.Mediator
	eventBus *dispatch.EventBus

	stores     Stores
	deadLetter *deadletter.Queue

	outboxProc *outbox.Processor
	inboxProc  *inbox.Processor

	scheduler      schedulerBackend
	sagaTimeoutReg *saga.TimeoutRegistry
	sagas          map[string]*saga.Orchestrator
	timeoutWorker  *saga.TimeoutWorker

	queues map[string]queue.Queue

	idemStore idempotency.Store

	elector *leader.Elector
	tree    *lifecycle.SupervisorTree

	running bool
}

// schedulerBackend is the subset of scheduler.InMemoryScheduler and
// scheduler.StorageScheduler the Bus depends on directly.
type schedulerBackend interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health() error
}

// NewBus builds a Bus from cfg, defaulting to storage/memstore adapters
// for any Stores field left nil and an in-memory scheduler when
// cfg.Storage.Backend is "memory". Pass config.Default() for a
// zero-config, all-in-memory Bus suitable for tests and single-process
// use.
func NewBus(cfg *config.Config, stores Stores) (*Bus, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if stores.Outbox == nil {
		stores.Outbox = memstore.NewOutboxStore()
	}
	if stores.Inbox == nil {
		stores.Inbox = memstore.NewInboxStore()
	}
	if stores.DeadLetter == nil {
		stores.DeadLetter = memstore.NewDeadLetterStore()
	}
	if stores.Saga == nil {
		stores.Saga = memstore.NewSagaRepository()
	}
	if stores.Scheduled == nil {
		stores.Scheduled = memstore.NewScheduledMessageStore()
	}

	// Persistent backends sit behind the resilient decorators so every
	// storage call gets the configured retry/breaker policy; the
	// in-memory adapters can't fail transiently and skip the wrapping.
	if cfg.Storage.Backend != "memory" {
		policy := resilience.NewConnectionPolicy(cfg.Resilience.Retry,
			resilience.NewCircuitBreaker(cfg.Resilience.CircuitBreaker), nil)
		stores.Outbox = resilient.NewOutboxStore(stores.Outbox, policy)
		stores.Inbox = resilient.NewInboxStore(stores.Inbox, policy)
		stores.DeadLetter = resilient.NewDeadLetterStore(stores.DeadLetter, policy)
		stores.Saga = resilient.NewSagaRepository(stores.Saga, policy)
		stores.Scheduled = resilient.NewScheduledMessageStore(stores.Scheduled, policy)
	}

	registry := NewPayloadRegistry()
	b := &Bus{
		cfg:            cfg,
		registry:       registry,
		codec:          NewEnvelopeCodec(registry),
		mediator:       dispatch.NewMediator(),
		eventBus:       dispatch.NewEventBus(dispatch.Sequential),
		stores:         stores,
		deadLetter:     deadletter.New(stores.DeadLetter),
		sagaTimeoutReg: saga.NewTimeoutRegistry(cfg.Saga.DefaultTimeoutEvent),
		sagas:          make(map[string]*saga.Orchestrator),
		queues:         make(map[string]queue.Queue),
	}

	switch cfg.Idempotency.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Idempotency.RedisAddr})
		b.idemStore = idempotency.NewRedisStore(client, "heromessaging:idem:")
	default:
		b.idemStore = idempotency.NewMemoryStore()
	}

	isPrimary := func() bool { return true }
	if cfg.Leader.Enabled {
		if stores.Leader == nil {
			return nil, pipeline.NewError(pipeline.ErrKindConfiguration, "LEADER_STORE_MISSING",
				"Leader.Enabled requires Stores.Leader (e.g. leader.NewMongoStore or leader.NewRedisStore)")
		}
		b.elector = leader.NewElector(stores.Leader, cfg.Leader.Config)
		isPrimary = b.elector.IsPrimary
	}

	b.outboxProc = outbox.NewProcessor(cfg.Outbox, stores.Outbox, busOutboxDispatcher{b}, b.deadLetter, isPrimary)
	b.inboxProc = inbox.New(cfg.Inbox, stores.Inbox, inboxDispatcherFunc(b.dispatchEnvelope))

	if cfg.Storage.Backend == "memory" {
		b.scheduler = scheduler.NewInMemoryScheduler(func(ctx context.Context, env *envelope.Envelope) {
			b.dispatchEnvelope(ctx, env)
		})
	} else {
		b.scheduler = scheduler.NewStorageScheduler(cfg.Scheduler, stores.Scheduled, schedulerDispatcherFunc(b.deliverScheduled), isPrimary)
	}

	tree := lifecycle.NewSupervisorTree(slog.Default(), lifecycle.DefaultTreeConfig())
	tree.AddStorageWorker(b.outboxProc)
	tree.AddStorageWorker(b.inboxProc)
	b.tree = tree

	return b, nil
}

// busOutboxDispatcher adapts the Bus's dispatch path to
// outbox.Dispatcher, decoding the staged wire payload back into the
// envelope PublishToOutbox marshalled.
type busOutboxDispatcher struct{ b *Bus }

func (d busOutboxDispatcher) Dispatch(ctx context.Context, entry *storage.OutboxEntry) (storage.OutboxStatus, error) {
	env, err := d.b.codec.Unmarshal(entry.Payload)
	if err != nil {
		return storage.OutboxPermanent, err
	}
	outcome := d.b.dispatchEnvelope(ctx, env)
	if outcome.IsFailure() {
		if outcome.Err().Kind.Retryable() {
			return storage.OutboxTransient, outcome.Err()
		}
		return storage.OutboxPermanent, outcome.Err()
	}
	return storage.OutboxSuccess, nil
}

// inboxDispatcherFunc adapts a plain function to inbox.Dispatcher.
type inboxDispatcherFunc func(ctx context.Context, env *envelope.Envelope) pipeline.Outcome

func (f inboxDispatcherFunc) Dispatch(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
	return f(ctx, env)
}

// schedulerDispatcherFunc adapts a plain function to scheduler.Dispatcher.
type schedulerDispatcherFunc func(ctx context.Context, msg *storage.ScheduledMessage) error

func (f schedulerDispatcherFunc) Deliver(ctx context.Context, msg *storage.ScheduledMessage) error {
	return f(ctx, msg)
}

func (b *Bus) deliverScheduled(ctx context.Context, msg *storage.ScheduledMessage) error {
	env, err := b.codec.Unmarshal(msg.Payload)
	if err != nil {
		return err
	}
	outcome := b.dispatchEnvelope(ctx, env)
	if outcome.IsFailure() {
		return outcome.Err()
	}
	return nil
}

// dispatchEnvelope routes env to the Mediator if it's a Command/Query,
// or to the EventBus if it's an Event.
func (b *Bus) dispatchEnvelope(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
	ctx = pipeline.WithScopedValues(ctx)
	if env.Kind == envelope.KindEvent {
		return b.eventBus.Publish(ctx, env)
	}
	return b.mediator.Send(ctx, env)
}

// RegisterPayloadType binds messageType to a factory so envelopes
// round-tripped through Outbox/Inbox/Scheduled storage decode Payload
// into the right concrete Go type.
func (b *Bus) RegisterPayloadType(messageType string, factory PayloadFactory) {
	b.registry.Register(messageType, factory)
}

// RegisterHandler wraps handler in the pipeline's canonical decorator
// chain and registers it with the Mediator for messageType.
func (b *Bus) RegisterHandler(messageType string, handler pipeline.ProcessorFunc, decorators ...pipeline.Decorator) error {
	chain := pipeline.NewBuilder()
	for _, d := range decorators {
		chain.Use(d)
	}
	return b.mediator.Register(messageType, chain.Build(handler))
}

// Subscribe registers handler as one of possibly many EventBus listeners
// for messageType.
func (b *Bus) Subscribe(messageType string, handler pipeline.ProcessorFunc, decorators ...pipeline.Decorator) {
	chain := pipeline.NewBuilder()
	for _, d := range decorators {
		chain.Use(d)
	}
	b.eventBus.Subscribe(messageType, chain.Build(handler))
}

// Send routes a command/query envelope straight to its Mediator
// handler, bypassing outbox staging - use this for request/response
// style calls where the caller wants the outcome synchronously.
func (b *Bus) Send(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
	return b.dispatchEnvelope(ctx, env)
}

// Publish routes an event envelope straight to every EventBus
// subscriber, synchronously and without outbox staging.
func (b *Bus) Publish(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
	return b.dispatchEnvelope(ctx, env)
}

// PublishToOutbox stages env for asynchronous, retried delivery through
// the Outbox processor instead of dispatching it inline.
func (b *Bus) PublishToOutbox(ctx context.Context, env *envelope.Envelope) error {
	payload, err := b.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("heromessaging: encode outbox payload: %w", err)
	}
	return b.stores.Outbox.Insert(ctx, &storage.OutboxEntry{
		ID:           env.MessageID.String(),
		MessageType:  env.Type,
		MessageGroup: env.EffectiveMessageGroup(),
		Payload:      payload,
		Status:       storage.OutboxPending,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	})
}

// ProcessIncoming runs env through the Inbox's dedup-then-dispatch
// algorithm, returning whether it was processed, failed, or was a
// duplicate of an already-seen message.
func (b *Bus) ProcessIncoming(ctx context.Context, env *envelope.Envelope, opts inbox.Options) (inbox.Result, error) {
	return b.inboxProc.ProcessIncoming(ctx, env, opts)
}

// Enqueue puts env onto the named in-process queue. The queue must
// already be running under that name (see StartQueue); otherwise
// Enqueue returns an error.
func (b *Bus) Enqueue(ctx context.Context, queueName string, env *envelope.Envelope) error {
	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("heromessaging: queue %q not started, call StartQueue first", queueName)
	}
	if err := q.Put(ctx, &queue.Item{Envelope: env, EnqueuedAt: time.Now()}); err != nil {
		return err
	}
	metrics.QueueDepth.WithLabelValues(queueName).Set(float64(q.Len()))
	return nil
}

// StartQueue registers q under queueName (replacing any queue already
// registered under that name) and launches consumer goroutines that drain it through the Mediator/EventBus, bounded by
// concurrency.
func (b *Bus) StartQueue(ctx context.Context, queueName string, q queue.Queue, concurrency int) {
	b.queues[queueName] = q
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		go b.runQueueConsumer(ctx, queueName, q)
	}
}

// StartConfiguredQueue builds the queue cfg.Queue describes (channel or
// ring, sized and tuned per configuration) and starts it under
// queueName. Use StartQueue to supply a queue built by hand.
func (b *Bus) StartConfiguredQueue(ctx context.Context, queueName string, concurrency int) (queue.Queue, error) {
	q, err := b.cfg.Queue.Build()
	if err != nil {
		return nil, err
	}
	b.StartQueue(ctx, queueName, q, concurrency)
	return q, nil
}

func (b *Bus) runQueueConsumer(ctx context.Context, queueName string, q queue.Queue) {
	for {
		item, lease, err := q.Take(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			continue
		}
		metrics.QueueDepth.WithLabelValues(queueName).Set(float64(q.Len()))
		outcome := b.dispatchEnvelope(ctx, item.Envelope)
		if outcome.IsFailure() {
			lease.Nack(0)
			continue
		}
		lease.Ack()
	}
}

// StopQueue closes the named queue, ending its consumer goroutines.
func (b *Bus) StopQueue(queueName string) {
	if q, ok := b.queues[queueName]; ok {
		q.Close()
		delete(b.queues, queueName)
	}
}

// RegisterSaga makes def's state machine reachable through the Bus:
// every Command/Event matching def's InitialTrigger or one of its
// bindings' event types is routed to a dedicated Orchestrator.
func (b *Bus) RegisterSaga(def *saga.Definition, timeoutEventType string) {
	orch := saga.NewOrchestrator(def, b.stores.Saga, b.cfg.Saga.Orchestrator, b)
	b.sagas[def.SagaType] = orch
	if timeoutEventType != "" {
		b.sagaTimeoutReg.Register(def.SagaType, timeoutEventType)
	}

	handler := pipeline.ProcessorFunc(orch.Handle)
	b.mediator.Register(def.InitialTrigger, handler)
	bound := make(map[string]bool)
	for _, eventType := range def.EventTypes() {
		bound[eventType] = true
		b.eventBus.Subscribe(eventType, handler)
	}
	if timeoutEventType != "" && !bound[timeoutEventType] {
		b.eventBus.Subscribe(timeoutEventType, handler)
	}
}

// ScheduleTimeout implements saga.TimeoutScheduler by staging a
// synthetic timeout delivery through the Bus's own Scheduler.
func (b *Bus) ScheduleTimeout(ctx context.Context, sagaType, correlationID string, at time.Time) error {
	env := envelope.New(envelope.KindEvent, nil,
		envelope.WithCorrelationID(correlationID))
	env.Type = b.sagaTimeoutReg.EventTypeFor(sagaType)
	_, err := b.Schedule(ctx, env, at)
	return err
}

// Route implements saga.Router by dispatching a synthetic timeout event
// to the Orchestrator registered for sagaType.
func (b *Bus) Route(ctx context.Context, sagaType string, env *envelope.Envelope) pipeline.Outcome {
	orch, ok := b.sagas[sagaType]
	if !ok {
		return pipeline.Failure(pipeline.NewError(pipeline.ErrKindConfiguration, "SAGA_UNKNOWN", fmt.Sprintf("no orchestrator registered for saga type %q", sagaType)))
	}
	return orch.Handle(ctx, env)
}

// Schedule stages env for delivery at the given time through whichever
// Scheduler backend the Bus was configured with, returning the id
// CancelScheduled later references.
func (b *Bus) Schedule(ctx context.Context, env *envelope.Envelope, at time.Time) (string, error) {
	switch s := b.scheduler.(type) {
	case *scheduler.InMemoryScheduler:
		return s.Schedule(env, at), nil
	case *scheduler.StorageScheduler:
		payload, err := b.codec.Marshal(env)
		if err != nil {
			return "", fmt.Errorf("heromessaging: encode scheduled payload: %w", err)
		}
		id := env.MessageID.String()
		err = b.stores.Scheduled.Insert(ctx, &storage.ScheduledMessage{
			ID:           id,
			MessageType:  env.Type,
			MessageGroup: env.EffectiveMessageGroup(),
			Payload:      payload,
			DispatchAt:   at,
			Status:       "pending",
			CreatedAt:    time.Now(),
		})
		if err != nil {
			return "", err
		}
		return id, nil
	default:
		return "", fmt.Errorf("heromessaging: no scheduler configured")
	}
}

// CancelScheduled cancels a previously scheduled message by id, where
// id is either the in-memory scheduler's own id (InMemoryScheduler) or
// the envelope's MessageID string (StorageScheduler).
func (b *Bus) CancelScheduled(ctx context.Context, id string) error {
	switch s := b.scheduler.(type) {
	case *scheduler.InMemoryScheduler:
		if !s.Cancel(id) {
			return fmt.Errorf("heromessaging: scheduled entry %q not found or already delivered", id)
		}
		return nil
	case *scheduler.StorageScheduler:
		return b.stores.Scheduled.Cancel(ctx, id)
	default:
		return fmt.Errorf("heromessaging: no scheduler configured")
	}
}

// DeadLetter returns the Bus's dead letter queue facade for operator
// tooling (List/Discard/Requeue).
func (b *Bus) DeadLetter() *deadletter.Queue { return b.deadLetter }

// Idempotency returns the Bus's idempotency store for use inside a
// custom pipeline.WithIdempotency decorator.
func (b *Bus) Idempotency() idempotency.Store { return b.idemStore }

// Start launches every background worker: the outbox poller, inbox
// cleanup sweep, scheduler, and (if any saga was registered) the saga
// timeout worker.
func (b *Bus) Start(ctx context.Context) error {
	if b.running {
		return nil
	}
	b.running = true

	if err := b.tree.Start(ctx); err != nil {
		return fmt.Errorf("heromessaging: start supervisor tree: %w", err)
	}
	if err := b.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("heromessaging: start scheduler: %w", err)
	}
	if len(b.sagas) > 0 {
		b.timeoutWorker = saga.NewTimeoutWorker(
			saga.TimeoutWorkerConfig{PollInterval: b.cfg.Saga.TimeoutWorker.PollInterval, BatchSize: b.cfg.Saga.TimeoutWorker.BatchSize},
			b.stores.Saga, b.sagaTimeoutReg, b,
		)
		if err := b.timeoutWorker.Start(ctx); err != nil {
			return fmt.Errorf("heromessaging: start saga timeout worker: %w", err)
		}
	}
	if b.elector != nil {
		if err := b.elector.Start(ctx); err != nil {
			return fmt.Errorf("heromessaging: start leader election: %w", err)
		}
	}
	return nil
}

// Stop halts every background worker, in the reverse order Start
// launched them.
func (b *Bus) Stop(ctx context.Context) error {
	if !b.running {
		return nil
	}
	b.running = false

	if b.elector != nil {
		b.elector.Stop()
	}
	if b.timeoutWorker != nil {
		if err := b.timeoutWorker.Stop(ctx); err != nil {
			return err
		}
		b.timeoutWorker = nil
	}
	if err := b.scheduler.Stop(ctx); err != nil {
		return err
	}
	return b.tree.Stop(ctx)
}

// ConnectionPolicy returns a resilience.ConnectionPolicy suitable for
// wrapping a custom storage adapter's calls, built from cfg.Resilience.
func (b *Bus) ConnectionPolicy(name string) *resilience.ConnectionPolicy {
	return resilience.NewConnectionPolicy(b.cfg.Resilience.Retry, resilience.NewCircuitBreaker(b.cfg.Resilience.CircuitBreaker), nil)
}
