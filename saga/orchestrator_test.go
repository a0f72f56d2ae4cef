package saga

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/koalafacts/heromessaging-go/envelope"
	"github.com/koalafacts/heromessaging-go/pipeline"
	"github.com/koalafacts/heromessaging-go/storage"
)

type orderData struct {
	OrderID string `json:"orderId"`
}

func orderSagaDefinition() *Definition {
	def := NewDefinition("order", "order.created", func() any { return &orderData{} })
	def.When(InitialState, "order.created", func(data any, env *envelope.Envelope) (Effect, error) {
		return Effect{Action: ActionTransition, NextState: "PaymentPending"}, nil
	})
	def.When("PaymentPending", "payment.received", func(data any, env *envelope.Envelope) (Effect, error) {
		return Effect{Action: ActionComplete}, nil
	})
	def.When("PaymentPending", "payment.failed", func(data any, env *envelope.Envelope) (Effect, error) {
		return Effect{Action: ActionCompensate, NextState: "Cancelling", Reason: "payment declined"}, nil
	})
	return def
}

func eventFor(correlationID, eventType string) *envelope.Envelope {
	env := envelope.New(envelope.KindEvent, nil, envelope.WithCorrelationID(correlationID))
	env.Type = eventType
	return env
}

// memRepo mirrors memstore.SagaRepository without importing it (the
// storage package's adapters depend on this package's consumers, not
// the other way around).
type memRepo struct {
	mu        sync.Mutex
	instances map[string]*storage.SagaInstance
	byCorr    map[string]string
}

func newMemRepo() *memRepo {
	return &memRepo{instances: make(map[string]*storage.SagaInstance), byCorr: make(map[string]string)}
}

func (r *memRepo) Create(ctx context.Context, inst *storage.SagaInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byCorr[inst.CorrelationID]; exists {
		return storage.ErrDuplicateKey
	}
	inst.Version = 1
	cp := *inst
	r.instances[inst.ID] = &cp
	r.byCorr[inst.CorrelationID] = inst.ID
	return nil
}

func (r *memRepo) Get(ctx context.Context, id string) (*storage.SagaInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (r *memRepo) GetByCorrelationID(ctx context.Context, correlationID string) (*storage.SagaInstance, error) {
	r.mu.Lock()
	id, ok := r.byCorr[correlationID]
	r.mu.Unlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r.Get(ctx, id)
}

func (r *memRepo) Update(ctx context.Context, inst *storage.SagaInstance, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.instances[inst.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if current.Version != expectedVersion {
		return storage.ErrOptimisticLock
	}
	cp := *inst
	cp.Version = expectedVersion + 1
	r.instances[inst.ID] = &cp
	inst.Version = cp.Version
	return nil
}

func (r *memRepo) FetchTimedOut(ctx context.Context, asOf time.Time, limit int) ([]*storage.SagaInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*storage.SagaInstance
	for _, inst := range r.instances {
		if !inst.IsCompleted && !inst.TimeoutAt.IsZero() && !inst.TimeoutAt.After(asOf) {
			cp := *inst
			due = append(due, &cp)
		}
	}
	return due, nil
}

func TestOrchestratorCreatesInstanceOnInitialTrigger(t *testing.T) {
	repo := newMemRepo()
	orch := NewOrchestrator(orderSagaDefinition(), repo, DefaultConfig(), nil)

	outcome := orch.Handle(context.Background(), eventFor("corr-1", "order.created"))
	if !outcome.IsSuccess() {
		t.Fatalf("expected success, got %v", outcome.Err())
	}

	inst, err := repo.GetByCorrelationID(context.Background(), "corr-1")
	if err != nil {
		t.Fatalf("load saga: %v", err)
	}
	if inst.State != "PaymentPending" {
		t.Fatalf("expected state PaymentPending, got %q", inst.State)
	}
	if inst.Version != 1 {
		t.Fatalf("expected Version=1 after create, got %d", inst.Version)
	}
}

func TestOrchestratorIgnoresNonInitialEventWithoutInstance(t *testing.T) {
	repo := newMemRepo()
	orch := NewOrchestrator(orderSagaDefinition(), repo, DefaultConfig(), nil)

	outcome := orch.Handle(context.Background(), eventFor("corr-1", "payment.received"))
	if !outcome.IsSuccess() {
		t.Fatalf("expected no-op success, got %v", outcome.Err())
	}
	if _, err := repo.GetByCorrelationID(context.Background(), "corr-1"); err != storage.ErrNotFound {
		t.Fatalf("expected no instance to be created, got err=%v", err)
	}
}

func TestOrchestratorCompletesAndBumpsVersion(t *testing.T) {
	repo := newMemRepo()
	orch := NewOrchestrator(orderSagaDefinition(), repo, DefaultConfig(), nil)
	ctx := context.Background()

	if outcome := orch.Handle(ctx, eventFor("corr-1", "order.created")); !outcome.IsSuccess() {
		t.Fatalf("create: %v", outcome.Err())
	}
	if outcome := orch.Handle(ctx, eventFor("corr-1", "payment.received")); !outcome.IsSuccess() {
		t.Fatalf("complete: %v", outcome.Err())
	}

	inst, err := repo.GetByCorrelationID(ctx, "corr-1")
	if err != nil {
		t.Fatalf("load saga: %v", err)
	}
	if !inst.IsCompleted {
		t.Fatal("expected saga to be completed")
	}
	if inst.Version != 2 {
		t.Fatalf("expected Version=2 after one update, got %d", inst.Version)
	}
}

func TestOrchestratorConcurrentInitialTriggersYieldOneInstance(t *testing.T) {
	repo := newMemRepo()
	orch := NewOrchestrator(orderSagaDefinition(), repo, DefaultConfig(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orch.Handle(context.Background(), eventFor("corr-race", "order.created"))
		}()
	}
	wg.Wait()

	repo.mu.Lock()
	count := len(repo.instances)
	repo.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one saga instance, got %d", count)
	}

	inst, err := repo.GetByCorrelationID(context.Background(), "corr-race")
	if err != nil {
		t.Fatalf("load saga: %v", err)
	}
	if inst.State != "PaymentPending" {
		t.Fatalf("expected state PaymentPending, got %q", inst.State)
	}
	if inst.Version != 1 {
		t.Fatalf("expected Version=1, got %d", inst.Version)
	}
}

func TestOrchestratorUnboundEventFailsWithNoHandler(t *testing.T) {
	repo := newMemRepo()
	orch := NewOrchestrator(orderSagaDefinition(), repo, DefaultConfig(), nil)
	ctx := context.Background()

	if outcome := orch.Handle(ctx, eventFor("corr-1", "order.created")); !outcome.IsSuccess() {
		t.Fatalf("create: %v", outcome.Err())
	}

	// order.created again: no binding exists for (PaymentPending, order.created).
	outcome := orch.Handle(ctx, eventFor("corr-1", "order.created"))
	if !outcome.IsFailure() {
		t.Fatal("expected failure outcome")
	}
	if outcome.Err().Kind != pipeline.ErrKindNoHandler {
		t.Fatalf("expected ErrKindNoHandler, got %v", outcome.Err().Kind)
	}
}

type recordingScheduler struct {
	mu       sync.Mutex
	schedules []time.Time
}

func (s *recordingScheduler) ScheduleTimeout(ctx context.Context, sagaType, correlationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules = append(s.schedules, at)
	return nil
}

func TestOrchestratorSchedulesTimeoutOnTransition(t *testing.T) {
	def := NewDefinition("order", "order.created", func() any { return &orderData{} })
	def.When(InitialState, "order.created", func(data any, env *envelope.Envelope) (Effect, error) {
		return Effect{Action: ActionTransition, NextState: "PaymentPending", ScheduleAfter: time.Minute}, nil
	})

	repo := newMemRepo()
	sched := &recordingScheduler{}
	orch := NewOrchestrator(def, repo, DefaultConfig(), sched)

	if outcome := orch.Handle(context.Background(), eventFor("corr-1", "order.created")); !outcome.IsSuccess() {
		t.Fatalf("create: %v", outcome.Err())
	}

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.schedules) != 1 {
		t.Fatalf("expected one scheduled timeout, got %d", len(sched.schedules))
	}
	inst, _ := repo.GetByCorrelationID(context.Background(), "corr-1")
	if inst.TimeoutAt.IsZero() {
		t.Fatal("expected TimeoutAt to be set on the instance")
	}
}

func TestTimeoutRegistryPerTypeOverridesFallback(t *testing.T) {
	reg := NewTimeoutRegistry("saga.timeout")
	reg.Register("order", "order.timeout")

	if got := reg.EventTypeFor("order"); got != "order.timeout" {
		t.Fatalf("expected per-type mapping, got %q", got)
	}
	if got := reg.EventTypeFor("shipment"); got != "saga.timeout" {
		t.Fatalf("expected fallback mapping, got %q", got)
	}
}

func TestTimeoutWorkerDeliversSyntheticEvent(t *testing.T) {
	repo := newMemRepo()
	repo.Create(context.Background(), &storage.SagaInstance{
		ID:            "saga-1",
		SagaType:      "order",
		CorrelationID: "corr-1",
		State:         "PaymentPending",
		TimeoutAt:     time.Now().Add(-time.Second),
	})

	delivered := make(chan *envelope.Envelope, 1)
	worker := NewTimeoutWorker(
		TimeoutWorkerConfig{PollInterval: 10 * time.Millisecond, BatchSize: 10},
		repo,
		NewTimeoutRegistry("saga.timeout"),
		routerFunc(func(ctx context.Context, sagaType string, env *envelope.Envelope) pipeline.Outcome {
			select {
			case delivered <- env:
			default:
			}
			return pipeline.Success(nil)
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := worker.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer worker.Stop(context.Background())

	select {
	case env := <-delivered:
		if env.Type != "saga.timeout" {
			t.Fatalf("expected synthetic timeout event type, got %q", env.Type)
		}
		if env.CorrelationID != "corr-1" {
			t.Fatalf("expected correlation id corr-1, got %q", env.CorrelationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synthetic timeout delivery")
	}
}

type routerFunc func(ctx context.Context, sagaType string, env *envelope.Envelope) pipeline.Outcome

func (f routerFunc) Route(ctx context.Context, sagaType string, env *envelope.Envelope) pipeline.Outcome {
	return f(ctx, sagaType, env)
}
