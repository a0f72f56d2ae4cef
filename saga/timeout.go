package saga

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koalafacts/heromessaging-go/envelope"
	"github.com/koalafacts/heromessaging-go/pipeline"
	"github.com/koalafacts/heromessaging-go/storage"
)

// TimeoutRegistry maps a saga type to the synthetic event Type delivered
// when its TimeoutAt elapses, falling back to a process-wide default
// when a saga type has no specific mapping - a saga type's own mapping
// always takes precedence over the default.
type TimeoutRegistry struct {
	mu      sync.RWMutex
	byType  map[string]string
	fallback string
}

// NewTimeoutRegistry creates a registry using fallback as the event Type
// for any saga type without its own mapping.
func NewTimeoutRegistry(fallback string) *TimeoutRegistry {
	return &TimeoutRegistry{byType: make(map[string]string), fallback: fallback}
}

// Register sets the timeout event Type for sagaType.
func (r *TimeoutRegistry) Register(sagaType, eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[sagaType] = eventType
}

// EventTypeFor returns sagaType's registered timeout event Type, or the
// registry's fallback if none was registered.
func (r *TimeoutRegistry) EventTypeFor(sagaType string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.byType[sagaType]; ok {
		return t
	}
	return r.fallback
}

// Router delivers a synthetic timeout event to the Orchestrator handling
// sagaType. The root facade implements this by looking up the
// Orchestrator registered for sagaType and calling its Handle.
type Router interface {
	Route(ctx context.Context, sagaType string, env *envelope.Envelope) pipeline.Outcome
}

// TimeoutWorkerConfig bounds the timeout poll loop.
type TimeoutWorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// DefaultTimeoutWorkerConfig polls every 30 seconds for up to 100 timed
// out sagas per round.
func DefaultTimeoutWorkerConfig() TimeoutWorkerConfig {
	return TimeoutWorkerConfig{PollInterval: 30 * time.Second, BatchSize: 100}
}

// TimeoutWorker periodically scans storage.SagaRepository for instances
// whose TimeoutAt has elapsed and delivers a synthetic timeout event to
// each, mirroring the outbox package's poll-then-dispatch loop shape
// (see outbox/processor.go's runPoller/doPoll).
type TimeoutWorker struct {
	cfg      TimeoutWorkerConfig
	repo     storage.SagaRepository
	registry *TimeoutRegistry
	router   Router

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewTimeoutWorker creates a TimeoutWorker.
func NewTimeoutWorker(cfg TimeoutWorkerConfig, repo storage.SagaRepository, registry *TimeoutRegistry, router Router) *TimeoutWorker {
	if cfg.PollInterval <= 0 || cfg.BatchSize <= 0 {
		cfg = DefaultTimeoutWorkerConfig()
	}
	return &TimeoutWorker{cfg: cfg, repo: repo, registry: registry, router: router}
}

// Name identifies this worker to a lifecycle.Supervisor/SupervisorTree.
func (w *TimeoutWorker) Name() string { return "saga-timeout-worker" }

// Start launches the poll loop in the background.
func (w *TimeoutWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop halts the poll loop.
func (w *TimeoutWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	done := make(chan struct{})
	go func() { w.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports nil; the worker has no external connection of its own
// to probe beyond the storage.SagaRepository it's handed.
func (w *TimeoutWorker) Health() error { return nil }

func (w *TimeoutWorker) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *TimeoutWorker) poll() {
	due, err := w.repo.FetchTimedOut(w.ctx, time.Now(), w.cfg.BatchSize)
	if err != nil {
		slog.Error("saga: fetch timed out failed", "error", err)
		return
	}
	for _, inst := range due {
		env := &envelope.Envelope{
			MessageID:     uuid.New(),
			Kind:          envelope.KindEvent,
			Type:          w.registry.EventTypeFor(inst.SagaType),
			CorrelationID: inst.CorrelationID,
			Timestamp:     time.Now().UTC(),
			Metadata:      make(map[string]string),
		}
		outcome := w.router.Route(w.ctx, inst.SagaType, env)
		if outcome.IsFailure() {
			slog.Error("saga: timeout delivery failed", "sagaType", inst.SagaType, "correlationId", inst.CorrelationID, "error", outcome.Err())
		}
	}
}
