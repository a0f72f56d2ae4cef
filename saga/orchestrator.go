package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/koalafacts/heromessaging-go/envelope"
	"github.com/koalafacts/heromessaging-go/internal/common/metrics"
	"github.com/koalafacts/heromessaging-go/internal/common/tsid"
	"github.com/koalafacts/heromessaging-go/pipeline"
	"github.com/koalafacts/heromessaging-go/storage"
)

// TimeoutScheduler registers a Schedule(timeout) effect's deadline so a
// scheduler.Scheduler can deliver a synthetic Timeout event back to this
// saga later. Kept as a narrow interface here (rather than importing
// the scheduler package) to avoid a saga<->scheduler import cycle; the
// root facade wires a concrete scheduler.Scheduler into it.
type TimeoutScheduler interface {
	ScheduleTimeout(ctx context.Context, sagaType, correlationID string, at time.Time) error
}

// Config bounds the Orchestrator's optimistic-concurrency retry loop.
type Config struct {
	MaxConcurrencyRetries int
}

// DefaultConfig retries a lost Version CAS race up to 5 times before
// surfacing ErrKindConcurrency.
func DefaultConfig() Config {
	return Config{MaxConcurrencyRetries: 5}
}

// Orchestrator executes one Definition's state machine against a
// storage.SagaRepository, implementing the five-step
// load/evaluate/persist-with-version-check/retry algorithm.
type Orchestrator struct {
	def       *Definition
	repo      storage.SagaRepository
	cfg       Config
	scheduler TimeoutScheduler
}

// NewOrchestrator builds an Orchestrator for def, persisting through
// repo. scheduler may be nil if def never produces an
// ActionKind requiring a timeout.
func NewOrchestrator(def *Definition, repo storage.SagaRepository, cfg Config, scheduler TimeoutScheduler) *Orchestrator {
	if cfg.MaxConcurrencyRetries <= 0 {
		cfg.MaxConcurrencyRetries = 5
	}
	return &Orchestrator{def: def, repo: repo, cfg: cfg, scheduler: scheduler}
}

// Handle delivers env to the saga instance identified by
// env.CorrelationID, creating a new instance if env.Type is the
// definition's InitialTrigger and none exists yet.
func (o *Orchestrator) Handle(ctx context.Context, env *envelope.Envelope) pipeline.Outcome {
	for attempt := 0; attempt <= o.cfg.MaxConcurrencyRetries; attempt++ {
		outcome, retry, err := o.attempt(ctx, env)
		if err != nil {
			return pipeline.Failure(pipeline.NewError(pipeline.ErrKindTransient, "SAGA_LOAD_FAILED", "failed to load saga instance").WithCause(err))
		}
		if !retry {
			return outcome
		}
		metrics.SagaConcurrencyConflicts.WithLabelValues(o.def.SagaType).Inc()
	}
	return pipeline.Failure(pipeline.NewError(pipeline.ErrKindConcurrency, "SAGA_CAS_EXHAUSTED",
		fmt.Sprintf("saga %q correlation %q: exceeded %d concurrency retries", o.def.SagaType, env.CorrelationID, o.cfg.MaxConcurrencyRetries)))
}

// attempt runs one load-evaluate-persist round. retry=true means the
// caller should reload and re-evaluate (lost a CAS race).
func (o *Orchestrator) attempt(ctx context.Context, env *envelope.Envelope) (outcome pipeline.Outcome, retry bool, err error) {
	inst, isNew, err := o.load(ctx, env)
	if err != nil {
		return pipeline.Outcome{}, false, err
	}
	if inst == nil {
		// Not the initial trigger and no instance exists: nothing to do.
		return pipeline.Success(nil), false, nil
	}

	data := o.def.NewData()
	if !isNew {
		if err := o.def.Codec.Unmarshal(inst.Data, data); err != nil {
			return pipeline.Outcome{}, false, fmt.Errorf("saga: decode data: %w", err)
		}
	}

	binding, ok := o.def.Resolve(State(inst.State), data, env)
	if !ok {
		return pipeline.Failure(pipeline.NewError(pipeline.ErrKindNoHandler, "SAGA_NO_BINDING",
			(&ErrNoBinding{SagaType: o.def.SagaType, State: State(inst.State), EventType: env.Type}).Error())), false, nil
	}

	effect, err := binding.Handle(data, env)
	if err != nil {
		return pipeline.Failure(pipeline.NewError(pipeline.ErrKindPermanent, "SAGA_HANDLER_FAILED", "saga binding handler failed").WithCause(err)), false, nil
	}

	if effect.Data != nil {
		data = effect.Data
	}
	encoded, err := o.def.Codec.Marshal(data)
	if err != nil {
		return pipeline.Outcome{}, false, fmt.Errorf("saga: encode data: %w", err)
	}
	inst.Data = encoded

	switch effect.Action {
	case ActionComplete:
		inst.IsCompleted = true
		inst.TimeoutAt = time.Time{}
	case ActionCompensate:
		inst.State = string(effect.NextState)
		inst.TimeoutAt = time.Time{}
		slog.Warn("saga: compensating", "sagaType", o.def.SagaType, "correlationId", inst.CorrelationID, "reason", effect.Reason)
	case ActionTransition:
		inst.State = string(effect.NextState)
		if effect.ScheduleAfter > 0 {
			inst.TimeoutAt = time.Now().Add(effect.ScheduleAfter)
		} else {
			inst.TimeoutAt = time.Time{}
		}
	}

	v := inst.Version
	if isNew {
		inst.ID = tsid.Generate()
		if err := o.repo.Create(ctx, inst); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				return pipeline.Outcome{}, true, nil
			}
			return pipeline.Outcome{}, false, err
		}
	} else {
		if err := o.repo.Update(ctx, inst, v); err != nil {
			if errors.Is(err, storage.ErrOptimisticLock) {
				return pipeline.Outcome{}, true, nil
			}
			return pipeline.Outcome{}, false, err
		}
	}

	metrics.SagaTransitions.WithLabelValues(o.def.SagaType, inst.State).Inc()

	if effect.Action == ActionTransition && effect.ScheduleAfter > 0 && o.scheduler != nil {
		if err := o.scheduler.ScheduleTimeout(ctx, o.def.SagaType, inst.CorrelationID, inst.TimeoutAt); err != nil {
			slog.Error("saga: failed to schedule timeout", "error", err, "correlationId", inst.CorrelationID)
		}
	}

	return pipeline.Success(nil), false, nil
}

func (o *Orchestrator) load(ctx context.Context, env *envelope.Envelope) (*storage.SagaInstance, bool, error) {
	inst, err := o.repo.GetByCorrelationID(ctx, env.CorrelationID)
	if err == nil {
		return inst, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}
	if env.Type != o.def.InitialTrigger {
		return nil, false, nil
	}

	data := o.def.NewData()
	encoded, err := o.def.Codec.Marshal(data)
	if err != nil {
		return nil, false, fmt.Errorf("saga: encode initial data: %w", err)
	}
	return &storage.SagaInstance{
		SagaType:      o.def.SagaType,
		CorrelationID: env.CorrelationID,
		State:         string(InitialState),
		Data:          encoded,
		Version:       0,
	}, true, nil
}
