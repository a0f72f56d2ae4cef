// Package outbox implements the Outbox pattern: a single poller claims
// pending entries, an in-memory distributor fans them out to
// per-message-group FIFO processors bounded by a global in-flight
// semaphore, and periodic/crash recovery resets entries stuck
// in-progress.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koalafacts/heromessaging-go/deadletter"
	"github.com/koalafacts/heromessaging-go/internal/common/metrics"
	"github.com/koalafacts/heromessaging-go/storage"
)

// Dispatcher delivers a claimed entry's payload and reports the
// resulting status - the outbox processor doesn't know or care whether
// that means a Mediator.Send, an EventBus.Publish, or a raw transport
// call.
type Dispatcher interface {
	Dispatch(ctx context.Context, entry *storage.OutboxEntry) (storage.OutboxStatus, error)
}

// Config bounds the processor's polling, concurrency, and recovery.
type Config struct {
	PollInterval        time.Duration
	PollBatchSize       int
	MaxConcurrentGroups int
	MaxInFlight         int
	MaxRetries          int
	RecoveryInterval    time.Duration
	StuckTimeout         time.Duration
}

// DefaultConfig polls every second for up to 500 entries, with 10
// concurrent groups and 2500 entries in flight at most.
func DefaultConfig() Config {
	return Config{
		PollInterval:        time.Second,
		PollBatchSize:       500,
		MaxConcurrentGroups: 10,
		MaxInFlight:         2500,
		MaxRetries:          3,
		RecoveryInterval:    60 * time.Second,
		StuckTimeout:        300 * time.Second,
	}
}

// Processor is the outbox's single-poller/group-FIFO engine.
type Processor struct {
	cfg        Config
	store      storage.OutboxStore
	dispatcher Dispatcher
	deadLetter *deadletter.Queue

	isPrimary func() bool // nil means always primary (no leader election configured)

	buffer       chan *storage.OutboxEntry
	inFlight     atomic.Int64
	groupSem     chan struct{}
	groups       sync.Map // messageGroup -> *groupProcessor

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewProcessor creates a Processor. isPrimary may be nil to always run
// (single-instance deployments); pass leader.Elector.IsPrimary to gate
// polling behind leader election.
func NewProcessor(cfg Config, store storage.OutboxStore, dispatcher Dispatcher, deadLetter *deadletter.Queue, isPrimary func() bool) *Processor {
	return &Processor{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		deadLetter: deadLetter,
		isPrimary:  isPrimary,
		buffer:     make(chan *storage.OutboxEntry, cfg.PollBatchSize),
		groupSem:   make(chan struct{}, cfg.MaxConcurrentGroups),
	}
}

// Name identifies this worker to a lifecycle.Supervisor/SupervisorTree.
func (p *Processor) Name() string { return "outbox-processor" }

// Health reports nil; the processor has no external connection of its
// own to probe beyond the storage.OutboxStore it's handed.
func (p *Processor) Health() error { return nil }

// Start runs crash recovery then launches the poller, distributor, and
// periodic recovery loop in the background.
func (p *Processor) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	if err := p.doCrashRecovery(p.ctx); err != nil {
		slog.Error("outbox: crash recovery failed", "error", err)
	}

	p.wg.Add(3)
	go p.runPoller()
	go p.runDistributor()
	go p.runPeriodicRecovery()

	return nil
}

// Stop cancels background loops and waits for them to exit.
func (p *Processor) Stop(ctx context.Context) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// doCrashRecovery resets entries left IN_PROGRESS by a prior crashed
// instance back to PENDING.
func (p *Processor) doCrashRecovery(ctx context.Context) error {
	stuck, err := p.store.FetchStuck(ctx)
	if err != nil {
		return err
	}
	if len(stuck) == 0 {
		return nil
	}
	ids := make([]string, len(stuck))
	for i, e := range stuck {
		ids[i] = e.ID
	}
	slog.Info("outbox: crash recovery resetting stuck entries", "count", len(ids))
	return p.store.ResetStuck(ctx, ids)
}

func (p *Processor) runPoller() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.doPoll()
		}
	}
}

func (p *Processor) doPoll() {
	if p.isPrimary != nil && !p.isPrimary() {
		return
	}
	capacity := p.cfg.MaxInFlight - int(p.inFlight.Load())
	if capacity <= 0 {
		return
	}
	limit := p.cfg.PollBatchSize
	if limit > capacity {
		limit = capacity
	}

	pollStart := time.Now()
	entries, err := p.store.FetchPending(p.ctx, limit)
	if err != nil {
		slog.Error("outbox: poll failed", "error", err)
		return
	}
	metrics.OutboxPollDuration.Observe(time.Since(pollStart).Seconds())
	if len(entries) == 0 {
		return
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := p.store.MarkInProgress(p.ctx, ids); err != nil {
		slog.Error("outbox: mark in-progress failed", "error", err)
		return
	}

	for _, e := range entries {
		metrics.OutboxInFlight.Set(float64(p.inFlight.Add(1)))
		select {
		case p.buffer <- e:
		case <-p.ctx.Done():
			return
		}
	}
}

// runDistributor routes buffered entries to their message group's FIFO
// processor, creating one on first sight and reusing it thereafter.
func (p *Processor) runDistributor() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case entry := <-p.buffer:
			p.distribute(entry)
		}
	}
}

func (p *Processor) distribute(entry *storage.OutboxEntry) {
	group := entry.MessageGroup
	if group == "" {
		group = "default"
	}

	gp, _ := p.groups.LoadOrStore(group, newGroupProcessor(p, group))
	gp.(*groupProcessor).enqueue(entry)
}

func (p *Processor) runPeriodicRecovery() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.doPeriodicRecovery()
		}
	}
}

func (p *Processor) doPeriodicRecovery() {
	if p.isPrimary != nil && !p.isPrimary() {
		return
	}
	recoverable, err := p.store.FetchRecoverable(p.ctx, p.cfg.StuckTimeout, p.cfg.PollBatchSize)
	if err != nil {
		slog.Error("outbox: periodic recovery fetch failed", "error", err)
		return
	}
	if len(recoverable) == 0 {
		return
	}

	ids := make([]string, len(recoverable))
	for i, e := range recoverable {
		ids[i] = e.ID
	}
	if err := p.store.ResetStuck(p.ctx, ids); err != nil {
		slog.Error("outbox: periodic recovery reset failed", "error", err)
	}
}

// Stats reports the processor's current load.
type Stats struct {
	InFlight     int64
	ActiveGroups int
	BufferedLen  int
}

func (p *Processor) GetStats() Stats {
	groupCount := 0
	p.groups.Range(func(_, _ any) bool { groupCount++; return true })
	return Stats{
		InFlight:     p.inFlight.Load(),
		ActiveGroups: groupCount,
		BufferedLen:  len(p.buffer),
	}
}
