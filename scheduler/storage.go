package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/koalafacts/heromessaging-go/internal/common/metrics"
	"github.com/koalafacts/heromessaging-go/storage"
)

// Dispatcher delivers a claimed scheduled message. The StorageScheduler
// doesn't decode Payload itself - that's the root facade's job, same
// separation outbox.Dispatcher and inbox.Dispatcher use.
type Dispatcher interface {
	Deliver(ctx context.Context, msg *storage.ScheduledMessage) error
}

// Config bounds the StorageScheduler's polling and recovery loops.
type Config struct {
	PollInterval       time.Duration
	BatchSize          int
	MaxConcurrentGroups int
	StaleThreshold     time.Duration
	StaleCheckInterval time.Duration
}

// DefaultConfig polls every 5s for up to 100 due messages.
func DefaultConfig() Config {
	return Config{
		PollInterval:        5 * time.Second,
		BatchSize:           100,
		MaxConcurrentGroups: 10,
		StaleThreshold:      15 * time.Minute,
		StaleCheckInterval:  60 * time.Second,
	}
}

// StorageScheduler polls a storage.ScheduledMessageStore for due
// entries, dispatches them grouped by message group with bounded
// concurrency, and periodically recovers entries claimed but never
// marked dispatched.
type StorageScheduler struct {
	cfg        Config
	store      storage.ScheduledMessageStore
	dispatcher Dispatcher

	isPrimary func() bool // nil means always primary (no leader election configured)

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewStorageScheduler creates a StorageScheduler. isPrimary may be nil to
// always run (single-instance deployments); pass leader.Elector.IsPrimary
// to gate polling behind leader election.
func NewStorageScheduler(cfg Config, store storage.ScheduledMessageStore, dispatcher Dispatcher, isPrimary func() bool) *StorageScheduler {
	if cfg.PollInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &StorageScheduler{cfg: cfg, store: store, dispatcher: dispatcher, isPrimary: isPrimary}
}

// Name identifies this worker to a lifecycle.Supervisor/SupervisorTree.
func (s *StorageScheduler) Name() string { return "storage-scheduler" }

// Start launches the poll and stale-recovery loops in the background.
func (s *StorageScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.runPoller()
	go s.runStaleRecovery()
	return nil
}

// Stop halts both background loops.
func (s *StorageScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports nil; the scheduler has no external connection of its
// own to probe beyond the storage.ScheduledMessageStore it's handed.
func (s *StorageScheduler) Health() error { return nil }

func (s *StorageScheduler) IsPrimary() bool {
	if s.isPrimary == nil {
		return true
	}
	return s.isPrimary()
}

func (s *StorageScheduler) runPoller() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.pollAndDispatch()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pollAndDispatch()
		}
	}
}

func (s *StorageScheduler) pollAndDispatch() {
	if !s.IsPrimary() {
		return
	}

	due, err := s.store.FetchDue(s.ctx, time.Now(), s.cfg.BatchSize)
	if err != nil {
		slog.Error("scheduler: poll failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}
	metrics.SchedulerPending.Set(float64(len(due)))

	byGroup := make(map[string][]*storage.ScheduledMessage)
	for _, m := range due {
		group := m.MessageGroup
		if group == "" {
			group = "default"
		}
		byGroup[group] = append(byGroup[group], m)
	}

	sem := make(chan struct{}, s.cfg.MaxConcurrentGroups)
	var wg sync.WaitGroup
	for group, msgs := range byGroup {
		sem <- struct{}{}
		wg.Add(1)
		go func(group string, msgs []*storage.ScheduledMessage) {
			defer wg.Done()
			defer func() { <-sem }()
			s.dispatchGroup(group, msgs)
		}(group, msgs)
	}
	wg.Wait()
}

func (s *StorageScheduler) dispatchGroup(group string, msgs []*storage.ScheduledMessage) {
	var dispatched []string
	for _, m := range msgs {
		if err := s.dispatcher.Deliver(s.ctx, m); err != nil {
			slog.Error("scheduler: delivery failed", "error", err, "id", m.ID, "group", group)
			continue
		}
		dispatched = append(dispatched, m.ID)
	}
	if len(dispatched) == 0 {
		return
	}
	if err := s.store.MarkDispatched(s.ctx, dispatched); err != nil {
		slog.Error("scheduler: mark dispatched failed", "error", err, "group", group)
		return
	}
	metrics.SchedulerDelivered.Add(float64(len(dispatched)))
}

func (s *StorageScheduler) runStaleRecovery() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.recoverStale()
		}
	}
}

func (s *StorageScheduler) recoverStale() {
	if !s.IsPrimary() {
		return
	}
	threshold := time.Now().Add(-s.cfg.StaleThreshold)
	stale, err := s.store.FetchStale(s.ctx, threshold, s.cfg.BatchSize)
	if err != nil {
		slog.Error("scheduler: stale fetch failed", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}
	ids := make([]string, len(stale))
	for i, m := range stale {
		ids[i] = m.ID
	}
	if err := s.store.ResetStale(s.ctx, ids); err != nil {
		slog.Error("scheduler: stale reset failed", "error", err)
		return
	}
	slog.Warn("scheduler: recovered stale claims", "count", len(ids))
}
