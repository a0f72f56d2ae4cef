// Package scheduler implements two scheduled-delivery engines behind
// one shape: an InMemoryScheduler (priority queue, single dispatcher
// goroutine/timer) for deferred delivery that doesn't need to survive a
// restart, and a StorageScheduler (poll/claim/dispatch/stale-recovery)
// for delivery that must.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koalafacts/heromessaging-go/envelope"
	"github.com/koalafacts/heromessaging-go/internal/common/clock"
)

// DeliveryFunc is invoked when a scheduled envelope's deadline fires.
type DeliveryFunc func(ctx context.Context, env *envelope.Envelope)

type entry struct {
	id    string
	env   *envelope.Envelope
	at    time.Time
	index int
}

// entryHeap is a container/heap.Interface ordered by at, ascending.
type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// InMemoryScheduler is an in-memory implementation: a single
// dispatcher goroutine parks on a timer reset to the earliest pending
// entry's deadline, waking early whenever an earlier entry is inserted.
type InMemoryScheduler struct {
	deliver DeliveryFunc
	clk     clock.Clock

	mu    sync.Mutex
	heap  entryHeap
	byID  map[string]*entry
	timer clock.Timer
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewInMemoryScheduler creates a scheduler that invokes deliver on each
// entry's deadline.
func NewInMemoryScheduler(deliver DeliveryFunc) *InMemoryScheduler {
	return NewInMemorySchedulerWithClock(deliver, clock.Real{})
}

// NewInMemorySchedulerWithClock is NewInMemoryScheduler with an
// explicit time source, letting tests drive delivery with a clock.Fake
// instead of sleeping.
func NewInMemorySchedulerWithClock(deliver DeliveryFunc, clk clock.Clock) *InMemoryScheduler {
	return &InMemoryScheduler{
		deliver: deliver,
		clk:     clk,
		byID:    make(map[string]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// Name identifies this worker to a lifecycle.Supervisor/SupervisorTree.
func (s *InMemoryScheduler) Name() string { return "in-memory-scheduler" }

// Start launches the dispatcher goroutine.
func (s *InMemoryScheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.timer = s.clk.NewTimer(time.Hour)
	s.timer.Stop()
	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop halts the dispatcher goroutine.
func (s *InMemoryScheduler) Stop(ctx context.Context) error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports nil; the in-memory scheduler has nothing external to
// probe.
func (s *InMemoryScheduler) Health() error { return nil }

// Schedule registers env for delivery at at, returning an id Cancel can
// later reference.
func (s *InMemoryScheduler) Schedule(env *envelope.Envelope, at time.Time) string {
	id := uuid.New().String()
	e := &entry{id: id, env: env, at: at}

	s.mu.Lock()
	heap.Push(&s.heap, e)
	s.byID[id] = e
	earliest := len(s.heap) > 0 && s.heap[0] == e
	s.mu.Unlock()

	if earliest {
		s.nudge()
	}
	return id
}

// Cancel removes a pending entry by id. Cancellation is
// advisory only - an entry already popped off the heap for delivery
// cannot be un-delivered.
func (s *InMemoryScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	if e.index >= 0 {
		heap.Remove(&s.heap, e.index)
	}
	return true
}

func (s *InMemoryScheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *InMemoryScheduler) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		var wait time.Duration
		hasNext := len(s.heap) > 0
		if hasNext {
			wait = s.heap[0].at.Sub(s.clk.Now())
		}
		s.mu.Unlock()

		if !hasNext {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		if wait <= 0 {
			s.fireDue()
			continue
		}

		s.timer.Reset(wait)
		select {
		case <-s.ctx.Done():
			s.timer.Stop()
			return
		case <-s.wake:
			s.timer.Stop()
		case <-s.timer.Chan():
		}
	}
}

func (s *InMemoryScheduler) fireDue() {
	now := s.clk.Now()
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.heap).(*entry)
		delete(s.byID, e.id)
		s.mu.Unlock()

		s.deliver(s.ctx, e.env)
	}
}
