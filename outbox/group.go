package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/koalafacts/heromessaging-go/internal/common/metrics"
	"github.com/koalafacts/heromessaging-go/storage"
)

// groupProcessor drains one message group's entries strictly in FIFO
// order. Only one worker goroutine per group ever runs at a time, and
// the processor's groupSem caps how many groups may have an active
// worker simultaneously - idle groups with an empty queue don't hold a
// slot.
type groupProcessor struct {
	p     *Processor
	group string

	mu      sync.Mutex
	pending []*storage.OutboxEntry
	running bool
}

func newGroupProcessor(p *Processor, group string) *groupProcessor {
	return &groupProcessor{p: p, group: group}
}

func (gp *groupProcessor) enqueue(entry *storage.OutboxEntry) {
	gp.mu.Lock()
	gp.pending = append(gp.pending, entry)
	alreadyRunning := gp.running
	gp.running = true
	gp.mu.Unlock()

	if !alreadyRunning {
		go gp.run()
	}
}

func (gp *groupProcessor) run() {
	select {
	case gp.p.groupSem <- struct{}{}:
	case <-gp.p.ctx.Done():
		gp.mu.Lock()
		gp.running = false
		gp.mu.Unlock()
		return
	}
	defer func() { <-gp.p.groupSem }()

	for {
		gp.mu.Lock()
		if len(gp.pending) == 0 {
			gp.running = false
			gp.mu.Unlock()
			return
		}
		entry := gp.pending[0]
		gp.pending = gp.pending[1:]
		gp.mu.Unlock()

		gp.processOne(entry)
	}
}

func (gp *groupProcessor) processOne(entry *storage.OutboxEntry) {
	defer func() {
		metrics.OutboxInFlight.Set(float64(gp.p.inFlight.Add(-1)))
	}()

	status, err := gp.p.dispatcher.Dispatch(gp.p.ctx, entry)
	if err != nil && status == 0 {
		status = storage.OutboxTransient
	}

	switch {
	case status == storage.OutboxSuccess:
		gp.markStatus(entry, storage.OutboxSuccess, "")
		metrics.OutboxItemsProcessed.WithLabelValues("processed").Inc()
	case status.IsRetryable() && entry.RetryCount < gp.p.cfg.MaxRetries:
		gp.p.store.IncrementRetry(gp.p.ctx, []string{entry.ID})
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		gp.markStatus(entry, storage.OutboxPending, errMsg)
	default:
		errMsg := "retry budget exhausted"
		if err != nil {
			errMsg = err.Error()
		}
		gp.markStatus(entry, storage.OutboxPermanent, errMsg)
		metrics.OutboxItemsProcessed.WithLabelValues("failed").Inc()
		if gp.p.deadLetter != nil {
			if dlErr := gp.p.deadLetter.Send(gp.p.ctx, entry.ID, entry.MessageType, entry.Payload, errMsg, entry.RetryCount); dlErr != nil {
				slog.Error("outbox: dead letter send failed", "error", dlErr, "entry", entry.ID)
			} else {
				metrics.OutboxDeadLettered.Inc()
			}
		}
	}
}

func (gp *groupProcessor) markStatus(entry *storage.OutboxEntry, status storage.OutboxStatus, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := gp.p.store.MarkStatus(ctx, []string{entry.ID}, status, errMsg); err != nil {
		slog.Error("outbox: mark status failed", "error", err, "entry", entry.ID, "status", status)
	}
}
