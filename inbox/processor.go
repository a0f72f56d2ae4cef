// Package inbox implements the Inbox pattern: deduplicate an incoming
// message by stable identity before handing it to a dispatcher, so
// at-least-once delivery from an upstream transport becomes
// at-most-once processing here. Architecture mirrors the outbox
// package's claim-then-process shape (see outbox/processor.go), adapted
// from "claim a batch and push" to "claim one message and dedupe".
package inbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/koalafacts/heromessaging-go/envelope"
	"github.com/koalafacts/heromessaging-go/internal/common/metrics"
	"github.com/koalafacts/heromessaging-go/pipeline"
	"github.com/koalafacts/heromessaging-go/storage"
)

// Dispatcher delivers a deduplicated envelope and reports the outcome.
// Unlike outbox.Dispatcher, it receives the envelope itself rather than
// a stored OutboxEntry.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *envelope.Envelope) pipeline.Outcome
}

// Result reports what ProcessIncoming did with a message: it succeeded,
// failed, or was recognized as a duplicate.
type Result int

const (
	ResultProcessed Result = iota
	ResultFailed
	ResultDuplicate
)

// Options customizes dedup behavior per call.
type Options struct {
	// Source scopes the dedupe key beyond MessageID alone, e.g. the
	// upstream transport/queue name, so the same MessageID arriving
	// from two distinct sources is not treated as a duplicate of
	// itself.
	Source string
	// IdempotencyWindow additionally treats a Processed entry as fresh
	// (and thus a duplicate) only within this window; zero means
	// "forever" - any prior Processed entry dedupes.
	IdempotencyWindow time.Duration
}

// Config bounds the processor's periodic cleanup sweep.
type Config struct {
	RetentionWindow time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig retains processed entries for 7 days, swept hourly.
func DefaultConfig() Config {
	return Config{
		RetentionWindow: 7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// Processor is the Inbox's dedup-then-dispatch engine.
type Processor struct {
	cfg        Config
	store      storage.InboxStore
	dispatcher Dispatcher

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// New creates a Processor.
func New(cfg Config, store storage.InboxStore, dispatcher Dispatcher) *Processor {
	return &Processor{cfg: cfg, store: store, dispatcher: dispatcher}
}

// Name identifies this worker to a lifecycle.Supervisor/SupervisorTree.
func (p *Processor) Name() string { return "inbox-cleanup" }

// Start launches the periodic cleanup sweep. ProcessIncoming itself
// needs no background worker - it runs synchronously per call.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.runCleanup()
	return nil
}

// Stop halts the cleanup sweep.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports nil; the inbox processor has no external connection of
// its own to probe beyond the storage.InboxStore it's handed.
func (p *Processor) Health() error { return nil }

// DedupeKey computes the identity ProcessIncoming dedupes on: the
// producer-assigned MessageID, scoped by source when one is given so
// the same MessageID arriving from two distinct upstreams isn't
// collapsed into one entry.
func DedupeKey(env *envelope.Envelope, opts Options) string {
	if opts.Source != "" {
		return opts.Source + ":" + env.MessageID.String()
	}
	return env.MessageID.String()
}

// ProcessIncoming runs the five-step dedup algorithm: compute the
// dedupe key, atomically claim a Pending entry (or observe a duplicate),
// dispatch outside that claim, then mark the terminal status.
func (p *Processor) ProcessIncoming(ctx context.Context, env *envelope.Envelope, opts Options) (Result, error) {
	key := DedupeKey(env, opts)
	entry := &storage.InboxEntry{
		MessageID:   key,
		Source:      opts.Source,
		MessageType: env.Type,
		Status:      storage.InboxPending,
		ReceivedAt:  time.Now(),
	}

	claimed, err := p.store.TryClaim(ctx, entry)
	if err != nil {
		return ResultFailed, err
	}
	if !claimed {
		if !p.withinWindow(ctx, key, opts) {
			return p.dispatchAndMark(ctx, env, key)
		}
		metrics.InboxDuplicates.Inc()
		slog.Debug("inbox: duplicate message observed", "messageId", key, "source", opts.Source)
		return ResultDuplicate, nil
	}

	return p.dispatchAndMark(ctx, env, key)
}

// withinWindow reports whether an existing entry for key still dedupes.
// A zero IdempotencyWindow means forever; otherwise a Processed entry
// older than the window no longer counts as a duplicate and the message
// is processed again.
func (p *Processor) withinWindow(ctx context.Context, key string, opts Options) bool {
	if opts.IdempotencyWindow <= 0 {
		return true
	}
	existing, err := p.store.Get(ctx, key)
	if err != nil {
		return true
	}
	if existing.Status != storage.InboxProcessed {
		return true
	}
	return time.Since(existing.ProcessedAt) <= opts.IdempotencyWindow
}

func (p *Processor) dispatchAndMark(ctx context.Context, env *envelope.Envelope, key string) (Result, error) {
	outcome := p.dispatcher.Dispatch(ctx, env)
	if outcome.IsFailure() {
		errMsg := ""
		if err := outcome.Err(); err != nil {
			errMsg = err.Error()
		}
		if markErr := p.store.MarkFailed(ctx, key, errMsg); markErr != nil {
			slog.Error("inbox: mark failed errored", "error", markErr, "messageId", key)
		}
		metrics.InboxProcessed.WithLabelValues("failed").Inc()
		return ResultFailed, nil
	}

	if err := p.store.MarkProcessed(ctx, key); err != nil {
		slog.Error("inbox: mark processed errored", "error", err, "messageId", key)
		return ResultFailed, err
	}
	metrics.InboxProcessed.WithLabelValues("processed").Inc()
	return ResultProcessed, nil
}

func (p *Processor) runCleanup() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.doCleanup()
		}
	}
}

func (p *Processor) doCleanup() {
	cutoff := time.Now().Add(-p.cfg.RetentionWindow)
	removed, err := p.store.CleanupOlderThan(p.ctx, cutoff)
	if err != nil {
		slog.Error("inbox: cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("inbox: cleaned up processed entries", "count", removed, "olderThan", cutoff)
	}
}
