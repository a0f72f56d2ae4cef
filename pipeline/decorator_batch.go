package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/koalafacts/heromessaging-go/envelope"
)

// BatchConfig bounds how many envelopes accumulate, and for how long,
// before a batch is flushed to the wrapped Processor.
type BatchConfig struct {
	// MaxSize triggers an immediate flush once this many envelopes are
	// pending. Must be > 0.
	MaxSize int
	// MaxInterval flushes whatever is pending if MaxSize is never
	// reached. Must be > 0.
	MaxInterval time.Duration
	// MinBatchSize, when > 0, defers a MaxInterval-triggered flush once
	// if fewer than MinBatchSize envelopes are pending, giving the
	// batch one extra MaxInterval to fill up before flushing
	// unconditionally - bounds the extra wait to at most 2x
	// MaxInterval so a caller is never stuck indefinitely.
	MinBatchSize int
	// MaxDegreeOfParallelism bounds how many envelopes in a flushed
	// batch are handed to the wrapped Processor concurrently. <= 0
	// means unbounded (one goroutine per pending envelope).
	MaxDegreeOfParallelism int
	// ContinueOnFailure controls what happens to the rest of a batch
	// once one envelope in it fails. When false (the default), every
	// envelope still awaiting dispatch when a failure is observed is not
	// invoked and fails with BATCH_ABORTED instead, rather than invoking
	// the handler for messages likely to fail the same way. When true,
	// every envelope in the batch is still dispatched regardless of its
	// siblings' outcomes. This applies to per-message dispatch; the
	// outcomes of a successful BatchProcessor call are returned as is.
	ContinueOnFailure bool
}

// DefaultBatchConfig flushes at 50 items or 100ms, whichever comes
// first - small enough that a low-traffic handler chain never waits
// long for a batch to fill.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{MaxSize: 50, MaxInterval: 100 * time.Millisecond}
}

// BatchProcessor is an optional interface a wrapped Processor can
// implement to receive an entire accumulated batch in one call - e.g.
// to issue one bulk outbox insert instead of N individual writes.
// ProcessBatch returns one Outcome per envelope in envs, in order. If
// it returns a non-nil error (the whole batch call failed, e.g. a lost
// connection) rather than per-item outcomes, WithBatch falls back to
// invoking Process once per envelope instead.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, envs []*envelope.Envelope) ([]Outcome, error)
}

type batchRequest struct {
	ctx    context.Context
	env    *envelope.Envelope
	result chan Outcome
}

// batcher accumulates requests and flushes them as a group once MaxSize
// is reached or MaxInterval elapses since the first pending request.
type batcher struct {
	cfg      BatchConfig
	next     Processor
	mu       sync.Mutex
	pending  []*batchRequest
	timer    *time.Timer
	extended bool
}

// WithBatch groups concurrent Process calls into batches, ensuring a
// group of envelopes that arrived together is flushed together rather
// than trickling through one at a time - useful when next (or the
// handler underneath) amortizes a fixed cost (e.g. one outbox API call)
// across many items. If next implements BatchProcessor, the whole batch
// goes to a single ProcessBatch call; otherwise (or if that call fails)
// next is invoked once per envelope, so Retry/CircuitBreaker/Transaction
// below it operate per-message.
//
// MaxSize<=0 or MaxInterval<=0 is rejected as a configuration error
// rather than silently coerced to a working default, since a caller
// that asked for "no batching boundary" almost certainly meant to
// configure something else.
func WithBatch(cfg BatchConfig) (Decorator, error) {
	if cfg.MaxSize <= 0 {
		return nil, NewError(ErrKindConfiguration, "BATCH_MAX_SIZE", "BatchConfig.MaxSize must be > 0")
	}
	if cfg.MaxInterval <= 0 {
		return nil, NewError(ErrKindConfiguration, "BATCH_MAX_INTERVAL", "BatchConfig.MaxInterval must be > 0")
	}
	if cfg.MinBatchSize > cfg.MaxSize {
		return nil, NewError(ErrKindConfiguration, "BATCH_MIN_SIZE", "BatchConfig.MinBatchSize must be <= MaxSize")
	}

	return func(next Processor) Processor {
		b := &batcher{cfg: cfg, next: next}
		return ProcessorFunc(func(ctx context.Context, env *envelope.Envelope) Outcome {
			req := &batchRequest{ctx: ctx, env: env, result: make(chan Outcome, 1)}
			b.enqueue(req)

			select {
			case outcome := <-req.result:
				return outcome
			case <-ctx.Done():
				return Failure(NewError(ErrKindCancelled, "BATCH_CANCELLED", ctx.Err().Error()))
			}
		})
	}, nil
}

func (b *batcher) enqueue(req *batchRequest) {
	b.mu.Lock()
	b.pending = append(b.pending, req)
	shouldFlush := len(b.pending) >= b.cfg.MaxSize
	if len(b.pending) == 1 && !shouldFlush {
		b.extended = false
		b.timer = time.AfterFunc(b.cfg.MaxInterval, b.onTimer)
	}
	b.mu.Unlock()

	if shouldFlush {
		b.flush()
	}
}

// onTimer runs when MaxInterval elapses since the first pending
// request in the current batch. It defers once (per MinBatchSize) if
// the batch hasn't reached its minimum size yet.
func (b *batcher) onTimer() {
	b.mu.Lock()
	if b.cfg.MinBatchSize > 0 && !b.extended && len(b.pending) < b.cfg.MinBatchSize && len(b.pending) > 0 {
		b.extended = true
		b.timer = time.AfterFunc(b.cfg.MaxInterval, b.onTimer)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.flush()
}

func (b *batcher) flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if bp, ok := b.next.(BatchProcessor); ok {
		envs := make([]*envelope.Envelope, len(batch))
		for i, req := range batch {
			envs[i] = req.env
		}
		// No single context spans every request in the batch; the
		// first request's context stands in for the bulk call.
		outcomes, err := bp.ProcessBatch(batch[0].ctx, envs)
		if err == nil && len(outcomes) == len(batch) {
			for i, req := range batch {
				req.result <- outcomes[i]
			}
			return
		}
	}

	b.dispatchPerMessage(batch)
}

// dispatchPerMessage is the per-message fallback: invoked directly
// when next isn't a BatchProcessor, and as the fallback when a
// BatchProcessor's bulk call itself fails.
func (b *batcher) dispatchPerMessage(batch []*batchRequest) {
	if !b.cfg.ContinueOnFailure {
		aborted := false
		for _, req := range batch {
			if aborted {
				req.result <- Failure(NewError(ErrKindPermanent, "BATCH_ABORTED", "batch aborted after an earlier message in the batch failed"))
				continue
			}
			outcome := b.next.Process(req.ctx, req.env)
			if outcome.IsFailure() {
				aborted = true
			}
			req.result <- outcome
		}
		return
	}

	maxParallel := b.cfg.MaxDegreeOfParallelism
	if maxParallel <= 0 || maxParallel > len(batch) {
		maxParallel = len(batch)
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxParallel)
	for _, req := range batch {
		req := req
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			req.result <- b.next.Process(req.ctx, req.env)
		}()
	}
	wg.Wait()
}
