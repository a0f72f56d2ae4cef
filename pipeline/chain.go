package pipeline

import "github.com/koalafacts/heromessaging-go/resilience"

// ChainConfig bundles the decorators the canonical chain installs, any
// of which may be left nil/zero to skip that stage entirely.
type ChainConfig struct {
	Validate    Validator
	Idempotency *IdempotencyConfig
	Batch       *BatchConfig
	Retry       *resilience.RetryPolicy
	Breaker     *resilience.CircuitBreaker
	UnitOfWork  UnitOfWorkFactory
}

// BuildChain assembles the canonical decorator order:
// Validation -> Idempotency -> Batch -> Retry -> CircuitBreaker ->
// Transaction -> Handler. Any stage whose config is nil/zero is
// omitted, so callers needing only a subset (e.g. just idempotency) can
// still use BuildChain instead of hand-assembling a Builder. Returns a
// Configuration error if cfg.Batch is invalid.
func BuildChain(cfg ChainConfig, handler Processor) (Processor, error) {
	b := NewBuilder()

	if cfg.Validate != nil {
		b.Use(WithValidation(cfg.Validate))
	}
	if cfg.Idempotency != nil {
		b.Use(WithIdempotency(*cfg.Idempotency))
	}
	if cfg.Batch != nil {
		batchDecorator, err := WithBatch(*cfg.Batch)
		if err != nil {
			return nil, err
		}
		b.Use(batchDecorator)
	}
	if cfg.Retry != nil {
		b.Use(WithRetry(*cfg.Retry))
	}
	if cfg.Breaker != nil {
		b.Use(WithCircuitBreaker(cfg.Breaker))
	}
	if cfg.UnitOfWork != nil {
		b.Use(WithTransaction(cfg.UnitOfWork))
	}

	return b.Build(handler), nil
}
