package config

import (
	"fmt"
	"time"

	"github.com/koalafacts/heromessaging-go/inbox"
	"github.com/koalafacts/heromessaging-go/internal/common/leader"
	"github.com/koalafacts/heromessaging-go/outbox"
	"github.com/koalafacts/heromessaging-go/pipeline"
	"github.com/koalafacts/heromessaging-go/queue"
	"github.com/koalafacts/heromessaging-go/resilience"
	"github.com/koalafacts/heromessaging-go/saga"
	"github.com/koalafacts/heromessaging-go/scheduler"
)

// Config holds all configuration for a Bus instance: one struct per
// component, nested, loaded through koanf's layered defaults/file/env
// precedence (see koanf.go).
type Config struct {
	Outbox      outbox.Config
	Inbox       inbox.Config
	Saga        SagaConfig
	Scheduler   scheduler.Config
	Idempotency IdempotencyConfig
	Resilience  ResilienceConfig
	Leader      LeaderConfig
	Storage     StorageConfig
	Logging     LoggingConfig
	Queue       QueueConfig
	Batch       pipeline.BatchConfig

	// DataDir is where embedded storage backends (e.g. a future
	// key-value memstore snapshot) keep their files.
	DataDir string
}

// QueueConfig selects and sizes the in-process Queue a Bus's dispatch
// path uses ahead of the pipeline.
type QueueConfig struct {
	Kind         string // "channel" or "ring"
	BufferSize   int    // channel: <=0 means unbounded; ring: must be a power of two
	Overflow     queue.OverflowPolicy
	WaitStrategy string        // ring only: "busyspin", "yielding", "sleeping", or "blocking"
	ProducerMode string        // ring only: "single" or "multi"
	LeaseTimeout time.Duration // channel only: redelivery lease for unacked items; <=0 uses the default
}

// Build constructs the queue this QueueConfig describes. Call Validate
// first; for a ring, Build checks only what constructing it needs: the
// wait strategy, the producer mode, and the power-of-two size the ring
// itself enforces.
func (c QueueConfig) Build() (queue.Queue, error) {
	if c.Kind == "ring" {
		wait, err := parseWaitStrategy(c.WaitStrategy)
		if err != nil {
			return nil, err
		}
		mode, err := parseProducerMode(c.ProducerMode)
		if err != nil {
			return nil, err
		}
		q, err := queue.NewRingQueueWithMode(c.BufferSize, wait, mode)
		if err != nil {
			return nil, pipeline.NewError(pipeline.ErrKindConfiguration, "QUEUE_BUFFER_SIZE", err.Error())
		}
		return q, nil
	}
	return queue.NewChannelQueueWithLease(c.BufferSize, c.Overflow, c.LeaseTimeout), nil
}

func parseWaitStrategy(s string) (queue.WaitStrategy, error) {
	switch s {
	case "", "blocking":
		return queue.Blocking, nil
	case "busyspin":
		return queue.BusySpin, nil
	case "yielding":
		return queue.Yielding, nil
	case "sleeping":
		return queue.Sleeping, nil
	}
	return 0, pipeline.NewError(pipeline.ErrKindConfiguration, "QUEUE_WAIT_STRATEGY",
		fmt.Sprintf("Queue.WaitStrategy must be \"busyspin\", \"yielding\", \"sleeping\", or \"blocking\", got %q", s))
}

func parseProducerMode(s string) (queue.ProducerMode, error) {
	switch s {
	case "", "multi":
		return queue.MultiProducer, nil
	case "single":
		return queue.SingleProducer, nil
	}
	return 0, pipeline.NewError(pipeline.ErrKindConfiguration, "QUEUE_PRODUCER_MODE",
		fmt.Sprintf("Queue.ProducerMode must be \"single\" or \"multi\", got %q", s))
}

// SagaConfig bundles saga.Config with the default timeout worker cadence.
type SagaConfig struct {
	Orchestrator         saga.Config
	TimeoutWorker         scheduler.Config // reused shape: PollInterval/BatchSize apply
	DefaultTimeoutEvent   string
}

// IdempotencyConfig configures the idempotency store's default TTL and
// sweep cadence - the idempotency package itself takes these per-call
// rather than holding them, so this is purely wiring-time configuration.
type IdempotencyConfig struct {
	Backend         string // "memory" or "redis"
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	RedisAddr       string
}

// ResilienceConfig bundles the default retry/circuit-breaker settings
// applied to the pipeline's Retry/CircuitBreaker decorators.
type ResilienceConfig struct {
	Retry          resilience.RetryPolicy
	CircuitBreaker resilience.CircuitBreakerConfig
}

// LeaderConfig wraps leader.Config plus which Store backend to use.
type LeaderConfig struct {
	Enabled bool
	Backend string // "mongo" or "redis"
	leader.Config
}

// StorageConfig selects and configures the persistence backend shared
// by Outbox/Inbox/Saga/Scheduler/DeadLetter.
type StorageConfig struct {
	Backend string // "memory", "mongo", or "postgres"

	MongoURI string
	MongoDB  string

	PostgresDSN string
}

// LoggingConfig selects the slog level and output format.
type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

// Default returns a Config with the same defaults each component's own
// DefaultConfig() constructor provides, so Load()'s koanf defaults layer
// and a zero-config Bus agree on behavior.
func Default() *Config {
	return &Config{
		Outbox: outbox.DefaultConfig(),
		Inbox:  inbox.DefaultConfig(),
		Saga: SagaConfig{
			Orchestrator:        saga.DefaultConfig(),
			TimeoutWorker:       scheduler.Config{PollInterval: 30 * time.Second, BatchSize: 100},
			DefaultTimeoutEvent: "saga.timeout",
		},
		Scheduler: scheduler.DefaultConfig(),
		Idempotency: IdempotencyConfig{
			Backend:         "memory",
			DefaultTTL:      24 * time.Hour,
			CleanupInterval: 10 * time.Minute,
		},
		Resilience: ResilienceConfig{
			Retry:          resilience.DefaultRetryPolicy(),
			CircuitBreaker: resilience.DefaultCircuitBreakerConfig("heromessaging"),
		},
		Leader: LeaderConfig{
			Enabled: false,
			Backend: "mongo",
			Config:  leader.DefaultConfig("heromessaging-leader"),
		},
		Storage: StorageConfig{
			Backend:  "memory",
			MongoURI: "mongodb://localhost:27017",
			MongoDB:  "heromessaging",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Queue: QueueConfig{
			Kind:         "channel",
			BufferSize:   1000,
			Overflow:     queue.Block,
			WaitStrategy: "blocking",
			ProducerMode: "multi",
		},
		Batch:   pipeline.DefaultBatchConfig(),
		DataDir: "./data",
	}
}

// Validate checks cfg for the configuration errors startup must abort
// on: a storage backend missing its connection details, an invalid
// queue buffer size, and a zero batch size/timeout.
// It does not open any connection - it only checks the values needed to
// attempt one are present.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "mongo":
		if c.Storage.MongoURI == "" || c.Storage.MongoDB == "" {
			return pipeline.NewError(pipeline.ErrKindConfiguration, "STORAGE_MONGO_MISSING",
				"Storage.MongoURI and Storage.MongoDB are required when Storage.Backend is \"mongo\"")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return pipeline.NewError(pipeline.ErrKindConfiguration, "STORAGE_POSTGRES_MISSING",
				"Storage.PostgresDSN is required when Storage.Backend is \"postgres\"")
		}
	default:
		return pipeline.NewError(pipeline.ErrKindConfiguration, "STORAGE_BACKEND_INVALID",
			fmt.Sprintf("Storage.Backend must be \"memory\", \"mongo\", or \"postgres\", got %q", c.Storage.Backend))
	}

	switch c.Queue.Kind {
	case "channel":
	case "ring":
		if c.Queue.BufferSize < 1 || c.Queue.BufferSize&(c.Queue.BufferSize-1) != 0 {
			return pipeline.NewError(pipeline.ErrKindConfiguration, "QUEUE_BUFFER_SIZE",
				fmt.Sprintf("Queue.BufferSize must be a power of two when Queue.Kind is \"ring\", got %d", c.Queue.BufferSize))
		}
		if _, err := parseWaitStrategy(c.Queue.WaitStrategy); err != nil {
			return err
		}
		if _, err := parseProducerMode(c.Queue.ProducerMode); err != nil {
			return err
		}
	default:
		return pipeline.NewError(pipeline.ErrKindConfiguration, "QUEUE_KIND_INVALID",
			fmt.Sprintf("Queue.Kind must be \"channel\" or \"ring\", got %q", c.Queue.Kind))
	}

	if c.Batch.MaxSize <= 0 {
		return pipeline.NewError(pipeline.ErrKindConfiguration, "BATCH_MAX_SIZE",
			"Batch.MaxSize must be > 0")
	}
	if c.Batch.MaxInterval <= 0 {
		return pipeline.NewError(pipeline.ErrKindConfiguration, "BATCH_MAX_INTERVAL",
			"Batch.MaxInterval must be > 0")
	}

	if c.Outbox.PollBatchSize <= 0 {
		return pipeline.NewError(pipeline.ErrKindConfiguration, "OUTBOX_BUFFER_SIZE",
			"Outbox.PollBatchSize must be > 0")
	}
	if c.Outbox.MaxInFlight <= 0 {
		return pipeline.NewError(pipeline.ErrKindConfiguration, "OUTBOX_BUFFER_SIZE",
			"Outbox.MaxInFlight must be > 0")
	}
	if c.Scheduler.BatchSize <= 0 {
		return pipeline.NewError(pipeline.ErrKindConfiguration, "SCHEDULER_BUFFER_SIZE",
			"Scheduler.BatchSize must be > 0")
	}
	if c.Saga.TimeoutWorker.BatchSize <= 0 {
		return pipeline.NewError(pipeline.ErrKindConfiguration, "SAGA_TIMEOUT_BUFFER_SIZE",
			"Saga.TimeoutWorker.BatchSize must be > 0")
	}

	return nil
}
