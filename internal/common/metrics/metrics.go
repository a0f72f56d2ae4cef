// Package metrics exposes the Prometheus metric vectors shared across
// the outbox, inbox, scheduler, saga, queue, and pipeline packages,
// registered via promauto at package init time under one namespace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "heromessaging"

var (
	// OutboxItemsProcessed tracks outbox entries reaching a terminal
	// status.
	OutboxItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "items_processed_total",
			Help:      "Total outbox entries reaching Processed or Failed",
		},
		[]string{"status"},
	)

	// OutboxInFlight tracks entries currently claimed/in-progress.
	OutboxInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "in_flight_items",
			Help:      "Outbox entries currently claimed for dispatch",
		},
	)

	// OutboxPollDuration tracks poll-and-claim latency.
	OutboxPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "poll_duration_seconds",
			Help:      "Time to poll and claim a batch of pending outbox entries",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// OutboxDeadLettered tracks entries sent to the dead letter store.
	OutboxDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "dead_lettered_total",
			Help:      "Total outbox entries exhausted to the dead letter store",
		},
	)

	// InboxDuplicates tracks messages recognized as duplicates.
	InboxDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "duplicates_total",
			Help:      "Total incoming messages short-circuited as duplicates",
		},
	)

	// InboxProcessed tracks inbox entries reaching a terminal status.
	InboxProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "processed_total",
			Help:      "Total inbox entries reaching Processed or Failed",
		},
		[]string{"status"},
	)

	// SchedulerDelivered tracks scheduled messages delivered.
	SchedulerDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "delivered_total",
			Help:      "Total scheduled messages delivered",
		},
	)

	// SchedulerPending tracks the scheduler's current pending count.
	SchedulerPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "pending",
			Help:      "Number of scheduled messages awaiting delivery",
		},
	)

	// SagaTransitions tracks saga state transitions.
	SagaTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "transitions_total",
			Help:      "Total saga state transitions, by saga type and resulting state",
		},
		[]string{"saga_type", "state"},
	)

	// SagaConcurrencyConflicts tracks optimistic-lock losses.
	SagaConcurrencyConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "concurrency_conflicts_total",
			Help:      "Total saga Version CAS conflicts encountered",
		},
		[]string{"saga_type"},
	)

	// QueueDepth tracks in-memory queue depth by queue name.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of visible-or-pending items in a queue",
		},
		[]string{"queue"},
	)

	// CircuitBreakerState tracks breaker state (0=closed, 1=open,
	// 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// LeaderElectionState tracks election state (0=follower, 1=leader).
	LeaderElectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "leader",
			Name:      "election_state",
			Help:      "Leader election state (0=follower, 1=leader)",
		},
		[]string{"lock_name"},
	)
)

// Circuit breaker state gauge values.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
