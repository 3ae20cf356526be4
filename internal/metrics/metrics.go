// Package metrics exposes the Prometheus instrumentation for the
// consumer engine, generalized from the teacher's dispatch-pool metric
// family (PoolMessagesProcessed, PoolActiveWorkers, ...) to the Poller /
// Heartbeat / Dispatcher trio this runtime is built from.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesReceived counts messages returned by Receive, per queue.
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queuerunner",
			Subsystem: "poller",
			Name:      "messages_received_total",
			Help:      "Total messages returned by receive calls",
		},
		[]string{"queue"},
	)

	// EmptyReceives counts receive calls that returned zero messages.
	EmptyReceives = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queuerunner",
			Subsystem: "poller",
			Name:      "empty_receives_total",
			Help:      "Total receive calls that returned no messages",
		},
		[]string{"queue"},
	)

	// ReceiveErrors counts classified receive failures.
	ReceiveErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queuerunner",
			Subsystem: "poller",
			Name:      "receive_errors_total",
			Help:      "Total receive errors by classification",
		},
		[]string{"queue", "class"},
	)

	// ActivePollers tracks the number of running Poller goroutines.
	ActivePollers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "queuerunner",
			Subsystem: "poller",
			Name:      "active",
			Help:      "Number of running poller goroutines",
		},
		[]string{"queue"},
	)

	// HeartbeatExtensions counts successful visibility extensions.
	HeartbeatExtensions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queuerunner",
			Subsystem: "heartbeat",
			Name:      "extensions_total",
			Help:      "Total successful visibility timeout extensions",
		},
		[]string{"queue"},
	)

	// HeartbeatLeaseLost counts leases dropped due to invalid/expired
	// receipt handles or exhausted retries.
	HeartbeatLeaseLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queuerunner",
			Subsystem: "heartbeat",
			Name:      "lease_lost_total",
			Help:      "Total leases marked lost by the heartbeat",
		},
		[]string{"queue"},
	)

	// HeartbeatCapped counts leases that hit max_extend_s.
	HeartbeatCapped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queuerunner",
			Subsystem: "heartbeat",
			Name:      "capped_total",
			Help:      "Total leases capped at max_extend_s",
		},
		[]string{"queue"},
	)

	// DispatcherActiveWorkers tracks in-flight handler invocations, bounded
	// by worker_threads (spec §8 invariant 4).
	DispatcherActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "queuerunner",
			Subsystem: "dispatcher",
			Name:      "active_workers",
			Help:      "Number of in-flight handler invocations",
		},
		[]string{"queue"},
	)

	// MessagesDeleted counts successfully deleted (acknowledged) messages.
	MessagesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queuerunner",
			Subsystem: "dispatcher",
			Name:      "messages_deleted_total",
			Help:      "Total messages deleted after successful handling",
		},
		[]string{"queue"},
	)

	// MessagesFailed counts messages left to redeliver after handler
	// failure, lease loss, or cap.
	MessagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queuerunner",
			Subsystem: "dispatcher",
			Name:      "messages_failed_total",
			Help:      "Total messages left to redeliver, by reason",
		},
		[]string{"queue", "reason"},
	)

	// HandlerDuration observes handler execution time.
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "queuerunner",
			Subsystem: "dispatcher",
			Name:      "handler_duration_seconds",
			Help:      "Handler execution duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"queue", "mode"},
	)
)
