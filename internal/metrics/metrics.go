// Package metrics provides Prometheus metrics for the graph engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsTotal counts finished sessions by outcome.
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "graph_engine",
			Name:      "sessions_total",
			Help:      "Total number of completed graph execution sessions by outcome",
		},
		[]string{"outcome"}, // "succeeded", "failed"
	)

	// SessionsCreated counts sessions created through the invoker or batches.
	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "graph_engine",
			Name:      "sessions_created_total",
			Help:      "Total number of graph execution sessions created",
		},
		[]string{"source"}, // "api", "batch"
	)

	// InvocationsTotal counts node invocations by kind and status.
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "graph_engine",
			Name:      "invocations_total",
			Help:      "Total number of node invocations by kind and status",
		},
		[]string{"kind", "status"}, // status: "complete", "error"
	)

	// InvocationDuration tracks node invocation duration.
	InvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "graph_engine",
			Name:      "invocation_duration_seconds",
			Help:      "Node invocation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// InvocationsActive tracks invocations currently running.
	InvocationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "graph_engine",
			Name:      "invocations_active",
			Help:      "Number of node invocations currently running",
		},
	)

	// QueueDepth tracks items waiting in the invocation queue.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "graph_engine",
			Name:      "queue_depth",
			Help:      "Number of queue items waiting for a worker",
		},
	)

	// QueueItemsDropped counts dequeued items that were not invoked.
	QueueItemsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "graph_engine",
			Name:      "queue_items_dropped_total",
			Help:      "Total number of dequeued items skipped without invocation",
		},
		[]string{"reason"}, // "canceled", "executed", "missing"
	)

	// EventsTotal counts events emitted by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "graph_engine",
			Name:      "events_total",
			Help:      "Total number of events emitted",
		},
		[]string{"type"},
	)

	// ItemStoreOperations counts item store operations.
	ItemStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "graph_engine",
			Name:      "itemstore_operations_total",
			Help:      "Total number of item store operations",
		},
		[]string{"table", "operation", "result"}, // operation: get, set; result: success, error
	)

	// BatchesTotal counts batch processes created.
	BatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "graph_engine",
			Name:      "batches_total",
			Help:      "Total number of batch processes created",
		},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "graph_engine",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "graph_engine",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEActiveConnections tracks open event streams.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "graph_engine",
			Name:      "sse_active_connections",
			Help:      "Number of active SSE connections",
		},
	)

	// SSEConnectionDuration tracks how long event streams stay open.
	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "graph_engine",
			Name:      "sse_connection_duration_seconds",
			Help:      "SSE connection duration in seconds",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600},
		},
	)
)

// Result returns the result label for an operation error.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
