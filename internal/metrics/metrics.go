// Package metrics provides Prometheus instrumentation for TermDeck.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termdeck_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "termdeck_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Registry metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "termdeck_active_sessions",
		Help: "Number of sessions currently held by the registry.",
	})

	ActiveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "termdeck_active_workers",
		Help: "Number of workers with a running engine, by worker type.",
	}, []string{"type"})

	ActivityTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termdeck_activity_transitions_total",
		Help: "Total number of worker activity state transitions.",
	}, []string{"state"})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "termdeck_ws_connections_active",
		Help: "Number of active WebSocket connections, by channel kind.",
	}, []string{"channel"})

	WSMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termdeck_ws_messages_total",
		Help: "Total number of WebSocket messages, by channel kind and direction.",
	}, []string{"channel", "direction"})

	WSQueueOverflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termdeck_ws_send_queue_overflows_total",
		Help: "Connections closed because their send queue overflowed.",
	}, []string{"channel"})
)

// Worker engine metrics.
var (
	PTYBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termdeck_pty_bytes_total",
		Help: "Bytes moved through worker PTYs, by direction.",
	}, []string{"direction"})

	SDKMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termdeck_sdk_messages_total",
		Help: "Structured SDK messages processed by agent engines.",
	})

	DiffRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "termdeck_diff_refresh_duration_seconds",
		Help:    "Git diff recomputation duration in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	DiffRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termdeck_diff_refreshes_total",
		Help: "Total git diff recomputations, by result.",
	}, []string{"result"})
)
