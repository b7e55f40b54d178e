// Package metrics provides Prometheus instrumentation for ledgerlink.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgerlink",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ledgerlink",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LifecycleEventsTotal counts lifecycle events emitted by type.
	LifecycleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgerlink",
			Name:      "lifecycle_events_total",
			Help:      "Total lifecycle events emitted on the event bus by type.",
		},
		[]string{"type"},
	)

	// EventHandlerPanicsTotal counts recovered panics in event handlers.
	EventHandlerPanicsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ledgerlink",
		Name:      "event_handler_panics_total",
		Help:      "Total panics recovered from event handlers.",
	})

	// ReconcilerTicksTotal counts reconciliation ticks by result.
	ReconcilerTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgerlink",
			Name:      "reconciler_ticks_total",
			Help:      "Total reconciliation ticks by result (ok, error).",
		},
		[]string{"result"},
	)

	// ReconcilerTickDuration observes the duration of reconciliation ticks.
	ReconcilerTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ledgerlink",
		Name:      "reconciler_tick_duration_seconds",
		Help:      "Duration of a reconciliation tick in seconds.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
	})

	// ReconcilerTransactionsTotal counts ledger transactions classified.
	ReconcilerTransactionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ledgerlink",
		Name:      "reconciler_transactions_total",
		Help:      "Total ledger transactions fetched and classified.",
	})

	// ContractsCreatedTotal counts successful escrow contract creations.
	ContractsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ledgerlink",
		Name:      "contracts_created_total",
		Help:      "Total escrow contracts created by the orchestrator.",
	})

	// ContractCloseProposalsTotal counts closing proposals by action and result.
	ContractCloseProposalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgerlink",
			Name:      "contract_close_proposals_total",
			Help:      "Total contract closing proposals by action (fulfill, reject, timeout) and result.",
		},
		[]string{"action", "result"},
	)

	// ExpiryWatchersActive tracks armed expiry watchers.
	ExpiryWatchersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgerlink",
		Name:      "expiry_watchers_active",
		Help:      "Number of currently armed expiry watchers.",
	})

	// MessagesTotal counts messages sent by delivery path (direct, ledger).
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgerlink",
			Name:      "messages_total",
			Help:      "Total outgoing messages by delivery path.",
		},
		[]string{"path"},
	)

	// ActiveWebSocketClients tracks connected event-feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgerlink",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LifecycleEventsTotal,
		EventHandlerPanicsTotal,
		ReconcilerTicksTotal,
		ReconcilerTickDuration,
		ReconcilerTransactionsTotal,
		ContractsCreatedTotal,
		ContractCloseProposalsTotal,
		ExpiryWatchersActive,
		MessagesTotal,
		ActiveWebSocketClients,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
