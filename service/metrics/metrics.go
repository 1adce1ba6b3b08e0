package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
// All Record helpers are no-ops on a nil *Metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal        *prometheus.CounterVec
	solanaRPCCallDuration      *prometheus.HistogramVec
	solanaRPCSignaturesPerCall *prometheus.HistogramVec

	// Sync Engine Metrics
	syncStateTransitionsTotal *prometheus.CounterVec
	syncDuration              *prometheus.HistogramVec
	heartbeatTicksTotal       *prometheus.CounterVec
	lastBlockHeight           prometheus.Gauge
	walletBalanceLamports     prometheus.Gauge
	transactionsSyncedTotal   *prometheus.CounterVec
	pendingReconciledTotal    *prometheus.CounterVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCSignaturesPerCall: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_signatures_per_call",
				Help:    "Number of signatures fetched per GetSignaturesForAddress call",
				Buckets: []float64{0, 1, 10, 50, 100, 250, 500, 1000},
			},
			[]string{"endpoint"},
		),

		// Sync Engine Metrics
		syncStateTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_state_transitions_total",
				Help: "Total number of published sync state changes by domain and state",
			},
			[]string{"domain", "state"},
		),
		syncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sync_duration_seconds",
				Help:    "Duration of a domain sync pass in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"domain", "status"},
		),
		heartbeatTicksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heartbeat_ticks_total",
				Help: "Total number of heartbeat height fetches by outcome",
			},
			[]string{"status"},
		),
		lastBlockHeight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "last_block_height",
				Help: "Most recently observed block height",
			},
		),
		walletBalanceLamports: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wallet_balance_lamports",
				Help: "Cached native balance of the wallet in lamports",
			},
		),
		transactionsSyncedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_synced_total",
				Help: "Total number of transactions merged from a sync source",
			},
			[]string{"source"},
		),
		pendingReconciledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pending_reconciliations_total",
				Help: "Total number of pending transaction confirmation lookups by outcome",
			},
			[]string{"outcome"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations by type and status",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	if m == nil {
		return
	}
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRPCSignaturesPerCall records the number of signatures fetched.
func (m *Metrics) RecordRPCSignaturesPerCall(endpoint string, count float64) {
	if m == nil {
		return
	}
	m.solanaRPCSignaturesPerCall.WithLabelValues(endpoint).Observe(count)
}

// Sync engine metric helpers

// RecordSyncState records a published state change for a domain.
func (m *Metrics) RecordSyncState(domain, state string) {
	if m == nil {
		return
	}
	m.syncStateTransitionsTotal.WithLabelValues(domain, state).Inc()
}

// RecordSyncDuration records how long a domain sync pass took.
func (m *Metrics) RecordSyncDuration(domain, status string, duration float64) {
	if m == nil {
		return
	}
	m.syncDuration.WithLabelValues(domain, status).Observe(duration)
}

// RecordHeartbeatTick records the outcome of one heartbeat height fetch.
func (m *Metrics) RecordHeartbeatTick(status string) {
	if m == nil {
		return
	}
	m.heartbeatTicksTotal.WithLabelValues(status).Inc()
}

// SetLastBlockHeight sets the last observed block height.
func (m *Metrics) SetLastBlockHeight(height uint64) {
	if m == nil {
		return
	}
	m.lastBlockHeight.Set(float64(height))
}

// SetBalance sets the cached wallet balance.
func (m *Metrics) SetBalance(lamports uint64) {
	if m == nil {
		return
	}
	m.walletBalanceLamports.Set(float64(lamports))
}

// RecordTransactionsSynced records transactions merged from a source.
func (m *Metrics) RecordTransactionsSynced(source string, count int) {
	if m == nil {
		return
	}
	m.transactionsSyncedTotal.WithLabelValues(source).Add(float64(count))
}

// RecordPendingReconciliation records one confirmation lookup outcome
// ("confirmed", "unconfirmed" or "error").
func (m *Metrics) RecordPendingReconciliation(outcome string) {
	if m == nil {
		return
	}
	m.pendingReconciledTotal.WithLabelValues(outcome).Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	if m == nil {
		return
	}
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(eventType string) {
	if m == nil {
		return
	}
	m.sseEventsSent.WithLabelValues(eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
