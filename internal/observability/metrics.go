package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central Prometheus instrumentation surface.
//
// It tracks:
//   - Message flow per channel and direction
//   - Webhook admission outcomes and parser fallbacks
//   - Event bus publishes and processor hand-offs
//   - Response routing outcomes, per channel, with latency
//   - Login, binding, and file upload outcomes
//   - HTTP and database latency
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.MessageReceived("telegram", "inbound")
//	metrics.RecordRouterResult("web", true, 0.042)
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	// Labels: channel (telegram|web), direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// WebhookRequests counts webhook terminal statuses.
	// Labels: status (ok|ignored|command_handled|sqs_failed|error|forbidden|bad_request)
	WebhookRequests *prometheus.CounterVec

	// WebhookParsingFallback counts updates that failed strict parsing and
	// were recovered by hand extraction.
	WebhookParsingFallback prometheus.Counter

	// BusEvents counts events published on the bus.
	// Labels: source, detail_type, status (ok|error)
	BusEvents *prometheus.CounterVec

	// ProcessorRequests counts hand-offs to the agent processor.
	// Labels: mode (sync|async), status (success|error)
	ProcessorRequests *prometheus.CounterVec

	// ProcessorDuration measures processor hand-off latency in seconds.
	// Buckets: 0.1s to 120s
	ProcessorDuration prometheus.Histogram

	// RouterResults counts routed completions by channel and outcome.
	// Labels: channel, status (success|failure)
	RouterResults *prometheus.CounterVec

	// RouterInvalidEvents counts completion events missing required fields.
	RouterInvalidEvents prometheus.Counter

	// RouterUnsupportedChannel counts completions for unknown channels.
	// Labels: channel
	RouterUnsupportedChannel *prometheus.CounterVec

	// RouterErrors counts unexpected routing failures.
	RouterErrors prometheus.Counter

	// RouterDuration measures end-to-end routing latency in seconds.
	// Labels: channel
	RouterDuration *prometheus.HistogramVec

	// LoginAttempts counts web logins by outcome.
	// Labels: status (success|invalid|disabled|rate_limited)
	LoginAttempts *prometheus.CounterVec

	// BindingEvents counts identity binding activity.
	// Labels: status (issued|redeemed|rejected)
	BindingEvents *prometheus.CounterVec

	// FileUploads counts inbound attachment handling.
	// Labels: status (stored|denied|oversize|failed)
	FileUploads *prometheus.CounterVec

	// ActiveConnections gauges live WebSocket connections.
	ActiveConnections prometheus.Gauge

	// ErrorCounter tracks errors by component and type.
	// Labels: component (webhook|websocket|router|history|bus|storage), error_type
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures query latency in seconds.
	// Labels: operation (select|insert|update|delete), table
	DatabaseQueryDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts database queries.
	// Labels: operation, table, status (success|error)
	DatabaseQueryCounter *prometheus.CounterVec
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics creates and registers all gateway metrics with the default
// Prometheus registry. Safe to call more than once; registration happens
// a single time per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			MessageCounter: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "unigate_messages_total",
					Help: "Total messages processed by channel and direction",
				},
				[]string{"channel", "direction"},
			),

			WebhookRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "unigate_webhook_requests_total",
					Help: "Webhook requests by terminal status",
				},
				[]string{"status"},
			),

			WebhookParsingFallback: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "unigate_webhook_parsing_fallback_total",
					Help: "Updates recovered by hand extraction after strict parse failure",
				},
			),

			BusEvents: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "unigate_bus_events_total",
					Help: "Events published on the bus by source, type, and outcome",
				},
				[]string{"source", "detail_type", "status"},
			),

			ProcessorRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "unigate_processor_requests_total",
					Help: "Hand-offs to the agent processor by mode and outcome",
				},
				[]string{"mode", "status"},
			),

			ProcessorDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "unigate_processor_duration_seconds",
					Help:    "Agent processor hand-off latency in seconds",
					Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
				},
			),

			RouterResults: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "unigate_router_results_total",
					Help: "Routed completions by channel and outcome",
				},
				[]string{"channel", "status"},
			),

			RouterInvalidEvents: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "unigate_router_invalid_events_total",
					Help: "Completion events rejected for missing required fields",
				},
			),

			RouterUnsupportedChannel: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "unigate_router_unsupported_channel_total",
					Help: "Completions addressed to channels with no delivery strategy",
				},
				[]string{"channel"},
			),

			RouterErrors: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "unigate_router_errors_total",
					Help: "Unexpected failures while routing completions",
				},
			),

			RouterDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "unigate_router_duration_seconds",
					Help:    "End-to-end completion routing latency in seconds",
					Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
				},
				[]string{"channel"},
			),

			LoginAttempts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "unigate_login_attempts_total",
					Help: "Web login attempts by outcome",
				},
				[]string{"status"},
			),

			BindingEvents: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "unigate_binding_events_total",
					Help: "Identity binding code activity by outcome",
				},
				[]string{"status"},
			),

			FileUploads: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "unigate_file_uploads_total",
					Help: "Inbound attachment handling by outcome",
				},
				[]string{"status"},
			),

			ActiveConnections: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "unigate_active_connections",
					Help: "Live WebSocket connections",
				},
			),

			ErrorCounter: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "unigate_errors_total",
					Help: "Errors by component and error type",
				},
				[]string{"component", "error_type"},
			),

			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "unigate_http_request_duration_seconds",
					Help:    "HTTP request latency in seconds",
					Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
				},
				[]string{"method", "path", "status_code"},
			),

			HTTPRequestCounter: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "unigate_http_requests_total",
					Help: "Total HTTP requests",
				},
				[]string{"method", "path", "status_code"},
			),

			DatabaseQueryDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "unigate_database_query_duration_seconds",
					Help:    "Database query latency in seconds",
					Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
				},
				[]string{"operation", "table"},
			),

			DatabaseQueryCounter: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "unigate_database_queries_total",
					Help: "Total database queries",
				},
				[]string{"operation", "table", "status"},
			),
		}
	})
	return metricsInstance
}

// MessageReceived increments the message counter for inbound traffic.
func (m *Metrics) MessageReceived(channel string) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues(channel, "inbound").Inc()
}

// MessageSent increments the message counter for outbound traffic.
func (m *Metrics) MessageSent(channel string) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues(channel, "outbound").Inc()
}

// RecordWebhookStatus counts one webhook request terminal status.
func (m *Metrics) RecordWebhookStatus(status string) {
	if m == nil {
		return
	}
	m.WebhookRequests.WithLabelValues(status).Inc()
}

// RecordWebhookFallback counts a strict-parse failure recovered by hand
// extraction.
func (m *Metrics) RecordWebhookFallback() {
	if m == nil {
		return
	}
	m.WebhookParsingFallback.Inc()
}

// RecordBusEvent counts one bus publish attempt.
func (m *Metrics) RecordBusEvent(source, detailType, status string) {
	if m == nil {
		return
	}
	m.BusEvents.WithLabelValues(source, detailType, status).Inc()
}

// RecordProcessorRequest counts a processor hand-off and its latency.
func (m *Metrics) RecordProcessorRequest(mode, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ProcessorRequests.WithLabelValues(mode, status).Inc()
	m.ProcessorDuration.Observe(durationSeconds)
}

// RecordRouterResult counts one routed completion and its latency.
func (m *Metrics) RecordRouterResult(channel string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	status := "failure"
	if success {
		status = "success"
	}
	m.RouterResults.WithLabelValues(channel, status).Inc()
	m.RouterDuration.WithLabelValues(channel).Observe(durationSeconds)
}

// RecordRouterInvalidEvent counts a completion missing required fields.
func (m *Metrics) RecordRouterInvalidEvent() {
	if m == nil {
		return
	}
	m.RouterInvalidEvents.Inc()
}

// RecordRouterUnsupportedChannel counts a completion for an unknown channel.
func (m *Metrics) RecordRouterUnsupportedChannel(channel string) {
	if m == nil {
		return
	}
	m.RouterUnsupportedChannel.WithLabelValues(channel).Inc()
}

// RecordRouterError counts an unexpected routing failure.
func (m *Metrics) RecordRouterError() {
	if m == nil {
		return
	}
	m.RouterErrors.Inc()
}

// RecordLoginAttempt counts one web login outcome.
func (m *Metrics) RecordLoginAttempt(status string) {
	if m == nil {
		return
	}
	m.LoginAttempts.WithLabelValues(status).Inc()
}

// RecordBindingEvent counts one binding code outcome.
func (m *Metrics) RecordBindingEvent(status string) {
	if m == nil {
		return
	}
	m.BindingEvents.WithLabelValues(status).Inc()
}

// RecordFileUpload counts one attachment handling outcome.
func (m *Metrics) RecordFileUpload(status string) {
	if m == nil {
		return
	}
	m.FileUploads.WithLabelValues(status).Inc()
}

// ConnectionOpened increments the live connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the live connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// RecordError increments the error counter for a component and type.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordDatabaseQuery records one database query.
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}
