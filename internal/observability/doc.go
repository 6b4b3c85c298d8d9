// Package observability provides the gateway's logging, metrics, tracing,
// and redaction building blocks.
//
// # Logging
//
// Logger wraps slog with sensitive-data redaction and context correlation.
// Request, session, user, channel, and connection identifiers travel in
// the context and are stamped onto every record automatically:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info"})
//	ctx = observability.AddRequestID(ctx, "req-123")
//	logger.Info(ctx, "message received", "channel", "telegram")
//
// Bot tokens, JWTs, webhook secrets, and password-shaped values are
// replaced with [REDACTED] before any record is written.
//
// # Metrics
//
// Metrics registers all Prometheus series under the unigate_ namespace.
// Construction is process-wide idempotent, and every helper tolerates a
// nil receiver so instrumentation can be disabled wholesale:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordRouterResult("telegram", true, 0.042)
//
// # Tracing
//
// Tracer exports OTLP spans when an endpoint is configured and degrades
// to a no-op otherwise. Spans cover ingress, dispatch, processor
// hand-off, routing, and storage access.
//
// # Redaction
//
// RedactJSONPaths produces a copy of a decoded JSON payload with chosen
// dotted paths masked. The webhook debug echo uses it before sending any
// raw provider payload back to an operator.
package observability
