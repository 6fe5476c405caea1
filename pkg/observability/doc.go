// Package observability provides structured logging, Prometheus metrics,
// health checks and OpenTelemetry tracing for the authorization service.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("user_id", 42).Info("permission cache invalidated")
//
// Request-scoped loggers pick up request and actor ids:
//
//	observability.FromContext(ctx).Warn("unauthorized role update")
//
// # Metrics
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.CacheHitsTotal.Inc()
//	http.Handle("/metrics", metrics.Handler())
//
// # Health
//
// HealthChecker pings Postgres and Redis and serves liveness and readiness
// probes as JSON.
package observability
