package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics exported by the authorization core
type Metrics struct {
	registry *prometheus.Registry

	// Authorization checks
	AuthzChecksTotal     *prometheus.CounterVec
	ResolveDuration      *prometheus.HistogramVec
	AdminOperationsTotal *prometheus.CounterVec

	// Permission cache
	CacheHitsTotal          prometheus.Counter
	CacheMissesTotal        prometheus.Counter
	CacheErrorsTotal        *prometheus.CounterVec
	CacheInvalidationsTotal *prometheus.CounterVec

	// Audit
	AuditWritesTotal   *prometheus.CounterVec
	AuditFailuresTotal prometheus.Counter

	// Threat response
	IPBlocksTotal       *prometheus.CounterVec
	IPUnblocksTotal     *prometheus.CounterVec
	NotificationsTotal  *prometheus.CounterVec
	SecurityEventsTotal *prometheus.CounterVec

	// Emergency access
	EmergencyOperationsTotal *prometheus.CounterVec

	// Throttling
	RateLimitDenialsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on registry.
// A nil registry gets a fresh one so tests can build isolated instances.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,

		AuthzChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_checks_total",
				Help: "Total number of permission checks",
			},
			[]string{"result"},
		),
		ResolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authz_resolve_duration_seconds",
				Help:    "Permission resolution duration in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"path"},
		),
		AdminOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_admin_operations_total",
				Help: "Role administration operations by outcome",
			},
			[]string{"operation", "outcome"},
		),

		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authz_permission_cache_hits_total",
			Help: "Permission cache hits",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authz_permission_cache_misses_total",
			Help: "Permission cache misses",
		}),
		CacheErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_permission_cache_errors_total",
				Help: "Permission cache backend errors",
			},
			[]string{"operation"},
		),
		CacheInvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_permission_cache_invalidations_total",
				Help: "Permission cache invalidations by scope",
			},
			[]string{"scope"},
		),

		AuditWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_audit_writes_total",
				Help: "Audit rows written by action",
			},
			[]string{"action"},
		),
		AuditFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authz_audit_failures_total",
			Help: "Audit rows that could not be persisted",
		}),

		IPBlocksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_ip_blocks_total",
				Help: "Automatic IP blocks by triggering event type",
			},
			[]string{"event_type"},
		),
		IPUnblocksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_ip_unblocks_total",
				Help: "IP unblocks by mode",
			},
			[]string{"mode"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_security_notifications_total",
				Help: "Security notifications by outcome",
			},
			[]string{"outcome"},
		),
		SecurityEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_security_events_total",
				Help: "Security events received by type and disposition",
			},
			[]string{"event_type", "disposition"},
		),

		EmergencyOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_emergency_operations_total",
				Help: "Emergency access operations by outcome",
			},
			[]string{"operation", "outcome"},
		),

		RateLimitDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_rate_limit_denials_total",
				Help: "Requests refused by a rate limiter",
			},
			[]string{"limiter"},
		),
	}

	registry.MustRegister(
		m.AuthzChecksTotal,
		m.ResolveDuration,
		m.AdminOperationsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheErrorsTotal,
		m.CacheInvalidationsTotal,
		m.AuditWritesTotal,
		m.AuditFailuresTotal,
		m.IPBlocksTotal,
		m.IPUnblocksTotal,
		m.NotificationsTotal,
		m.SecurityEventsTotal,
		m.EmergencyOperationsTotal,
		m.RateLimitDenialsTotal,
	)

	return m
}

// Registry returns the registry the metrics were registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OrNop returns m, or a throwaway instance when m is nil.
func OrNop(m *Metrics) *Metrics {
	if m == nil {
		return NewMetrics(nil)
	}
	return m
}
