package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/supportly/authz/pkg/audit"
	"github.com/supportly/authz/pkg/emergency"
	"github.com/supportly/authz/pkg/httputil"
	"github.com/supportly/authz/pkg/middleware"
	"github.com/supportly/authz/pkg/observability"
	"github.com/supportly/authz/pkg/ratelimit"
	"github.com/supportly/authz/pkg/rbac"
	"github.com/supportly/authz/pkg/threat"
)

// AuditSearcher reads the audit trail
type AuditSearcher interface {
	Search(ctx context.Context, filter audit.Filter) ([]*audit.Entry, error)
}

// Deps are the components the API fronts. Health, Limiter and Metrics are
// optional.
type Deps struct {
	Resolver  *rbac.Resolver
	Manager   *rbac.Manager
	Temporal  *rbac.TemporalManager
	Emergency *emergency.Manager
	Threat    *threat.Engine
	Audits    AuditSearcher
	AuditLog  *audit.Log
	Health    *observability.HealthChecker
	Limiter   *ratelimit.Limiter
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// Server is the admin HTTP surface of the authorization core
type Server struct {
	deps    Deps
	router  *mux.Router
	handler http.Handler
	logger  *observability.Logger
}

// NewServer builds the router
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		logger: observability.OrDefault(deps.Logger).WithField("component", "httpapi"),
	}
	s.deps.Metrics = observability.OrNop(deps.Metrics)
	s.setupRoutes()

	s.handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(s.logger),
		httputil.LoggingMiddleware(s.logger),
		httputil.MaxBytesMiddleware(1<<20),
	)(s.router)
	s.handler = otelhttp.NewHandler(s.handler, "authz")
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	if s.deps.Health != nil {
		s.router.HandleFunc("/healthz", s.deps.Health.Liveness).Methods("GET")
		s.router.HandleFunc("/readyz", s.deps.Health.Readiness).Methods("GET")
	}
	s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods("GET")

	v1 := s.router.PathPrefix("/v1").Subrouter()
	if s.deps.Threat != nil {
		v1.Use(middleware.BlockedIPMiddleware(s.deps.Threat, s.logger))
	}
	if s.deps.Limiter != nil {
		v1.Use(middleware.RateLimitMiddleware(s.deps.Limiter, s.logger))
	}

	// token holders redeem before they have any identity of their own
	public := v1.PathPrefix("/emergency/redeem").Subrouter()
	public.Use(middleware.NewActorMiddleware(true).Handler)
	public.HandleFunc("", s.redeemEmergency).Methods("POST")

	api := v1.NewRoute().Subrouter()
	api.Use(middleware.NewActorMiddleware(false).Handler)

	api.HandleFunc("/authz/check", s.check).Methods("POST")
	api.HandleFunc("/users/{id}/permissions", s.userPermissions).Methods("GET")
	api.HandleFunc("/users/{id}/roles/{role_id}", s.assignRole).Methods("POST")
	api.HandleFunc("/users/{id}/roles/{role_id}", s.revokeRole).Methods("DELETE")
	api.HandleFunc("/users/{id}/roles/{role_id}/extend", s.extendRole).Methods("POST")
	api.HandleFunc("/users/{id}/emergency", s.listEmergency).Methods("GET")

	api.HandleFunc("/roles", s.listRoles).Methods("GET")
	api.HandleFunc("/roles", s.createRole).Methods("POST")
	api.HandleFunc("/roles/{role_id}", s.viewRole).Methods("GET")
	api.HandleFunc("/roles/{role_id}", s.deleteRole).Methods("DELETE")
	api.HandleFunc("/roles/{role_id}/permissions/{permission_id}", s.attachPermission).Methods("PUT")
	api.HandleFunc("/roles/{role_id}/permissions/{permission_id}", s.detachPermission).Methods("DELETE")

	api.HandleFunc("/emergency", s.grantEmergency).Methods("POST")
	api.HandleFunc("/emergency/{id}", s.revokeEmergency).Methods("DELETE")

	events := api.PathPrefix("/security/events").Subrouter()
	events.Use(middleware.RequirePermission(s.deps.Resolver, s.deps.AuditLog, s.logger, rbac.PermSecurityReport))
	events.HandleFunc("", s.reportEvent).Methods("POST")

	blocked := api.PathPrefix("/security/blocked").Subrouter()
	blocked.Use(middleware.RequirePermission(s.deps.Resolver, s.deps.AuditLog, s.logger, rbac.PermSecurityUnblock, rbac.PermAuditView))
	blocked.HandleFunc("", s.listBlocked).Methods("GET")
	blocked.HandleFunc("/{ip}", s.blockInfo).Methods("GET")
	// the engine itself requires security.unblock
	blocked.HandleFunc("/{ip}", s.unblock).Methods("DELETE")

	audits := api.PathPrefix("/audit").Subrouter()
	audits.Use(middleware.RequirePermission(s.deps.Resolver, s.deps.AuditLog, s.logger, rbac.PermAuditView))
	audits.HandleFunc("", s.searchAudit).Methods("GET")
	audits.HandleFunc("/export", s.exportAudit).Methods("GET")
}

func actor(r *http.Request) int64 {
	id, _ := middleware.ActorFromContext(r.Context())
	return id
}
