package middleware

import (
	"context"
	"net/http"

	"github.com/supportly/authz/pkg/audit"
	"github.com/supportly/authz/pkg/httputil"
	"github.com/supportly/authz/pkg/observability"
)

// PermissionChecker answers single-permission checks
type PermissionChecker interface {
	HasAny(ctx context.Context, userID int64, names ...string) (bool, error)
}

// RequirePermission lets the request through when the actor holds any of
// perms. Refusals are audited as unauthorized access attempts.
func RequirePermission(checker PermissionChecker, auditLog *audit.Log, logger *observability.Logger, perms ...string) func(http.Handler) http.Handler {
	logger = observability.OrDefault(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actorID, ok := ActorFromContext(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "missing actor")
				return
			}

			allowed, err := checker.HasAny(r.Context(), actorID, perms...)
			if err != nil {
				logger.WithError(err).WithField("actor_id", actorID).Error("Permission check failed")
				httputil.WriteInternalError(w)
				return
			}
			if !allowed {
				auditLog.Record(r.Context(), &audit.Entry{
					UserID:      audit.Int64(actorID),
					Action:      audit.ActionUnauthorizedAccessAttempt,
					PerformedBy: audit.Int64(actorID),
					Reason:      "missing permission for " + r.Method + " " + r.URL.Path,
					NewValues:   map[string]interface{}{"attempted_action": r.Method + " " + r.URL.Path},
				})
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
