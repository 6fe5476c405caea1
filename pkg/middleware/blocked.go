package middleware

import (
	"context"
	"net/http"

	"github.com/supportly/authz/pkg/httputil"
	"github.com/supportly/authz/pkg/observability"
)

// BlockChecker reports whether an address is currently blocked
type BlockChecker interface {
	IsBlocked(ctx context.Context, ip string) (bool, error)
}

// BlockedIPMiddleware rejects requests from blocked addresses with 403.
// A failed lookup lets the request through.
func BlockedIPMiddleware(checker BlockChecker, logger *observability.Logger) func(http.Handler) http.Handler {
	logger = observability.OrDefault(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := httputil.ClientIP(r)
			blocked, err := checker.IsBlocked(r.Context(), ip)
			if err != nil {
				logger.WithError(err).WithField("ip", ip).Warn("Block lookup failed, allowing request")
			}
			if blocked {
				httputil.WriteForbidden(w, "address blocked")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
