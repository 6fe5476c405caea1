package middleware

import (
	"net/http"
	"strconv"

	"github.com/supportly/authz/pkg/httputil"
	"github.com/supportly/authz/pkg/observability"
	"github.com/supportly/authz/pkg/ratelimit"
)

// RateLimitMiddleware throttles each client address with a shared
// Redis-backed limiter. The limiter fails closed, so a Redis error
// answers 429 as well.
func RateLimitMiddleware(limiter *ratelimit.Limiter, logger *observability.Logger) func(http.Handler) http.Handler {
	logger = observability.OrDefault(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := httputil.ClientIP(r)
			d, err := limiter.Allow(r.Context(), ip)
			if err != nil {
				logger.WithError(err).WithField("ip", ip).Warn("Rate limiter unavailable, refusing request")
				httputil.WriteTooManyRequests(w, "rate limit unavailable")
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
				httputil.WriteTooManyRequests(w, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
