package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/supportly/authz/pkg/audit"
	"github.com/supportly/authz/pkg/httputil"
)

// ActorHeader carries the authenticated user id set by the upstream auth layer
const ActorHeader = "X-Actor-ID"

type actorKey struct{}

// WithActor stores the acting user id on ctx
func WithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFromContext returns the id stored by ActorMiddleware
func ActorFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(actorKey{}).(int64)
	return id, ok
}

// ActorMiddleware reads the actor id installed by the authentication layer
// and copies the client address and user agent onto the context for audit
// rows. Requests without a valid actor get 401 unless optional is set.
type ActorMiddleware struct {
	optional bool
}

// NewActorMiddleware creates the middleware
func NewActorMiddleware(optional bool) *ActorMiddleware {
	return &ActorMiddleware{optional: optional}
}

// Handler wraps an HTTP handler with actor extraction
func (m *ActorMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithRequestInfo(r.Context(), httputil.ClientIP(r), r.UserAgent())

		raw := strings.TrimSpace(r.Header.Get(ActorHeader))
		if raw == "" {
			if m.optional {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			httputil.WriteUnauthorized(w, "missing actor")
			return
		}

		actorID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || actorID <= 0 {
			httputil.WriteUnauthorized(w, "invalid actor")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(ctx, actorID)))
	})
}
