// Package middleware provides the admin API's request middleware.
//
// ActorMiddleware reads the authenticated user id from the X-Actor-ID
// header set by the upstream authentication layer:
//
//	router.Use(middleware.NewActorMiddleware(false).Handler)
//	actorID, _ := middleware.ActorFromContext(r.Context())
//
// RequirePermission gates a route on the resolved permission set and audits
// refusals. BlockedIPMiddleware rejects callers whose address carries a
// threat block, and RateLimitMiddleware applies a per-address window shared
// across workers through Redis.
package middleware
