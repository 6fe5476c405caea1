// Package httputil provides the small HTTP helpers shared by the admin API:
// JSON replies, path and query parsing, client IP extraction, and request
// middleware.
//
// Responses:
//
//	httputil.WriteSuccess(w, perms)
//	httputil.WriteForbidden(w, "not authorized to assign role")
//
// Requests:
//
//	var req grantRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // error response already written
//	}
//	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
//
// Middleware:
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
