package httpapi

import (
	"errors"
	"net/http"

	"github.com/supportly/authz/pkg/httputil"
	"github.com/supportly/authz/pkg/rbac"
)

// writeError maps domain errors onto status codes. Authorization failures
// name the refused action only.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *rbac.ValidationError
	var aerr *rbac.AuthorizationError

	switch {
	case errors.As(err, &verr):
		if errors.Is(err, rbac.ErrNotFound) {
			httputil.WriteNotFound(w, verr.Error())
			return
		}
		httputil.WriteDetailedError(w, http.StatusBadRequest, verr.Error(), map[string]string{verr.Field: verr.Message})
	case errors.As(err, &aerr):
		httputil.WriteForbidden(w, aerr.Error())
	case errors.Is(err, rbac.ErrRateLimited):
		httputil.WriteTooManyRequests(w, "too many requests")
	case errors.Is(err, rbac.ErrExpired):
		httputil.WriteErrorMessage(w, http.StatusGone, "expired")
	case errors.Is(err, rbac.ErrNotFound):
		httputil.WriteNotFound(w, "not found")
	case errors.Is(err, rbac.ErrConflict):
		httputil.WriteErrorMessage(w, http.StatusConflict, err.Error())
	default:
		s.logger.WithError(err).
			WithField("path", r.URL.Path).
			WithField("request_id", httputil.RequestID(r.Context())).
			Error("Request failed")
		httputil.WriteInternalError(w)
	}
}
