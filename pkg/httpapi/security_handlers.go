package httpapi

import (
	"net/http"
	"time"

	"github.com/supportly/authz/pkg/httputil"
	"github.com/supportly/authz/pkg/threat"
)

type securityEventRequest struct {
	Type       string     `json:"event_type"`
	IP         string     `json:"ip_address"`
	UserID     *int64     `json:"user_id,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	LogID      string     `json:"security_log_id,omitempty"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

type securityEventResponse struct {
	Disposition threat.Disposition `json:"disposition"`
}

type unblockResponse struct {
	IP        string `json:"ip_address"`
	Unblocked bool   `json:"unblocked"`
}

func (s *Server) reportEvent(w http.ResponseWriter, r *http.Request) {
	var req securityEventRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Type == "" {
		httputil.WriteBadRequest(w, "event_type is required")
		return
	}

	ev := threat.Event{
		Type:      req.Type,
		IP:        req.IP,
		UserID:    req.UserID,
		UserAgent: req.UserAgent,
		LogID:     req.LogID,
	}
	if req.OccurredAt != nil {
		ev.OccurredAt = *req.OccurredAt
	}

	d, err := s.deps.Threat.Handle(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, securityEventResponse{Disposition: d})
}

func (s *Server) listBlocked(w http.ResponseWriter, r *http.Request) {
	blocks, err := s.deps.Threat.ListBlocked(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if blocks == nil {
		blocks = []threat.Block{}
	}
	httputil.WriteSuccess(w, blocks)
}

func (s *Server) blockInfo(w http.ResponseWriter, r *http.Request) {
	ip, err := httputil.ParsePathString(r, "ip")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	block, ok, err := s.deps.Threat.BlockInfo(r.Context(), ip)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		httputil.WriteNotFound(w, "address is not blocked")
		return
	}
	httputil.WriteSuccess(w, block)
}

func (s *Server) unblock(w http.ResponseWriter, r *http.Request) {
	ip, err := httputil.ParsePathString(r, "ip")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	var req reasonRequest
	if !httputil.ParseOptionalJSONOrError(w, r, &req) {
		return
	}

	unblocked, err := s.deps.Threat.Unblock(r.Context(), ip, actor(r), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, unblockResponse{IP: ip, Unblocked: unblocked})
}
