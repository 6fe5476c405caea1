package httpapi

import (
	"net/http"
	"time"

	"github.com/supportly/authz/pkg/emergency"
	"github.com/supportly/authz/pkg/httputil"
)

type grantEmergencyRequest struct {
	UserID          int64    `json:"user_id"`
	Permissions     []string `json:"permissions"`
	Reason          string   `json:"reason"`
	DurationMinutes int      `json:"duration_minutes"`
}

type grantEmergencyResponse struct {
	Access *emergency.Access `json:"access"`
	// Token is shown once and never stored in clear
	Token string `json:"token"`
}

type redeemRequest struct {
	Token string `json:"token"`
}

type redeemResponse struct {
	UserID     int64     `json:"user_id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

func (s *Server) grantEmergency(w http.ResponseWriter, r *http.Request) {
	var req grantEmergencyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	issued, err := s.deps.Emergency.Grant(r.Context(), emergency.GrantRequest{
		ActorID:         actor(r),
		UserID:          req.UserID,
		Permissions:     req.Permissions,
		Reason:          req.Reason,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteCreated(w, grantEmergencyResponse{Access: issued.Access, Token: issued.Token})
}

func (s *Server) redeemEmergency(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	user, err := s.deps.Emergency.Redeem(r.Context(), req.Token, httputil.ClientIP(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, redeemResponse{
		UserID:     user.ID,
		Name:       user.Name,
		Email:      user.Email,
		RedeemedAt: time.Now().UTC(),
	})
}

func (s *Server) revokeEmergency(w http.ResponseWriter, r *http.Request) {
	accessID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !httputil.ParseOptionalJSONOrError(w, r, &req) {
		return
	}
	if err := s.deps.Emergency.Revoke(r.Context(), accessID, actor(r), req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) listEmergency(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	grants, err := s.deps.Emergency.ListForUser(r.Context(), actor(r), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if grants == nil {
		grants = []*emergency.Access{}
	}
	httputil.WriteSuccess(w, grants)
}
