package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/supportly/authz/pkg/httputil"
	"github.com/supportly/authz/pkg/rbac"
)

type checkRequest struct {
	// UserID defaults to the actor
	UserID      *int64   `json:"user_id,omitempty"`
	Permissions []string `json:"permissions"`
	// Mode is "any" (default) or "all"
	Mode string `json:"mode,omitempty"`
}

type checkResponse struct {
	UserID  int64 `json:"user_id"`
	Allowed bool  `json:"allowed"`
}

type permissionsResponse struct {
	UserID      int64                `json:"user_id"`
	Roles       []rbac.EffectiveRole `json:"roles"`
	Permissions []string             `json:"permissions"`
	MaxRank     int                  `json:"max_rank"`
}

type assignRoleRequest struct {
	Reason          string     `json:"reason,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	DurationMinutes int        `json:"duration_minutes,omitempty"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type extendRoleRequest struct {
	Reason            string `json:"reason"`
	AdditionalMinutes int    `json:"additional_minutes"`
}

type createRoleRequest struct {
	Name           string `json:"name"`
	DisplayName    string `json:"display_name"`
	Description    string `json:"description,omitempty"`
	HierarchyLevel int    `json:"hierarchy_level"`
}

// mayInspect allows self-inspection and anyone holding roles.view or audit.view
func (s *Server) mayInspect(r *http.Request, userID int64) (bool, error) {
	if userID == actor(r) {
		return true, nil
	}
	return s.deps.Resolver.HasAny(r.Context(), actor(r), rbac.PermRolesView, rbac.PermAuditView)
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.Permissions) == 0 {
		httputil.WriteBadRequest(w, "permissions is required")
		return
	}

	userID := actor(r)
	if req.UserID != nil {
		userID = *req.UserID
	}
	ok, err := s.mayInspect(r, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		httputil.WriteForbidden(w, "not authorized to check other users")
		return
	}

	var allowed bool
	switch req.Mode {
	case "", "any":
		allowed, err = s.deps.Resolver.HasAny(r.Context(), userID, req.Permissions...)
	case "all":
		allowed, err = s.deps.Resolver.HasAll(r.Context(), userID, req.Permissions...)
	default:
		httputil.WriteBadRequest(w, "mode must be any or all")
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, checkResponse{UserID: userID, Allowed: allowed})
}

func (s *Server) userPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	allowed, err := s.mayInspect(r, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !allowed {
		httputil.WriteForbidden(w, "not authorized to view permissions")
		return
	}

	id, err := s.deps.Resolver.Identity(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := permissionsResponse{
		UserID:      userID,
		Roles:       id.EffectiveRoles(),
		Permissions: id.Permissions.Names(),
		MaxRank:     id.MaxRank(),
	}
	if resp.Roles == nil {
		resp.Roles = []rbac.EffectiveRole{}
	}
	if resp.Permissions == nil {
		resp.Permissions = []string{}
	}
	httputil.WriteSuccess(w, resp)
}

func (s *Server) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return
	}
	var req assignRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if req.DurationMinutes > 0 {
		if _, err := s.deps.Temporal.GrantTemporaryRole(r.Context(), userID, roleID, req.DurationMinutes, req.Reason, actor(r)); err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteNoContent(w)
		return
	}

	assignment, err := s.deps.Manager.AssignRole(r.Context(), rbac.AssignRequest{
		UserID:    userID,
		RoleID:    roleID,
		ActorID:   actor(r),
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, assignment)
}

func (s *Server) revokeRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return
	}
	var req reasonRequest
	if !httputil.ParseOptionalJSONOrError(w, r, &req) {
		return
	}

	if err := s.deps.Manager.RevokeRole(r.Context(), userID, roleID, actor(r), req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) extendRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return
	}
	var req extendRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	assignment, err := s.deps.Temporal.ExtendTemporaryRole(r.Context(), userID, roleID, req.AdditionalMinutes, req.Reason, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, assignment)
}

func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.deps.Manager.ListVisibleRoles(r.Context(), actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if roles == nil {
		roles = []*rbac.Role{}
	}
	httputil.WriteSuccess(w, roles)
}

func (s *Server) viewRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return
	}
	role, err := s.deps.Manager.ViewRole(r.Context(), actor(r), roleID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

func (s *Server) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := s.deps.Manager.CreateRole(r.Context(), actor(r), rbac.RoleSpec{
		Name:           req.Name,
		DisplayName:    req.DisplayName,
		Description:    req.Description,
		HierarchyLevel: req.HierarchyLevel,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, role)
}

func (s *Server) deleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return
	}
	var req reasonRequest
	if !httputil.ParseOptionalJSONOrError(w, r, &req) {
		return
	}
	if err := s.deps.Manager.DeleteRole(r.Context(), actor(r), roleID, req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) attachPermission(w http.ResponseWriter, r *http.Request) {
	s.changePermission(w, r, s.deps.Manager.AttachPermission)
}

func (s *Server) detachPermission(w http.ResponseWriter, r *http.Request) {
	s.changePermission(w, r, s.deps.Manager.DetachPermission)
}

func (s *Server) changePermission(w http.ResponseWriter, r *http.Request, change func(ctx context.Context, actorID, roleID, permissionID int64) error) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return
	}
	permissionID, ok := httputil.ParsePathInt64OrError(w, r, "permission_id")
	if !ok {
		return
	}
	if err := change(r.Context(), actor(r), roleID, permissionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
