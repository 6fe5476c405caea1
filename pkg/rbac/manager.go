package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/supportly/authz/pkg/audit"
	"github.com/supportly/authz/pkg/observability"
)

// Manager performs role administration. Every mutation is guarded by the
// hierarchy rules, invalidates the permission cache before returning and
// writes exactly one audit row.
type Manager struct {
	store    Store
	resolver *Resolver
	audit    *audit.Log
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithManagerClock overrides the time source
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager
func NewManager(store Store, resolver *Resolver, auditLog *audit.Log, logger *observability.Logger, metrics *observability.Metrics, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		resolver: resolver,
		audit:    auditLog,
		logger:   observability.OrDefault(logger).WithField("component", "rbac-manager"),
		metrics:  observability.OrNop(metrics),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RoleSpec describes a new custom role
type RoleSpec struct {
	Name           string
	DisplayName    string
	Description    string
	HierarchyLevel int
}

// RoleUpdate carries the attributes to change. Nil fields are untouched.
type RoleUpdate struct {
	DisplayName    *string
	Description    *string
	HierarchyLevel *int
}

// AssignRequest grants RoleID to UserID. A nil ExpiresAt makes the grant
// permanent; a temporal grant requires a Reason.
type AssignRequest struct {
	UserID    int64
	RoleID    int64
	ActorID   int64
	Reason    string
	ExpiresAt *time.Time
}

func (m *Manager) succeeded(op string) {
	m.metrics.AdminOperationsTotal.WithLabelValues(op, "success").Inc()
}

func (m *Manager) loadRole(ctx context.Context, roleID int64) (*Role, error) {
	role, err := m.store.GetRole(ctx, roleID)
	if errors.Is(err, ErrNotFound) {
		return nil, unknown("role_id", err)
	}
	return role, err
}

func (m *Manager) loadUser(ctx context.Context, userID int64) (*User, error) {
	user, err := m.store.GetUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, unknown("user_id", err)
	}
	return user, err
}

func (m *Manager) loadPermission(ctx context.Context, permissionID int64) (*Permission, error) {
	p, err := m.store.GetPermission(ctx, permissionID)
	if errors.Is(err, ErrNotFound) {
		return nil, unknown("permission_id", err)
	}
	return p, err
}

// CreateRole creates a custom role below the actor's own rank
func (m *Manager) CreateRole(ctx context.Context, actorID int64, spec RoleSpec) (*Role, error) {
	const op = "create role"

	spec.Name = strings.TrimSpace(spec.Name)
	if !namePart.MatchString(spec.Name) {
		return nil, invalid("name", "must be a lowercase identifier")
	}
	if spec.HierarchyLevel < 0 {
		return nil, invalid("hierarchy_level", "must not be negative")
	}
	if strings.TrimSpace(spec.DisplayName) == "" {
		spec.DisplayName = spec.Name
	}

	actor, err := m.loadActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	role := &Role{
		Name:           spec.Name,
		DisplayName:    spec.DisplayName,
		Description:    spec.Description,
		HierarchyLevel: spec.HierarchyLevel,
		IsActive:       true,
	}
	if !actor.Can(PermRolesCreate) {
		return nil, m.refuse(ctx, actorID, op, nil, nil, "missing permission "+PermRolesCreate)
	}
	if !StrictlySenior(actor.MaxRank(), role) {
		return nil, m.refuse(ctx, actorID, op, nil, nil, "requested level is not below the actor's")
	}

	if err := m.store.CreateRole(ctx, role); err != nil {
		return nil, err
	}

	m.audit.Record(ctx, &audit.Entry{
		RoleID:      audit.Int64(role.ID),
		Action:      audit.ActionRoleCreated,
		NewValues:   roleSnapshot(role),
		PerformedBy: audit.Int64(actorID),
	})
	m.succeeded(op)
	return role, nil
}

// UpdateRole changes a role's display attributes or level. System role
// levels are fixed.
func (m *Manager) UpdateRole(ctx context.Context, actorID, roleID int64, upd RoleUpdate) (*Role, error) {
	const op = "update role"

	if upd.DisplayName != nil && strings.TrimSpace(*upd.DisplayName) == "" {
		return nil, invalid("display_name", "must not be empty")
	}
	if upd.HierarchyLevel != nil && *upd.HierarchyLevel < 0 {
		return nil, invalid("hierarchy_level", "must not be negative")
	}

	role, err := m.loadRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	actor, err := m.loadActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if err := m.requireMutate(ctx, actor, actorID, PermRolesUpdate, op, role); err != nil {
		return nil, err
	}

	before := roleSnapshot(role)
	if upd.HierarchyLevel != nil && *upd.HierarchyLevel != role.HierarchyLevel {
		if role.IsSystem {
			return nil, invalid("hierarchy_level", "system role levels cannot change")
		}
		if actor.MaxRank() <= *upd.HierarchyLevel {
			return nil, m.refuse(ctx, actorID, op, &role.ID, nil, "requested level is not below the actor's")
		}
		role.HierarchyLevel = *upd.HierarchyLevel
	}
	if upd.DisplayName != nil {
		role.DisplayName = strings.TrimSpace(*upd.DisplayName)
	}
	if upd.Description != nil {
		role.Description = *upd.Description
	}

	if err := m.store.UpdateRole(ctx, role); err != nil {
		return nil, err
	}

	m.audit.Record(ctx, &audit.Entry{
		RoleID:      audit.Int64(role.ID),
		Action:      audit.ActionModified,
		OldValues:   before,
		NewValues:   roleSnapshot(role),
		PerformedBy: audit.Int64(actorID),
	})
	m.succeeded(op)
	return role, nil
}

// DeleteRole removes a custom role that nobody currently holds
func (m *Manager) DeleteRole(ctx context.Context, actorID, roleID int64, reason string) error {
	const op = "delete role"

	role, err := m.loadRole(ctx, roleID)
	if err != nil {
		return err
	}
	actor, err := m.loadActor(ctx, actorID)
	if err != nil {
		return err
	}
	if err := m.requireMutate(ctx, actor, actorID, PermRolesDelete, op, role); err != nil {
		return err
	}
	if role.IsSystem {
		return invalid("role_id", "system roles cannot be deleted")
	}

	now := m.now()
	n, err := m.store.CountActiveAssignments(ctx, roleID, now)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("role still has %d active assignments: %w", n, ErrConflict)
	}
	if err := m.store.DeleteRole(ctx, roleID, now); err != nil {
		return err
	}
	m.resolver.InvalidateRole(ctx, roleID)

	m.audit.Record(ctx, &audit.Entry{
		RoleID:      audit.Int64(role.ID),
		Action:      audit.ActionRoleDeleted,
		OldValues:   roleSnapshot(role),
		PerformedBy: audit.Int64(actorID),
		Reason:      reason,
	})
	m.succeeded(op)
	return nil
}

// ViewRole returns a role the actor may see
func (m *Manager) ViewRole(ctx context.Context, actorID, roleID int64) (*Role, error) {
	role, err := m.loadRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	actor, err := m.loadActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if err := m.requireView(ctx, actor, actorID, role); err != nil {
		return nil, err
	}
	return role, nil
}

// ListVisibleRoles returns the roles the actor may see, most senior first
func (m *Manager) ListVisibleRoles(ctx context.Context, actorID int64) ([]*Role, error) {
	actor, err := m.loadActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	global := actor.Can(PermRolesView)
	if !global && !actor.Can(PermRolesViewDepartment) {
		return nil, m.refuse(ctx, actorID, "list roles", nil, nil, "missing permission "+PermRolesView)
	}

	roles, err := m.store.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	if global {
		return roles, nil
	}
	rank := actor.MaxRank()
	visible := roles[:0]
	for _, r := range roles {
		if SeniorOrEqual(rank, r) {
			visible = append(visible, r)
		}
	}
	return visible, nil
}

// AttachPermission adds a permission to a junior role. The actor must hold
// the permission being attached.
func (m *Manager) AttachPermission(ctx context.Context, actorID, roleID, permissionID int64) error {
	return m.changeLink(ctx, actorID, roleID, permissionID, true)
}

// DetachPermission removes a permission from a junior role
func (m *Manager) DetachPermission(ctx context.Context, actorID, roleID, permissionID int64) error {
	return m.changeLink(ctx, actorID, roleID, permissionID, false)
}

func (m *Manager) changeLink(ctx context.Context, actorID, roleID, permissionID int64, attach bool) error {
	op, action := "detach permission", audit.ActionRevoked
	if attach {
		op, action = "attach permission", audit.ActionGranted
	}

	role, err := m.loadRole(ctx, roleID)
	if err != nil {
		return err
	}
	perm, err := m.loadPermission(ctx, permissionID)
	if err != nil {
		return err
	}
	actor, err := m.loadActor(ctx, actorID)
	if err != nil {
		return err
	}
	if err := m.requireMutate(ctx, actor, actorID, PermPermissionsManage, op, role); err != nil {
		return err
	}
	if attach && !actor.Can(perm.Name) {
		return m.refuse(ctx, actorID, op, &role.ID, nil, "actor does not hold "+perm.Name)
	}

	var changed bool
	if attach {
		changed, err = m.store.AttachPermission(ctx, roleID, permissionID)
	} else {
		changed, err = m.store.DetachPermission(ctx, roleID, permissionID)
	}
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	m.resolver.InvalidateRole(ctx, roleID)

	m.audit.Record(ctx, &audit.Entry{
		RoleID:       audit.Int64(roleID),
		PermissionID: audit.Int64(permissionID),
		Action:       action,
		NewValues:    map[string]interface{}{"permission": perm.Name, "role": role.Name, "attached": attach},
		PerformedBy:  audit.Int64(actorID),
	})
	m.succeeded(op)
	return nil
}

// SetRoleActive enables or disables a junior custom role
func (m *Manager) SetRoleActive(ctx context.Context, actorID, roleID int64, active bool) error {
	const op = "toggle role"

	role, err := m.loadRole(ctx, roleID)
	if err != nil {
		return err
	}
	actor, err := m.loadActor(ctx, actorID)
	if err != nil {
		return err
	}
	if err := m.requireMutate(ctx, actor, actorID, PermRolesUpdate, op, role); err != nil {
		return err
	}
	if role.IsSystem && !active {
		return invalid("role_id", "system roles cannot be deactivated")
	}

	changed, err := m.store.SetRoleActive(ctx, roleID, active)
	if err != nil || !changed {
		return err
	}
	// a re-enabled role appears in no cached entry's tags, so only a
	// global bump reaches its holders
	m.resolver.InvalidateAll(ctx)

	m.audit.Record(ctx, &audit.Entry{
		RoleID:      audit.Int64(roleID),
		Action:      audit.ActionModified,
		OldValues:   map[string]interface{}{"is_active": !active},
		NewValues:   map[string]interface{}{"is_active": active},
		PerformedBy: audit.Int64(actorID),
	})
	m.succeeded(op)
	return nil
}

// SetPermissionActive enables or disables a permission everywhere
func (m *Manager) SetPermissionActive(ctx context.Context, actorID, permissionID int64, active bool) error {
	const op = "toggle permission"

	perm, err := m.loadPermission(ctx, permissionID)
	if err != nil {
		return err
	}
	actor, err := m.loadActor(ctx, actorID)
	if err != nil {
		return err
	}
	if !actor.Can(PermPermissionsManage) {
		return m.refuse(ctx, actorID, op, nil, nil, "missing permission "+PermPermissionsManage)
	}

	changed, err := m.store.SetPermissionActive(ctx, permissionID, active)
	if err != nil || !changed {
		return err
	}
	m.resolver.InvalidateAll(ctx)

	m.audit.Record(ctx, &audit.Entry{
		PermissionID: audit.Int64(permissionID),
		Action:       audit.ActionModified,
		OldValues:    map[string]interface{}{"permission": perm.Name, "is_active": !active},
		NewValues:    map[string]interface{}{"permission": perm.Name, "is_active": active},
		PerformedBy:  audit.Int64(actorID),
	})
	m.succeeded(op)
	return nil
}

// AssignRole grants a role, or updates the existing (user, role) row. A row
// that was effective before yields a modified audit entry, otherwise granted.
func (m *Manager) AssignRole(ctx context.Context, req AssignRequest) (*RoleAssignment, error) {
	const op = "assign role"

	now := m.now()
	req.Reason = strings.TrimSpace(req.Reason)
	if req.ExpiresAt != nil {
		if !req.ExpiresAt.After(now) {
			return nil, invalid("expires_at", "must be in the future")
		}
		if req.Reason == "" {
			return nil, invalid("reason", "is required for temporal grants")
		}
	}

	role, err := m.loadRole(ctx, req.RoleID)
	if err != nil {
		return nil, err
	}
	if !role.IsActive {
		return nil, invalid("role_id", "role is inactive")
	}
	target, err := m.loadUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	actor, err := m.loadActor(ctx, req.ActorID)
	if err != nil {
		return nil, err
	}
	if err := m.requireAssign(ctx, actor, req.ActorID, op, role, target); err != nil {
		return nil, err
	}

	a := &RoleAssignment{
		UserID:           req.UserID,
		RoleID:           req.RoleID,
		GrantedBy:        audit.Int64(req.ActorID),
		GrantedAt:        now.UTC(),
		ExpiresAt:        req.ExpiresAt,
		IsActive:         true,
		DelegationReason: req.Reason,
	}
	prev, err := m.store.UpsertAssignment(ctx, a)
	if err != nil {
		return nil, err
	}
	m.resolver.InvalidateUser(ctx, req.UserID)

	entry := &audit.Entry{
		UserID:      audit.Int64(req.UserID),
		RoleID:      audit.Int64(req.RoleID),
		Action:      audit.ActionGranted,
		NewValues:   assignmentSnapshot(a),
		PerformedBy: audit.Int64(req.ActorID),
		Reason:      req.Reason,
	}
	if IsEffectiveAt(prev, now) {
		entry.Action = audit.ActionModified
		entry.OldValues = assignmentSnapshot(prev)
	}
	m.audit.Record(ctx, entry)

	m.succeeded(op)
	return a, nil
}

// RevokeRole deactivates the user's assignment of roleID. ErrNotFound when
// the user has no active assignment of it.
func (m *Manager) RevokeRole(ctx context.Context, userID, roleID, actorID int64, reason string) error {
	const op = "revoke role"

	role, err := m.loadRole(ctx, roleID)
	if err != nil {
		return err
	}
	target, err := m.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	actor, err := m.loadActor(ctx, actorID)
	if err != nil {
		return err
	}
	if err := m.requireAssign(ctx, actor, actorID, op, role, target); err != nil {
		return err
	}

	prev, err := m.store.DeactivateAssignment(ctx, userID, roleID)
	if err != nil {
		return err
	}
	m.resolver.InvalidateUser(ctx, userID)

	m.audit.Record(ctx, &audit.Entry{
		UserID:      audit.Int64(userID),
		RoleID:      audit.Int64(roleID),
		Action:      audit.ActionRevoked,
		OldValues:   assignmentSnapshot(prev),
		NewValues:   map[string]interface{}{"is_active": false},
		PerformedBy: audit.Int64(actorID),
		Reason:      strings.TrimSpace(reason),
	})
	m.succeeded(op)
	return nil
}

func roleSnapshot(r *Role) map[string]interface{} {
	return map[string]interface{}{
		"name":            r.Name,
		"display_name":    r.DisplayName,
		"description":     r.Description,
		"hierarchy_level": r.HierarchyLevel,
		"is_active":       r.IsActive,
		"is_system":       r.IsSystem,
	}
}

func assignmentSnapshot(a *RoleAssignment) map[string]interface{} {
	snap := map[string]interface{}{
		"is_active":  a.IsActive,
		"granted_at": a.GrantedAt.UTC().Format(time.RFC3339),
		"expires_at": nil,
	}
	if a.ExpiresAt != nil {
		snap["expires_at"] = a.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if a.GrantedBy != nil {
		snap["granted_by"] = *a.GrantedBy
	}
	if a.DelegationReason != "" {
		snap["reason"] = a.DelegationReason
	}
	return snap
}
