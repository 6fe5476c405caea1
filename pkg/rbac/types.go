package rbac

import (
	"context"
	"time"
)

// Permission names checked by the authorization core itself
const (
	PermRolesView             = "roles.view"
	PermRolesViewDepartment   = "roles.view_department"
	PermRolesCreate           = "roles.create"
	PermRolesUpdate           = "roles.update"
	PermRolesDelete           = "roles.delete"
	PermRolesAssign           = "roles.assign"
	PermRolesAssignDepartment = "roles.assign_department"
	PermPermissionsManage     = "permissions.manage"
	PermEmergencyGrant        = "emergency.grant"
	PermSecurityUnblock       = "security.unblock"
	PermSecurityReport        = "security.report"
	PermAuditView             = "audit.view"
)

// User is the slice of the application's user record the core reads
type User struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	DepartmentID *int64 `json:"department_id,omitempty"`
	IsActive     bool   `json:"is_active"`
}

// Role is a named bundle of permissions ranked by HierarchyLevel.
// Higher levels are more senior.
type Role struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	DisplayName    string    `json:"display_name"`
	Description    string    `json:"description,omitempty"`
	HierarchyLevel int       `json:"hierarchy_level"`
	IsActive       bool      `json:"is_active"`
	IsSystem       bool      `json:"is_system"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Permission is an atomic capability named resource.action. An action of
// "*" grants every action on the resource.
type Permission struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// RoleAssignment binds a user to a role. (UserID, RoleID) is unique; a
// re-grant updates the row. Nil ExpiresAt means permanent, nil GrantedBy
// means the system granted it.
type RoleAssignment struct {
	ID               int64      `json:"id"`
	UserID           int64      `json:"user_id"`
	RoleID           int64      `json:"role_id"`
	GrantedBy        *int64     `json:"granted_by,omitempty"`
	GrantedAt        time.Time  `json:"granted_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	IsActive         bool       `json:"is_active"`
	DelegationReason string     `json:"delegation_reason,omitempty"`
}

// IsTemporal reports whether the assignment carries an expiry
func (a *RoleAssignment) IsTemporal() bool {
	return a.ExpiresAt != nil
}

// EffectiveRole is an active role held through an effective assignment
type EffectiveRole struct {
	RoleID         int64      `json:"role_id"`
	Name           string     `json:"name"`
	HierarchyLevel int        `json:"hierarchy_level"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// EmergencyGrant is a redeemed break-glass permission list
type EmergencyGrant struct {
	ID          int64
	Permissions []string
	ExpiresAt   time.Time
}

// EmergencyGrants supplies the break-glass permissions merged into a
// user's resolved set.
type EmergencyGrants interface {
	// ActiveGrants returns redeemed, active grants expiring after at
	ActiveGrants(ctx context.Context, userID int64, at time.Time) ([]EmergencyGrant, error)
}
