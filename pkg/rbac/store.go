package rbac

import (
	"context"
	"time"
)

// Store is the entity store behind the authorization core. Filtering is
// explicit: methods that depend on time take the evaluation instant so the
// same predicates hold in SQL and in memory.
type Store interface {
	GetUser(ctx context.Context, userID int64) (*User, error)

	GetRole(ctx context.Context, roleID int64) (*Role, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
	// CreateRole sets role.ID; a duplicate name returns ErrConflict.
	CreateRole(ctx context.Context, role *Role) error
	UpdateRole(ctx context.Context, role *Role) error
	// DeleteRole removes a non-system role with no assignment effective at
	// at. Otherwise it returns ErrConflict.
	DeleteRole(ctx context.Context, roleID int64, at time.Time) error
	// SetRoleActive reports whether the flag changed
	SetRoleActive(ctx context.Context, roleID int64, active bool) (bool, error)
	CountActiveAssignments(ctx context.Context, roleID int64, at time.Time) (int, error)

	GetPermission(ctx context.Context, permissionID int64) (*Permission, error)
	GetPermissionByName(ctx context.Context, name string) (*Permission, error)
	ListPermissions(ctx context.Context) ([]*Permission, error)
	CreatePermission(ctx context.Context, p *Permission) error
	// SetPermissionActive reports whether the flag changed
	SetPermissionActive(ctx context.Context, permissionID int64, active bool) (bool, error)

	// AttachPermission and DetachPermission report whether the link changed
	AttachPermission(ctx context.Context, roleID, permissionID int64) (bool, error)
	DetachPermission(ctx context.Context, roleID, permissionID int64) (bool, error)
	RolePermissions(ctx context.Context, roleID int64) ([]*Permission, error)

	// EffectiveRoles returns the active roles an active user holds through
	// assignments effective at at, most senior first.
	EffectiveRoles(ctx context.Context, userID int64, at time.Time) ([]EffectiveRole, error)
	// PermissionNamesForRoles returns the distinct active permission names
	// attached to roleIDs.
	PermissionNamesForRoles(ctx context.Context, roleIDs []int64) ([]string, error)

	GetAssignment(ctx context.Context, userID, roleID int64) (*RoleAssignment, error)
	ListAssignments(ctx context.Context, userID int64) ([]*RoleAssignment, error)
	// UpsertAssignment creates or overwrites the (user, role) row and
	// returns the row as it was before, or nil if it did not exist.
	UpsertAssignment(ctx context.Context, a *RoleAssignment) (*RoleAssignment, error)
	// DeactivateAssignment clears is_active on an active row and returns the
	// row as it was. ErrNotFound when no active row exists.
	DeactivateAssignment(ctx context.Context, userID, roleID int64) (*RoleAssignment, error)
	// ExpireAssignments deactivates active rows whose expiry is at or before
	// now and returns exactly the rows this call flipped.
	ExpireAssignments(ctx context.Context, now time.Time) ([]*RoleAssignment, error)
}
