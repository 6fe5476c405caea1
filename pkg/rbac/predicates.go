package rbac

import "time"

// IsEffectiveAt reports whether a grants its role at t: the row is active
// and either permanent or not yet expired.
func IsEffectiveAt(a *RoleAssignment, t time.Time) bool {
	if a == nil || !a.IsActive {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(t)
}

// RoleUsable reports whether r contributes permissions
func RoleUsable(r *Role) bool {
	return r != nil && r.IsActive
}

// PermissionUsable reports whether p contributes to a resolved set
func PermissionUsable(p *Permission) bool {
	return p != nil && p.IsActive
}

// SameDepartment reports whether both users belong to the same department.
// Users without a department match nobody.
func SameDepartment(a, b *User) bool {
	if a == nil || b == nil || a.DepartmentID == nil || b.DepartmentID == nil {
		return false
	}
	return *a.DepartmentID == *b.DepartmentID
}
