package rbac

import (
	"fmt"
	"sort"
	"strings"
)

// SystemRole describes a seeded role. System roles cannot be deleted,
// deactivated or re-leveled.
type SystemRole struct {
	Name           string
	DisplayName    string
	Description    string
	HierarchyLevel int
	Permissions    []string
}

// SystemRoles returns the seeded role catalogue, most senior first
func SystemRoles() []SystemRole {
	return []SystemRole{
		{
			Name:           "super_admin",
			DisplayName:    "Super Administrator",
			Description:    "Unrestricted access, including break-glass issuance",
			HierarchyLevel: 5,
			Permissions: []string{
				"roles.*", "permissions.*", "emergency.*", "security.*",
				"audit.*", "tickets.*", "knowledge.*",
			},
		},
		{
			Name:           "admin",
			DisplayName:    "Administrator",
			Description:    "Manages roles, permissions and security for the helpdesk",
			HierarchyLevel: 4,
			Permissions: []string{
				PermRolesView, PermRolesCreate, PermRolesUpdate, PermRolesDelete, PermRolesAssign,
				PermPermissionsManage, PermSecurityUnblock, PermAuditView,
				"tickets.*", "knowledge.view",
			},
		},
		{
			Name:           "supervisor",
			DisplayName:    "Supervisor",
			Description:    "Oversees support teams across departments",
			HierarchyLevel: 3,
			Permissions: []string{
				PermRolesViewDepartment, PermRolesAssignDepartment,
				"tickets.*", "knowledge.view",
			},
		},
		{
			Name:           "department_manager",
			DisplayName:    "Department Manager",
			Description:    "Manages one department's agents and queue",
			HierarchyLevel: 2,
			Permissions: []string{
				PermRolesViewDepartment, PermRolesAssignDepartment,
				"tickets.view", "tickets.assign", "tickets.update", "knowledge.view",
			},
		},
		{
			Name:           "support_agent",
			DisplayName:    "Support Agent",
			Description:    "Works tickets",
			HierarchyLevel: 1,
			Permissions: []string{
				"tickets.create", "tickets.view", "tickets.update", "knowledge.view",
			},
		},
	}
}

// SystemPermissionNames returns every permission named by the seed, plus
// the concrete permissions the wildcards stand for.
func SystemPermissionNames() []string {
	set := NewPermissionSet(
		PermRolesView, PermRolesViewDepartment, PermRolesCreate, PermRolesUpdate,
		PermRolesDelete, PermRolesAssign, PermRolesAssignDepartment,
		PermPermissionsManage, PermEmergencyGrant, PermSecurityUnblock, PermSecurityReport, PermAuditView,
		"tickets.create", "tickets.view", "tickets.update", "tickets.assign", "tickets.delete",
		"knowledge.view", "knowledge.create", "knowledge.update",
	)
	for _, r := range SystemRoles() {
		set.Add(r.Permissions...)
	}
	return set.Names()
}

// seedSQL renders the catalogue as idempotent inserts
func seedSQL() string {
	var b strings.Builder

	for _, name := range SystemPermissionNames() {
		resource, action, err := ParsePermissionName(name)
		if err != nil {
			panic(fmt.Sprintf("bad seeded permission %q: %v", name, err))
		}
		fmt.Fprintf(&b, "INSERT INTO permissions (name, resource, action) VALUES (%s, %s, %s) ON CONFLICT (name) DO NOTHING;\n",
			quote(name), quote(resource), quote(action))
	}

	roles := SystemRoles()
	sort.Slice(roles, func(i, j int) bool { return roles[i].HierarchyLevel < roles[j].HierarchyLevel })
	for _, r := range roles {
		fmt.Fprintf(&b, "INSERT INTO roles (name, display_name, description, hierarchy_level, is_system) VALUES (%s, %s, %s, %d, TRUE) ON CONFLICT (name) DO NOTHING;\n",
			quote(r.Name), quote(r.DisplayName), quote(r.Description), r.HierarchyLevel)
		for _, p := range r.Permissions {
			fmt.Fprintf(&b, "INSERT INTO role_permissions (role_id, permission_id) SELECT r.id, p.id FROM roles r, permissions p WHERE r.name = %s AND p.name = %s ON CONFLICT DO NOTHING;\n",
				quote(r.Name), quote(p))
		}
	}

	return b.String()
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
