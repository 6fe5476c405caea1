package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It applies the same predicates as
// the SQL store and backs tests across packages.
type MemoryStore struct {
	mu          sync.Mutex
	users       map[int64]*User
	roles       map[int64]*Role
	permissions map[int64]*Permission
	links       map[int64]map[int64]struct{}
	assignments map[[2]int64]*RoleAssignment
	nextID      int64
	now         func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[int64]*User),
		roles:       make(map[int64]*Role),
		permissions: make(map[int64]*Permission),
		links:       make(map[int64]map[int64]struct{}),
		assignments: make(map[[2]int64]*RoleAssignment),
		now:         time.Now,
	}
}

// Seed loads the system role and permission catalogue
func (m *MemoryStore) Seed() {
	ctx := context.Background()
	for _, name := range SystemPermissionNames() {
		resource, action, _ := ParsePermissionName(name)
		_ = m.CreatePermission(ctx, &Permission{Name: name, Resource: resource, Action: action, IsActive: true})
	}
	for _, sr := range SystemRoles() {
		role := &Role{
			Name:           sr.Name,
			DisplayName:    sr.DisplayName,
			Description:    sr.Description,
			HierarchyLevel: sr.HierarchyLevel,
			IsActive:       true,
			IsSystem:       true,
		}
		_ = m.CreateRole(ctx, role)
		for _, p := range sr.Permissions {
			perm, _ := m.GetPermissionByName(ctx, p)
			_, _ = m.AttachPermission(ctx, role.ID, perm.ID)
		}
	}
}

// PutUser inserts or replaces a user
func (m *MemoryStore) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = &u
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) GetUser(ctx context.Context, userID int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleID]
	if !ok {
		return nil, fmt.Errorf("role %d: %w", roleID, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("role %q: %w", name, ErrNotFound)
}

func (m *MemoryStore) ListRoles(ctx context.Context) ([]*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Role, 0, len(m.roles))
	for _, r := range m.roles {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HierarchyLevel != out[j].HierarchyLevel {
			return out[i].HierarchyLevel > out[j].HierarchyLevel
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) CreateRole(ctx context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == role.Name {
			return fmt.Errorf("role %q already exists: %w", role.Name, ErrConflict)
		}
	}
	role.ID = m.id()
	role.CreatedAt = m.now().UTC()
	role.UpdatedAt = role.CreatedAt
	cp := *role
	m.roles[role.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateRole(ctx context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[role.ID]
	if !ok {
		return fmt.Errorf("role %d: %w", role.ID, ErrNotFound)
	}
	r.DisplayName = role.DisplayName
	r.Description = role.Description
	r.HierarchyLevel = role.HierarchyLevel
	r.UpdatedAt = m.now().UTC()
	role.UpdatedAt = r.UpdatedAt
	return nil
}

func (m *MemoryStore) DeleteRole(ctx context.Context, roleID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleID]
	if !ok {
		return fmt.Errorf("role %d: %w", roleID, ErrNotFound)
	}
	if r.IsSystem || m.countEffective(roleID, at) > 0 {
		return fmt.Errorf("role %d is a system role or still assigned: %w", roleID, ErrConflict)
	}
	delete(m.roles, roleID)
	delete(m.links, roleID)
	for k, a := range m.assignments {
		if a.RoleID == roleID {
			delete(m.assignments, k)
		}
	}
	return nil
}

func (m *MemoryStore) SetRoleActive(ctx context.Context, roleID int64, active bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleID]
	if !ok {
		return false, fmt.Errorf("role %d: %w", roleID, ErrNotFound)
	}
	if r.IsActive == active {
		return false, nil
	}
	r.IsActive = active
	return true, nil
}

func (m *MemoryStore) CountActiveAssignments(ctx context.Context, roleID int64, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countEffective(roleID, at), nil
}

func (m *MemoryStore) countEffective(roleID int64, at time.Time) int {
	n := 0
	for _, a := range m.assignments {
		if a.RoleID == roleID && IsEffectiveAt(a, at) {
			n++
		}
	}
	return n
}

func (m *MemoryStore) GetPermission(ctx context.Context, permissionID int64) (*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.permissions[permissionID]
	if !ok {
		return nil, fmt.Errorf("permission %d: %w", permissionID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.permissions {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("permission %q: %w", name, ErrNotFound)
}

func (m *MemoryStore) ListPermissions(ctx context.Context) ([]*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Permission, 0, len(m.permissions))
	for _, p := range m.permissions {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) CreatePermission(ctx context.Context, p *Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.permissions {
		if existing.Name == p.Name {
			return fmt.Errorf("permission %q already exists: %w", p.Name, ErrConflict)
		}
	}
	p.ID = m.id()
	p.CreatedAt = m.now().UTC()
	cp := *p
	m.permissions[p.ID] = &cp
	return nil
}

func (m *MemoryStore) SetPermissionActive(ctx context.Context, permissionID int64, active bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.permissions[permissionID]
	if !ok {
		return false, fmt.Errorf("permission %d: %w", permissionID, ErrNotFound)
	}
	if p.IsActive == active {
		return false, nil
	}
	p.IsActive = active
	return true, nil
}

func (m *MemoryStore) AttachPermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return false, fmt.Errorf("role %d: %w", roleID, ErrNotFound)
	}
	if _, ok := m.permissions[permissionID]; !ok {
		return false, fmt.Errorf("permission %d: %w", permissionID, ErrNotFound)
	}
	set := m.links[roleID]
	if set == nil {
		set = make(map[int64]struct{})
		m.links[roleID] = set
	}
	if _, ok := set[permissionID]; ok {
		return false, nil
	}
	set[permissionID] = struct{}{}
	return true, nil
}

func (m *MemoryStore) DetachPermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.links[roleID]
	if _, ok := set[permissionID]; !ok {
		return false, nil
	}
	delete(set, permissionID)
	return true, nil
}

func (m *MemoryStore) RolePermissions(ctx context.Context, roleID int64) ([]*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Permission
	for id := range m.links[roleID] {
		cp := *m.permissions[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) EffectiveRoles(ctx context.Context, userID int64, at time.Time) ([]EffectiveRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || !u.IsActive {
		return nil, nil
	}
	var out []EffectiveRole
	for _, a := range m.assignments {
		if a.UserID != userID || !IsEffectiveAt(a, at) {
			continue
		}
		r := m.roles[a.RoleID]
		if !RoleUsable(r) {
			continue
		}
		out = append(out, EffectiveRole{
			RoleID:         r.ID,
			Name:           r.Name,
			HierarchyLevel: r.HierarchyLevel,
			ExpiresAt:      copyTime(a.ExpiresAt),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HierarchyLevel != out[j].HierarchyLevel {
			return out[i].HierarchyLevel > out[j].HierarchyLevel
		}
		return out[i].RoleID < out[j].RoleID
	})
	return out, nil
}

func (m *MemoryStore) PermissionNamesForRoles(ctx context.Context, roleIDs []int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := NewPermissionSet()
	for _, roleID := range roleIDs {
		for id := range m.links[roleID] {
			if p := m.permissions[id]; PermissionUsable(p) {
				set.Add(p.Name)
			}
		}
	}
	return set.Names(), nil
}

func (m *MemoryStore) GetAssignment(ctx context.Context, userID, roleID int64) (*RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[[2]int64{userID, roleID}]
	if !ok {
		return nil, fmt.Errorf("assignment of role %d to user %d: %w", roleID, userID, ErrNotFound)
	}
	return copyAssignment(a), nil
}

func (m *MemoryStore) ListAssignments(ctx context.Context, userID int64) ([]*RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RoleAssignment
	for _, a := range m.assignments {
		if a.UserID == userID {
			out = append(out, copyAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertAssignment(ctx context.Context, a *RoleAssignment) (*RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{a.UserID, a.RoleID}
	prev, ok := m.assignments[key]
	if !ok {
		a.ID = m.id()
		m.assignments[key] = copyAssignment(a)
		return nil, nil
	}
	a.ID = prev.ID
	m.assignments[key] = copyAssignment(a)
	return prev, nil
}

func (m *MemoryStore) DeactivateAssignment(ctx context.Context, userID, roleID int64) (*RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[[2]int64{userID, roleID}]
	if !ok || !a.IsActive {
		return nil, fmt.Errorf("active assignment of role %d to user %d: %w", roleID, userID, ErrNotFound)
	}
	prev := copyAssignment(a)
	a.IsActive = false
	return prev, nil
}

func (m *MemoryStore) ExpireAssignments(ctx context.Context, now time.Time) ([]*RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RoleAssignment
	for _, a := range m.assignments {
		if a.IsActive && a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			a.IsActive = false
			out = append(out, copyAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyAssignment(a *RoleAssignment) *RoleAssignment {
	cp := *a
	cp.ExpiresAt = copyTime(a.ExpiresAt)
	if a.GrantedBy != nil {
		id := *a.GrantedBy
		cp.GrantedBy = &id
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*PostgresStore)(nil)
