package emergency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/supportly/authz/pkg/rbac"
)

// MemoryStore is an in-process Store for tests and single-node development
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[int64]*Access
	nextID int64
	users  UserLookup
}

// NewMemoryStore creates an empty store. When users is set, grants of
// inactive users are left out of ActiveGrants.
func NewMemoryStore(users UserLookup) *MemoryStore {
	return &MemoryStore{rows: make(map[int64]*Access), users: users}
}

func (m *MemoryStore) Create(ctx context.Context, a *Access) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.rows {
		if row.TokenHash == a.TokenHash {
			return fmt.Errorf("token hash already stored: %w", rbac.ErrConflict)
		}
	}
	m.nextID++
	a.ID = m.nextID
	m.rows[a.ID] = copyAccess(a)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Access, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("emergency access %d: %w", id, rbac.ErrNotFound)
	}
	return copyAccess(a), nil
}

func (m *MemoryStore) GetByTokenHash(ctx context.Context, hash string) (*Access, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a := m.byHash(hash); a != nil {
		return copyAccess(a), nil
	}
	return nil, fmt.Errorf("emergency access: %w", rbac.ErrNotFound)
}

func (m *MemoryStore) byHash(hash string) *Access {
	for _, a := range m.rows {
		if a.TokenHash == hash {
			return a
		}
	}
	return nil
}

func (m *MemoryStore) ListForUser(ctx context.Context, userID int64) ([]*Access, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Access
	for _, a := range m.rows {
		if a.UserID == userID {
			out = append(out, copyAccess(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *MemoryStore) MarkUsed(ctx context.Context, hash string, at time.Time) (*Access, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return markUsed(m.byHash(hash), at)
}

func (m *MemoryStore) MarkUsedByID(ctx context.Context, id int64, hash string, at time.Time) (*Access, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.rows[id]
	if !ok || a.TokenHash != hash {
		a = nil
	}
	return markUsed(a, at)
}

func markUsed(a *Access, at time.Time) (*Access, error) {
	if a == nil || !a.IsActive || a.UsedAt != nil || !a.ExpiresAt.After(at) {
		return nil, fmt.Errorf("redeemable emergency access: %w", rbac.ErrNotFound)
	}
	used := at
	a.UsedAt = &used
	return copyAccess(a), nil
}

func (m *MemoryStore) Deactivate(ctx context.Context, id int64) (*Access, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.rows[id]
	if !ok || !a.IsActive {
		return nil, fmt.Errorf("active emergency access %d: %w", id, rbac.ErrNotFound)
	}
	prev := copyAccess(a)
	a.IsActive = false
	return prev, nil
}

func (m *MemoryStore) ExpireGrants(ctx context.Context, now time.Time) ([]*Access, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Access
	for _, a := range m.rows {
		if a.IsActive && !a.ExpiresAt.After(now) {
			a.IsActive = false
			out = append(out, copyAccess(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ActiveGrants(ctx context.Context, userID int64, at time.Time) ([]rbac.EmergencyGrant, error) {
	if m.users != nil {
		u, err := m.users.GetUser(ctx, userID)
		if errors.Is(err, rbac.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !u.IsActive {
			return nil, nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var grants []rbac.EmergencyGrant
	for _, a := range m.rows {
		if a.UserID != userID || !a.IsActive || a.UsedAt == nil || !a.ExpiresAt.After(at) {
			continue
		}
		grants = append(grants, rbac.EmergencyGrant{
			ID:          a.ID,
			Permissions: append([]string(nil), a.Permissions...),
			ExpiresAt:   a.ExpiresAt,
		})
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].ID < grants[j].ID })
	return grants, nil
}

func copyAccess(a *Access) *Access {
	c := *a
	c.Permissions = append([]string(nil), a.Permissions...)
	if a.GrantedBy != nil {
		id := *a.GrantedBy
		c.GrantedBy = &id
	}
	if a.UsedAt != nil {
		t := *a.UsedAt
		c.UsedAt = &t
	}
	return &c
}

var _ Store = (*MemoryStore)(nil)
