package emergency

import (
	"context"
	"time"

	"github.com/supportly/authz/pkg/rbac"
)

// State is the lifecycle position of a grant
type State string

const (
	StateIssued   State = "issued"
	StateRedeemed State = "redeemed"
	StateExpired  State = "expired"
	StateRevoked  State = "revoked"
)

// Access is one break-glass grant. Permissions are listed by name and never
// go through a role.
type Access struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	Permissions []string   `json:"permissions"`
	Reason      string     `json:"reason"`
	GrantedBy   *int64     `json:"granted_by,omitempty"`
	GrantedAt   time.Time  `json:"granted_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
	IsActive    bool       `json:"is_active"`
	TokenHash   string     `json:"-"`
}

// StateAt derives the grant's state at t
func (a *Access) StateAt(t time.Time) State {
	switch {
	case !t.Before(a.ExpiresAt):
		return StateExpired
	case !a.IsActive:
		return StateRevoked
	case a.UsedAt != nil:
		return StateRedeemed
	default:
		return StateIssued
	}
}

// GrantRequest asks for a break-glass grant for UserID
type GrantRequest struct {
	ActorID         int64
	UserID          int64
	Permissions     []string
	Reason          string
	DurationMinutes int
}

// Issued is the result of a grant: the stored row plus the one-time token
type Issued struct {
	Access *Access
	Token  string
}

// Store persists grants. MarkUsed and Deactivate are conditional updates so
// concurrent callers flip a row at most once.
type Store interface {
	Create(ctx context.Context, a *Access) error
	Get(ctx context.Context, id int64) (*Access, error)
	GetByTokenHash(ctx context.Context, hash string) (*Access, error)
	ListForUser(ctx context.Context, userID int64) ([]*Access, error)

	// MarkUsed sets used_at on an active, unredeemed, unexpired grant.
	// It returns ErrNotFound when no row qualified.
	MarkUsed(ctx context.Context, hash string, at time.Time) (*Access, error)
	// MarkUsedByID is MarkUsed keyed by primary key. hash must still match.
	MarkUsedByID(ctx context.Context, id int64, hash string, at time.Time) (*Access, error)
	// Deactivate ends an active grant and returns it as it was
	Deactivate(ctx context.Context, id int64) (*Access, error)
	// ExpireGrants deactivates active grants whose expiry has passed
	ExpireGrants(ctx context.Context, now time.Time) ([]*Access, error)

	rbac.EmergencyGrants
}

// UserLookup resolves the redeeming user
type UserLookup interface {
	GetUser(ctx context.Context, userID int64) (*rbac.User, error)
}
