package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/supportly/authz/pkg/audit"
)

// ReasonTemporalExpired is recorded on rows the sweep deactivates
const ReasonTemporalExpired = "temporal grant expired"

// TemporalManager grants and revokes time-bounded roles. Expiry is
// evaluated at read time; SweepExpired is housekeeping only.
type TemporalManager struct {
	m *Manager
}

// NewTemporalManager wraps m
func NewTemporalManager(m *Manager) *TemporalManager {
	return &TemporalManager{m: m}
}

// GrantTemporaryRole grants roleID to userID for durationMinutes. It
// returns true once the grant is stored, audited and the cache is cleared.
func (t *TemporalManager) GrantTemporaryRole(ctx context.Context, userID, roleID int64, durationMinutes int, reason string, grantedBy int64) (bool, error) {
	if durationMinutes <= 0 {
		return false, invalid("duration_minutes", "must be positive")
	}
	if strings.TrimSpace(reason) == "" {
		return false, invalid("reason", "is required for temporal grants")
	}

	expiresAt := t.m.now().Add(time.Duration(durationMinutes) * time.Minute).UTC()
	_, err := t.m.AssignRole(ctx, AssignRequest{
		UserID:    userID,
		RoleID:    roleID,
		ActorID:   grantedBy,
		Reason:    reason,
		ExpiresAt: &expiresAt,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// ExtendTemporaryRole pushes an effective temporal grant's expiry out by
// additionalMinutes. It is a re-grant and is audited as modified.
func (t *TemporalManager) ExtendTemporaryRole(ctx context.Context, userID, roleID int64, additionalMinutes int, reason string, actorID int64) (*RoleAssignment, error) {
	if additionalMinutes <= 0 {
		return nil, invalid("duration_minutes", "must be positive")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, invalid("reason", "is required for temporal grants")
	}

	current, err := t.m.store.GetAssignment(ctx, userID, roleID)
	if err != nil {
		return nil, err
	}
	if !IsEffectiveAt(current, t.m.now()) {
		return nil, fmt.Errorf("assignment of role %d to user %d: %w", roleID, userID, ErrExpired)
	}
	if !current.IsTemporal() {
		return nil, invalid("role_id", "assignment is permanent")
	}

	expiresAt := current.ExpiresAt.Add(time.Duration(additionalMinutes) * time.Minute).UTC()
	return t.m.AssignRole(ctx, AssignRequest{
		UserID:    userID,
		RoleID:    roleID,
		ActorID:   actorID,
		Reason:    reason,
		ExpiresAt: &expiresAt,
	})
}

// Revoke ends the user's assignment of roleID early
func (t *TemporalManager) Revoke(ctx context.Context, userID, roleID, actorID int64, reason string) error {
	return t.m.RevokeRole(ctx, userID, roleID, actorID, reason)
}

// SweepExpired deactivates every active assignment whose expiry is at or
// before now. Each flipped row gets one revoked audit entry by the system.
// Concurrent sweepers never flip, or audit, the same row twice.
func (t *TemporalManager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := t.m.store.ExpireAssignments(ctx, now)
	if err != nil {
		return 0, err
	}

	seen := make(map[int64]bool, len(expired))
	for _, a := range expired {
		if !seen[a.UserID] {
			seen[a.UserID] = true
			t.m.resolver.InvalidateUser(ctx, a.UserID)
		}

		old := assignmentSnapshot(a)
		old["is_active"] = true
		t.m.audit.Record(ctx, &audit.Entry{
			UserID:    audit.Int64(a.UserID),
			RoleID:    audit.Int64(a.RoleID),
			Action:    audit.ActionRevoked,
			OldValues: old,
			NewValues: map[string]interface{}{"is_active": false},
			Reason:    ReasonTemporalExpired,
		})
	}

	if len(expired) > 0 {
		t.m.logger.WithField("count", len(expired)).Info("Deactivated expired role assignments")
	}
	return len(expired), nil
}

// IsExpired reports whether err means a grant or token has lapsed
func IsExpired(err error) bool {
	return errors.Is(err, ErrExpired)
}
