package rbac

import (
	"context"
	"errors"

	"github.com/supportly/authz/pkg/audit"
)

// Rank returns the role's stored hierarchy level
func Rank(r *Role) int {
	return r.HierarchyLevel
}

// SeniorOrEqual reports whether an actor of actorMaxRank may see target.
// Peers are visible.
func SeniorOrEqual(actorMaxRank int, target *Role) bool {
	return actorMaxRank >= Rank(target)
}

// StrictlySenior reports whether an actor of actorMaxRank may modify,
// delete or assign target. Peers are not.
func StrictlySenior(actorMaxRank int, target *Role) bool {
	return actorMaxRank > Rank(target)
}

// loadActor builds the actor's identity. Unknown actors get an empty
// identity so the refusal is still audited.
func (m *Manager) loadActor(ctx context.Context, actorID int64) (*Identity, error) {
	id, err := m.resolver.Identity(ctx, actorID)
	if errors.Is(err, ErrNotFound) {
		return &Identity{Permissions: NewPermissionSet()}, nil
	}
	return id, err
}

// refuse audits an unauthorized attempt and returns the error for it
func (m *Manager) refuse(ctx context.Context, actorID int64, op string, roleID, subjectID *int64, reason string) error {
	m.metrics.AdminOperationsTotal.WithLabelValues(op, "denied").Inc()

	subject := subjectID
	if subject == nil {
		subject = audit.Int64(actorID)
	}
	newValues := map[string]interface{}{"attempted_action": op}
	m.audit.Record(ctx, &audit.Entry{
		UserID:      subject,
		RoleID:      roleID,
		Action:      audit.ActionUnauthorizedAccessAttempt,
		NewValues:   newValues,
		PerformedBy: audit.Int64(actorID),
		Reason:      reason,
	})

	fields := map[string]interface{}{"actor_id": actorID, "operation": op, "reason": reason}
	if roleID != nil {
		fields["role_id"] = *roleID
	}
	m.logger.WithFields(fields).Warn("Refused administrative action")

	return &AuthorizationError{ActorID: actorID, Action: op, Reason: reason}
}

func (m *Manager) requireView(ctx context.Context, actor *Identity, actorID int64, role *Role) error {
	if actor.Can(PermRolesView) {
		return nil
	}
	if actor.Can(PermRolesViewDepartment) && SeniorOrEqual(actor.MaxRank(), role) {
		return nil
	}
	return m.refuse(ctx, actorID, "view role", &role.ID, nil, "role is above the actor's hierarchy or view permission missing")
}

func (m *Manager) requireMutate(ctx context.Context, actor *Identity, actorID int64, perm, op string, role *Role) error {
	if !actor.Can(perm) {
		return m.refuse(ctx, actorID, op, &role.ID, nil, "missing permission "+perm)
	}
	if !StrictlySenior(actor.MaxRank(), role) {
		return m.refuse(ctx, actorID, op, &role.ID, nil, "target role is not junior to the actor")
	}
	return nil
}

func (m *Manager) requireAssign(ctx context.Context, actor *Identity, actorID int64, op string, role *Role, target *User) error {
	switch {
	case actor.Can(PermRolesAssign):
	case actor.Can(PermRolesAssignDepartment):
		if !SameDepartment(actor.User, target) {
			return m.refuse(ctx, actorID, op, &role.ID, &target.ID, "target user is outside the actor's department")
		}
	default:
		return m.refuse(ctx, actorID, op, &role.ID, &target.ID, "missing permission "+PermRolesAssign)
	}
	if !StrictlySenior(actor.MaxRank(), role) {
		return m.refuse(ctx, actorID, op, &role.ID, &target.ID, "target role is not junior to the actor")
	}
	return nil
}
