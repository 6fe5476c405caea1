package audit

import (
	"time"
)

// Action is the closed set of audit row kinds. The same list is enforced by
// a CHECK constraint on permission_audits.action.
type Action string

const (
	ActionGranted                   Action = "granted"
	ActionRevoked                   Action = "revoked"
	ActionModified                  Action = "modified"
	ActionUnauthorizedAccessAttempt Action = "unauthorized_access_attempt"

	ActionIPBlockAuto     Action = "ip_block_auto"
	ActionIPUnblockManual Action = "ip_unblock_manual"
	ActionIPUnblockAuto   Action = "ip_unblock_auto"

	ActionTicketAssigned    Action = "ticket_assigned"
	ActionTicketUnassigned  Action = "ticket_unassigned"
	ActionTicketTransferred Action = "ticket_transferred"

	ActionRoleCreated Action = "role_created"
	ActionRoleDeleted Action = "role_deleted"

	ActionEmergencyGranted  Action = "emergency_access_granted"
	ActionEmergencyRedeemed Action = "emergency_access_redeemed"
	ActionEmergencyRevoked  Action = "emergency_access_revoked"
)

// AllActions lists every valid action in a stable order
var AllActions = []Action{
	ActionGranted,
	ActionRevoked,
	ActionModified,
	ActionUnauthorizedAccessAttempt,
	ActionIPBlockAuto,
	ActionIPUnblockManual,
	ActionIPUnblockAuto,
	ActionTicketAssigned,
	ActionTicketUnassigned,
	ActionTicketTransferred,
	ActionRoleCreated,
	ActionRoleDeleted,
	ActionEmergencyGranted,
	ActionEmergencyRedeemed,
	ActionEmergencyRevoked,
}

// Valid reports whether a is in the closed set
func (a Action) Valid() bool {
	for _, known := range AllActions {
		if a == known {
			return true
		}
	}
	return false
}

// Entry is one append-only permission audit row.
// Nil PerformedBy means the system acted.
type Entry struct {
	ID           int64                  `json:"id"`
	UserID       *int64                 `json:"user_id,omitempty"`
	PermissionID *int64                 `json:"permission_id,omitempty"`
	RoleID       *int64                 `json:"role_id,omitempty"`
	Action       Action                 `json:"action"`
	OldValues    map[string]interface{} `json:"old_values,omitempty"`
	NewValues    map[string]interface{} `json:"new_values,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
	PerformedBy  *int64                 `json:"performed_by,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Filter narrows a Search. Zero values are ignored.
type Filter struct {
	UserID      *int64
	PerformedBy *int64
	RoleID      *int64
	Actions     []Action
	IPAddress   string
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}

// Int64 returns a pointer to v. Handy when filling the nullable id fields.
func Int64(v int64) *int64 {
	return &v
}
