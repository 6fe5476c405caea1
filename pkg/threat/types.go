package threat

import (
	"context"
	"time"

	"github.com/supportly/authz/pkg/config"
)

// Event is a security event reported by the authentication layer
type Event struct {
	Type string
	IP   string
	// UserID is the account involved, when known
	UserID    *int64
	UserAgent string
	// LogID references the originating security log row
	LogID      string
	OccurredAt time.Time
}

// Block is the marker stored for a blocked address. Its presence is the
// authoritative blocked signal; it expires by TTL.
type Block struct {
	IP           string    `json:"ip"`
	Episode      string    `json:"episode"`
	Reason       string    `json:"reason"`
	EventType    string    `json:"event_type"`
	LogID        string    `json:"log_id,omitempty"`
	UserID       *int64    `json:"user_id,omitempty"`
	BlockedAt    time.Time `json:"blocked_at"`
	BlockedUntil time.Time `json:"blocked_until"`
}

// Disposition is what Handle did with an event
type Disposition string

const (
	DispositionIgnored        Disposition = "ignored"
	DispositionTrusted        Disposition = "trusted"
	DispositionBlocked        Disposition = "blocked"
	DispositionAlreadyBlocked Disposition = "already_blocked"
)

// PolicySource supplies the current threat toggles
type PolicySource interface {
	ThreatPolicy() config.ThreatPolicy
}

// Authorizer checks the unblocking actor's permission
type Authorizer interface {
	HasPermission(ctx context.Context, userID int64, name string) (bool, error)
}
