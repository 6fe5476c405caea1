package emergency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/supportly/authz/pkg/audit"
	"github.com/supportly/authz/pkg/config"
	"github.com/supportly/authz/pkg/kv"
	"github.com/supportly/authz/pkg/observability"
	"github.com/supportly/authz/pkg/ratelimit"
	"github.com/supportly/authz/pkg/rbac"
)

// Manager issues, redeems and revokes break-glass grants
type Manager struct {
	store       Store
	users       UserLookup
	resolver    *rbac.Resolver
	tokens      *kv.Client
	issue       *ratelimit.Limiter
	redeem      *ratelimit.Limiter
	audit       *audit.Log
	logger      *observability.Logger
	metrics     *observability.Metrics
	maxDuration time.Duration
	now         func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager. Token mappings and both rate limiters live
// in tokens so every worker shares them.
func NewManager(store Store, users UserLookup, resolver *rbac.Resolver, tokens *kv.Client, cfg config.EmergencyConfig, auditLog *audit.Log, logger *observability.Logger, metrics *observability.Metrics, opts ...Option) *Manager {
	metrics = observability.OrNop(metrics)
	m := &Manager{
		store:       store,
		users:       users,
		resolver:    resolver,
		tokens:      tokens,
		issue:       ratelimit.New(tokens, "emergency_issue", ratelimit.Config{Limit: cfg.IssueLimit, Window: cfg.IssueWindow}, metrics),
		redeem:      ratelimit.New(tokens, "emergency_redeem", ratelimit.Config{Limit: cfg.RedeemLimit, Window: cfg.RedeemWindow}, metrics),
		audit:       auditLog,
		logger:      observability.OrDefault(logger).WithField("component", "emergency"),
		metrics:     metrics,
		maxDuration: cfg.MaxDuration,
		now:         time.Now,
	}
	if m.maxDuration <= 0 {
		m.maxDuration = time.Hour
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func tokenKey(hash string) string {
	return "emergency:token:" + hash
}

func (m *Manager) count(op, outcome string) {
	m.metrics.EmergencyOperationsTotal.WithLabelValues(op, outcome).Inc()
}

// throttle fails closed: a limiter error refuses the request
func (m *Manager) throttle(ctx context.Context, l *ratelimit.Limiter, op, subject string) error {
	d, err := l.Allow(ctx, subject)
	if err != nil {
		m.logger.WithError(err).WithField("operation", op).Error("Rate limiter unavailable")
		m.count(op, "rate_limited")
		return fmt.Errorf("emergency %s: %w", op, rbac.ErrRateLimited)
	}
	if !d.Allowed {
		m.count(op, "rate_limited")
		return fmt.Errorf("emergency %s, retry in %s: %w", op, d.RetryAfter.Round(time.Second), rbac.ErrRateLimited)
	}
	return nil
}

func (m *Manager) refuse(ctx context.Context, actorID int64, op string, subjectID int64, reason string) error {
	m.count(op, "denied")
	m.audit.Record(ctx, &audit.Entry{
		UserID:      audit.Int64(subjectID),
		Action:      audit.ActionUnauthorizedAccessAttempt,
		NewValues:   map[string]interface{}{"attempted_action": op + " emergency access"},
		PerformedBy: audit.Int64(actorID),
		Reason:      reason,
	})
	m.logger.WithFields(map[string]interface{}{
		"actor_id": actorID,
		"user_id":  subjectID,
		"reason":   reason,
	}).Warn("Refused emergency access operation")
	return &rbac.AuthorizationError{ActorID: actorID, Action: op + " emergency access", Reason: reason}
}

// grantDuration validates a requested length in minutes and caps it at
// maxDuration
func (m *Manager) grantDuration(minutes int) (time.Duration, error) {
	if minutes <= 0 {
		return 0, &rbac.ValidationError{Field: "duration_minutes", Message: "must be a positive number of minutes"}
	}
	d := time.Duration(minutes) * time.Minute
	if d > m.maxDuration || d/time.Minute != time.Duration(minutes) {
		return m.maxDuration, nil
	}
	return d, nil
}

func normalizePermissions(names []string) ([]string, error) {
	seen := make(map[string]struct{}, len(names))
	var out []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if _, _, err := rbac.ParsePermissionName(name); err != nil {
			return nil, err
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, &rbac.ValidationError{Field: "permissions", Message: "at least one permission is required"}
	}
	sort.Strings(out)
	return out, nil
}

// Grant issues a break-glass grant and returns its one-time token. The actor
// needs emergency.grant and must hold every permission handed out.
func (m *Manager) Grant(ctx context.Context, req GrantRequest) (*Issued, error) {
	ctx, span := observability.StartSpan(ctx, "emergency.Grant",
		attribute.Int64("actor.id", req.ActorID),
		attribute.Int64("user.id", req.UserID),
	)
	defer span.End()

	if err := m.throttle(ctx, m.issue, "grant", "actor:"+strconv.FormatInt(req.ActorID, 10)); err != nil {
		return nil, err
	}

	held, err := m.resolver.Resolve(ctx, req.ActorID)
	if err != nil {
		m.count("grant", "error")
		return nil, err
	}
	if !held.Has(rbac.PermEmergencyGrant) {
		return nil, m.refuse(ctx, req.ActorID, "grant", req.UserID, "missing permission "+rbac.PermEmergencyGrant)
	}

	names, err := normalizePermissions(req.Permissions)
	if err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, &rbac.ValidationError{Field: "reason", Message: "a reason is required for emergency access"}
	}
	duration, err := m.grantDuration(req.DurationMinutes)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if !held.Has(name) {
			return nil, m.refuse(ctx, req.ActorID, "grant", req.UserID, "actor does not hold "+name)
		}
	}

	user, err := m.users.GetUser(ctx, req.UserID)
	if errors.Is(err, rbac.ErrNotFound) {
		return nil, &rbac.ValidationError{Field: "user_id", Message: "does not exist", Err: err}
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, &rbac.ValidationError{Field: "user_id", Message: "user is inactive"}
	}

	token, hash, prefix, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	actorID := req.ActorID
	access := &Access{
		UserID:      req.UserID,
		Permissions: names,
		Reason:      reason,
		GrantedBy:   &actorID,
		GrantedAt:   now,
		ExpiresAt:   now.Add(duration),
		IsActive:    true,
		TokenHash:   hash,
	}
	if err := m.store.Create(ctx, access); err != nil {
		m.count("grant", "error")
		return nil, err
	}

	// the mapping lets Redeem claim the row by id; without it Redeem
	// falls back to the token hash
	if err := m.tokens.Set(ctx, tokenKey(hash), strconv.FormatInt(access.ID, 10), duration); err != nil {
		m.logger.WithError(err).WithField("token_prefix", prefix).Warn("Failed to cache emergency token")
	}

	m.audit.Record(ctx, &audit.Entry{
		UserID:      audit.Int64(req.UserID),
		Action:      audit.ActionEmergencyGranted,
		PerformedBy: audit.Int64(actorID),
		Reason:      reason,
		NewValues: map[string]interface{}{
			"permissions":  names,
			"expires_at":   access.ExpiresAt.Format(time.RFC3339),
			"token_prefix": prefix,
		},
	})

	m.count("grant", "success")
	m.logger.WithFields(map[string]interface{}{
		"access_id":    access.ID,
		"user_id":      req.UserID,
		"actor_id":     actorID,
		"token_prefix": prefix,
		"expires_at":   access.ExpiresAt,
	}).Info("Emergency access granted")

	return &Issued{Access: access, Token: token}, nil
}

// Redeem consumes token and returns the user it was issued to. requester
// keys the redemption limiter, usually the client IP. Exactly one of any
// number of concurrent calls with the same token succeeds; the others get
// ErrNotFound or ErrExpired.
func (m *Manager) Redeem(ctx context.Context, token, requester string) (*rbac.User, error) {
	ctx, span := observability.StartSpan(ctx, "emergency.Redeem", attribute.String("token.prefix", DisplayPrefix(token)))
	defer span.End()

	if err := m.throttle(ctx, m.redeem, "redeem", requester); err != nil {
		return nil, err
	}
	if err := ValidateTokenFormat(token); err != nil {
		m.count("redeem", "not_found")
		return nil, fmt.Errorf("emergency token: %w", rbac.ErrNotFound)
	}

	hash := HashToken(token)
	now := m.now().UTC()
	access, err := m.markUsed(ctx, hash, DisplayPrefix(token), now)
	if errors.Is(err, rbac.ErrNotFound) {
		return nil, m.unredeemable(ctx, hash, now)
	}
	if err != nil {
		m.count("redeem", "error")
		return nil, err
	}

	m.resolver.InvalidateUser(ctx, access.UserID)

	m.audit.Record(ctx, &audit.Entry{
		UserID:      audit.Int64(access.UserID),
		Action:      audit.ActionEmergencyRedeemed,
		PerformedBy: audit.Int64(access.UserID),
		Reason:      access.Reason,
		NewValues: map[string]interface{}{
			"access_id":   access.ID,
			"permissions": access.Permissions,
			"used_at":     now.Format(time.RFC3339),
			"expires_at":  access.ExpiresAt.Format(time.RFC3339),
		},
	})
	m.count("redeem", "success")

	log := m.logger.WithFields(map[string]interface{}{
		"access_id": access.ID,
		"user_id":   access.UserID,
	})
	log.Info("Emergency access redeemed")

	// the token is spent either way, so a failed profile lookup still
	// reports the redemption
	user, err := m.users.GetUser(ctx, access.UserID)
	if err != nil {
		log.WithError(err).Warn("Failed to load redeeming user")
		return &rbac.User{ID: access.UserID, IsActive: true}, nil
	}
	return user, nil
}

// markUsed claims the grant for hash. The token mapping is read and cleared
// in one step; its holder updates the row by id and anyone else goes
// through the hash. Either way the conditional update is what lets exactly
// one caller through.
func (m *Manager) markUsed(ctx context.Context, hash, prefix string, now time.Time) (*Access, error) {
	raw, ok, err := m.tokens.GetDel(ctx, tokenKey(hash))
	if err != nil {
		m.logger.WithError(err).WithField("token_prefix", prefix).Warn("Emergency token mapping unavailable")
	}
	if ok {
		id, perr := strconv.ParseInt(raw, 10, 64)
		if perr == nil {
			return m.store.MarkUsedByID(ctx, id, hash, now)
		}
		m.logger.WithError(perr).WithField("token_prefix", prefix).Warn("Ignoring malformed emergency token mapping")
	}
	return m.store.MarkUsed(ctx, hash, now)
}

// unredeemable classifies a token the store refused to redeem
func (m *Manager) unredeemable(ctx context.Context, hash string, now time.Time) error {
	access, err := m.store.GetByTokenHash(ctx, hash)
	if err == nil && access.StateAt(now) == StateExpired && access.UsedAt == nil {
		m.count("redeem", "expired")
		return fmt.Errorf("emergency token: %w", rbac.ErrExpired)
	}
	if err != nil && !errors.Is(err, rbac.ErrNotFound) {
		m.logger.WithError(err).Warn("Failed to classify emergency token")
	}
	m.count("redeem", "not_found")
	return fmt.Errorf("emergency token: %w", rbac.ErrNotFound)
}

// Revoke ends a grant early, whether or not it was redeemed
func (m *Manager) Revoke(ctx context.Context, accessID, actorID int64, reason string) error {
	held, err := m.resolver.Resolve(ctx, actorID)
	if err != nil {
		return err
	}

	if !held.Has(rbac.PermEmergencyGrant) {
		return m.refuse(ctx, actorID, "revoke", actorID, "missing permission "+rbac.PermEmergencyGrant)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return &rbac.ValidationError{Field: "reason", Message: "a reason is required to revoke emergency access"}
	}

	now := m.now().UTC()
	prev, err := m.store.Deactivate(ctx, accessID)
	if err != nil {
		return err
	}
	if _, err := m.tokens.Del(ctx, tokenKey(prev.TokenHash)); err != nil {
		m.logger.WithError(err).WithField("access_id", accessID).Warn("Failed to clear emergency token mapping")
	}
	m.resolver.InvalidateUser(ctx, prev.UserID)

	m.audit.Record(ctx, &audit.Entry{
		UserID:      audit.Int64(prev.UserID),
		Action:      audit.ActionEmergencyRevoked,
		PerformedBy: audit.Int64(actorID),
		Reason:      reason,
		OldValues: map[string]interface{}{
			"access_id":   prev.ID,
			"state":       string(prev.StateAt(now)),
			"permissions": prev.Permissions,
		},
	})
	m.count("revoke", "success")
	return nil
}

// SweepExpired deactivates grants past their expiry and clears their token
// mappings. Resolution already ignores them, so no audit row is written.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := m.store.ExpireGrants(ctx, now)
	if err != nil {
		return 0, err
	}

	keys := make([]string, 0, len(expired))
	for _, a := range expired {
		keys = append(keys, tokenKey(a.TokenHash))
		if a.UsedAt != nil {
			m.resolver.InvalidateUser(ctx, a.UserID)
		}
	}
	if _, err := m.tokens.Del(ctx, keys...); err != nil {
		m.logger.WithError(err).Warn("Failed to clear expired emergency token mappings")
	}

	if len(expired) > 0 {
		m.logger.WithField("count", len(expired)).Info("Expired emergency access swept")
	}
	return len(expired), nil
}

// ListForUser returns every grant of userID for the security dashboard
func (m *Manager) ListForUser(ctx context.Context, actorID, userID int64) ([]*Access, error) {
	ok, err := m.resolver.HasAny(ctx, actorID, rbac.PermEmergencyGrant, rbac.PermAuditView)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, m.refuse(ctx, actorID, "list", userID, "missing permission "+rbac.PermEmergencyGrant)
	}
	return m.store.ListForUser(ctx, userID)
}
