package threat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/supportly/authz/pkg/audit"
	"github.com/supportly/authz/pkg/kv"
	"github.com/supportly/authz/pkg/notify"
	"github.com/supportly/authz/pkg/observability"
	"github.com/supportly/authz/pkg/rbac"
)

const (
	blockKeyPrefix = "threat:blocked:"
	notifyPrefix   = "threat:notified:"
	// blocksIndex scores "ip|episode" members by their blocked-until time
	blocksIndex = "threat:blocks"

	maxClearAttempts = 3
)

// Engine turns qualifying security events into IP blocks. Blocking uses
// add-if-absent on a shared marker, so any number of workers handling
// events for one address produce one block, one audit row and at most one
// notification per episode.
type Engine struct {
	store      *kv.Client
	policy     PolicySource
	qualifying map[string]struct{}
	audit      *audit.Log
	notifier   notify.Notifier
	authorizer Authorizer
	logger     *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAuthorizer requires security.unblock for manual unblocks
func WithAuthorizer(a Authorizer) Option {
	return func(e *Engine) { e.authorizer = a }
}

// NewEngine creates an engine. qualifying is the closed set of event types
// that trigger a block; every other type is ignored.
func NewEngine(store *kv.Client, policy PolicySource, qualifying []string, auditLog *audit.Log, notifier notify.Notifier, logger *observability.Logger, metrics *observability.Metrics, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		policy:     policy,
		qualifying: make(map[string]struct{}, len(qualifying)),
		audit:      auditLog,
		notifier:   notifier,
		logger:     observability.OrDefault(logger).WithField("component", "threat"),
		metrics:    observability.OrNop(metrics),
		now:        time.Now,
	}
	for _, t := range qualifying {
		e.qualifying[t] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func blockKey(ip string) string {
	return blockKeyPrefix + ip
}

func notifyKey(userID int64, ip string) string {
	return notifyPrefix + strconv.FormatInt(userID, 10) + ":" + ip
}

func indexMember(ip, episode string) string {
	return ip + "|" + episode
}

// NormalizeIP parses ip and returns its canonical text form
func NormalizeIP(ip string) (netip.Addr, string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return netip.Addr{}, "", &rbac.ValidationError{Field: "ip", Message: "not an IP address"}
	}
	addr = addr.Unmap()
	return addr, addr.String(), nil
}

// IsQualifying reports whether eventType triggers blocking
func (e *Engine) IsQualifying(eventType string) bool {
	_, ok := e.qualifying[eventType]
	return ok
}

func (e *Engine) observe(eventType string, d Disposition) {
	if !e.IsQualifying(eventType) {
		eventType = "other"
	}
	e.metrics.SecurityEventsTotal.WithLabelValues(eventType, string(d)).Inc()
}

// Handle applies the blocking policy to ev
func (e *Engine) Handle(ctx context.Context, ev Event) (Disposition, error) {
	ctx, span := observability.StartSpan(ctx, "threat.Handle", attribute.String("event.type", ev.Type))
	defer span.End()

	if !e.IsQualifying(ev.Type) {
		e.observe(ev.Type, DispositionIgnored)
		return DispositionIgnored, nil
	}

	addr, ip, err := NormalizeIP(ev.IP)
	if err != nil {
		return "", err
	}

	policy := e.policy.ThreatPolicy()
	if policy.IsTrusted(addr) {
		e.logger.WithFields(map[string]interface{}{"ip": ip, "event_type": ev.Type}).Debug("Ignoring event from trusted network")
		e.observe(ev.Type, DispositionTrusted)
		return DispositionTrusted, nil
	}

	now := e.now().UTC()
	block := Block{
		IP:           ip,
		Episode:      uuid.NewString(),
		Reason:       fmt.Sprintf("automatic block after %s; blocked for %s", ev.Type, policy.BlockTTL),
		EventType:    ev.Type,
		LogID:        ev.LogID,
		UserID:       ev.UserID,
		BlockedAt:    now,
		BlockedUntil: now.Add(policy.BlockTTL),
	}

	won, err := e.store.SetNXJSONIndexed(ctx, blockKey(ip), block, policy.BlockTTL,
		blocksIndex, float64(block.BlockedUntil.Unix()), indexMember(ip, block.Episode))
	if err != nil {
		return "", fmt.Errorf("failed to record block for %s: %w", ip, err)
	}
	if !won {
		e.observe(ev.Type, DispositionAlreadyBlocked)
		return DispositionAlreadyBlocked, nil
	}

	e.metrics.IPBlocksTotal.WithLabelValues(ev.Type).Inc()
	e.observe(ev.Type, DispositionBlocked)
	e.logger.WithFields(map[string]interface{}{
		"ip":            ip,
		"event_type":    ev.Type,
		"episode":       block.Episode,
		"blocked_until": block.BlockedUntil,
	}).Warn("IP address blocked")

	if policy.AuditEnabled {
		e.audit.Record(ctx, &audit.Entry{
			UserID:    ev.UserID,
			Action:    audit.ActionIPBlockAuto,
			IPAddress: ip,
			UserAgent: ev.UserAgent,
			Reason:    block.Reason,
			NewValues: map[string]interface{}{
				"action_type":      string(audit.ActionIPBlockAuto),
				"ip_address":       ip,
				"event_type":       ev.Type,
				"episode":          block.Episode,
				"security_log_id":  ev.LogID,
				"blocked_until":    block.BlockedUntil.Format(time.RFC3339),
				"duration_seconds": int64(policy.BlockTTL / time.Second),
			},
		})
	}

	if policy.EmailAlertsEnabled && ev.UserID != nil {
		e.notifyBlocked(ctx, *ev.UserID, block, policy.NotifyWindow)
	}

	return DispositionBlocked, nil
}

// notifyBlocked sends at most one alert per (user, ip) per window
func (e *Engine) notifyBlocked(ctx context.Context, userID int64, block Block, window time.Duration) {
	first, err := e.store.SetNX(ctx, notifyKey(userID, block.IP), block.Episode, window)
	if err != nil {
		e.logger.WithError(err).WithField("user_id", userID).Warn("Notification gate unavailable, skipping alert")
		return
	}
	if !first {
		e.metrics.NotificationsTotal.WithLabelValues("suppressed").Inc()
		return
	}

	n := notify.New(userID, notify.KindIPBlocked,
		"Sign-in blocked from "+block.IP,
		fmt.Sprintf("We blocked sign-in attempts from %s until %s after repeated %s events. If this was not you, contact your administrator.",
			block.IP, block.BlockedUntil.Format(time.RFC1123), block.EventType),
		map[string]string{"ip": block.IP, "episode": block.Episode, "blocked_until": block.BlockedUntil.Format(time.RFC3339)},
	)
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.WithError(err).WithField("user_id", userID).Error("Failed to queue block notification")
	}
}

// IsBlocked reports whether ip currently carries a block marker
func (e *Engine) IsBlocked(ctx context.Context, ip string) (bool, error) {
	_, key, err := NormalizeIP(ip)
	if err != nil {
		return false, err
	}
	return e.store.Exists(ctx, blockKey(key))
}

// BlockInfo returns the live marker of ip
func (e *Engine) BlockInfo(ctx context.Context, ip string) (*Block, bool, error) {
	_, key, err := NormalizeIP(ip)
	if err != nil {
		return nil, false, err
	}
	var b Block
	ok, err := e.store.GetJSON(ctx, blockKey(key), &b)
	if err != nil || !ok {
		return nil, false, err
	}
	return &b, true, nil
}

// ListBlocked returns every live block, oldest first
func (e *Engine) ListBlocked(ctx context.Context) ([]Block, error) {
	members, err := e.store.ZMembers(ctx, blocksIndex)
	if err != nil {
		return nil, err
	}

	var out []Block
	for _, m := range members {
		ip, episode, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		var b Block
		found, err := e.store.GetJSON(ctx, blockKey(ip), &b)
		if err != nil {
			return nil, err
		}
		if found && b.Episode == episode {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockedAt.Before(out[j].BlockedAt) })
	return out, nil
}

// Unblock clears the block on ip immediately. It returns false when ip was
// not blocked.
func (e *Engine) Unblock(ctx context.Context, ip string, actorID int64, reason string) (bool, error) {
	_, key, err := NormalizeIP(ip)
	if err != nil {
		return false, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return false, &rbac.ValidationError{Field: "reason", Message: "a reason is required to unblock"}
	}
	if err := e.authorize(ctx, actorID, key); err != nil {
		return false, err
	}

	block, ok, err := e.clearBlock(ctx, key)
	if err != nil || !ok {
		return false, err
	}

	e.metrics.IPUnblocksTotal.WithLabelValues("manual").Inc()
	e.logger.WithFields(map[string]interface{}{"ip": key, "actor_id": actorID}).Info("IP address unblocked")

	if e.policy.ThreatPolicy().AuditEnabled {
		e.audit.Record(ctx, &audit.Entry{
			UserID:      block.UserID,
			Action:      audit.ActionIPUnblockManual,
			IPAddress:   key,
			PerformedBy: audit.Int64(actorID),
			Reason:      reason,
			OldValues:   blockSnapshot(block),
			NewValues:   map[string]interface{}{"action_type": string(audit.ActionIPUnblockManual)},
		})
	}
	return true, nil
}

// clearBlock deletes the live marker of ip together with its index member.
// Whoever deletes the marker owns the episode's unblock row; the sweep only
// claims members whose marker is already gone or goes with them.
func (e *Engine) clearBlock(ctx context.Context, ip string) (Block, bool, error) {
	for attempt := 0; attempt < maxClearAttempts; attempt++ {
		raw, ok, err := e.store.Get(ctx, blockKey(ip))
		if err != nil {
			return Block{}, false, err
		}
		if !ok {
			return Block{}, false, nil
		}

		var block Block
		if err := json.Unmarshal([]byte(raw), &block); err != nil {
			e.logger.WithError(err).WithField("ip", ip).Warn("Clearing unreadable block marker")
			block = Block{IP: ip}
		}

		cleared, err := e.store.CompareAndDeleteIndexed(ctx, blockKey(ip), raw, blocksIndex, indexMember(ip, block.Episode))
		if err != nil {
			return Block{}, false, fmt.Errorf("failed to clear block for %s: %w", ip, err)
		}
		if cleared {
			return block, true, nil
		}
		// expired or replaced by a new episode between read and delete
	}
	return Block{}, false, fmt.Errorf("block on %s kept changing while unblocking", ip)
}

func (e *Engine) authorize(ctx context.Context, actorID int64, ip string) error {
	if e.authorizer == nil {
		return nil
	}
	ok, err := e.authorizer.HasPermission(ctx, actorID, rbac.PermSecurityUnblock)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	e.audit.Record(ctx, &audit.Entry{
		UserID:      audit.Int64(actorID),
		Action:      audit.ActionUnauthorizedAccessAttempt,
		IPAddress:   ip,
		PerformedBy: audit.Int64(actorID),
		Reason:      "missing permission " + rbac.PermSecurityUnblock,
		NewValues:   map[string]interface{}{"attempted_action": "unblock ip"},
	})
	return &rbac.AuthorizationError{ActorID: actorID, Action: "unblock ip", Reason: "missing permission " + rbac.PermSecurityUnblock}
}

// SweepUnblocked writes one ip_unblock_auto row for every block episode
// whose TTL ran out by now. A manual unblock removes the marker and the
// member in one step and concurrent sweeps race on the member, so each
// episode gets exactly one unblock row.
func (e *Engine) SweepUnblocked(ctx context.Context, now time.Time) (int, error) {
	due, err := e.store.ZRangeByMaxScore(ctx, blocksIndex, float64(now.Unix()))
	if err != nil {
		return 0, err
	}

	auditEnabled := e.policy.ThreatPolicy().AuditEnabled
	swept := 0
	for _, member := range due {
		ip, episode, ok := strings.Cut(member, "|")
		if !ok {
			continue
		}

		// a marker from this episode can outlive its score by clock skew,
		// so claiming the member clears it too
		claimed, err := e.store.ClaimMember(ctx, blocksIndex, member, blockKey(ip), episode)
		if err != nil {
			return swept, err
		}
		if !claimed {
			continue
		}

		swept++
		e.metrics.IPUnblocksTotal.WithLabelValues("auto").Inc()
		if auditEnabled {
			e.audit.Record(ctx, &audit.Entry{
				Action:    audit.ActionIPUnblockAuto,
				IPAddress: ip,
				Reason:    "block expired",
				NewValues: map[string]interface{}{
					"action_type": string(audit.ActionIPUnblockAuto),
					"episode":     episode,
				},
			})
		}
	}

	if swept > 0 {
		e.logger.WithField("count", swept).Info("Expired IP blocks swept")
	}
	return swept, nil
}

func blockSnapshot(b Block) map[string]interface{} {
	return map[string]interface{}{
		"episode":       b.Episode,
		"event_type":    b.EventType,
		"blocked_at":    b.BlockedAt.Format(time.RFC3339),
		"blocked_until": b.BlockedUntil.Format(time.RFC3339),
	}
}
