package permcache

import (
	"context"
	"strconv"
	"time"

	"github.com/supportly/authz/pkg/kv"
	"github.com/supportly/authz/pkg/observability"
)

// Cache memoizes resolved permission sets per user in the shared store.
//
// Invalidation is tag based: every entry records the generation counters it
// was computed under (its user, every role it used, and a global counter).
// Bumping any of those counters makes the entry unreadable, so "every user
// holding role R" is invalidated with one INCR and no key scan.
//
// Backend errors never escape. A failed read is a miss, a failed write is
// dropped, and a failed invalidation is logged; the safety TTL bounds how
// long such an entry can survive.
type Cache struct {
	store     *kv.Client
	safetyTTL time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

type entry struct {
	Permissions []string        `json:"p"`
	UserGen     int64           `json:"u"`
	GlobalGen   int64           `json:"g"`
	RoleGens    map[int64]int64 `json:"r,omitempty"`
	// ValidUntil is the earliest expiry among the grants that produced this
	// set, in unix nanoseconds; zero means no grant expires.
	ValidUntil int64 `json:"v,omitempty"`
}

// Option configures a Cache
type Option func(*Cache)

// WithClock overrides the time source used for ValidUntil checks
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache. safetyTTL of zero keeps entries until invalidated.
func New(store *kv.Client, safetyTTL time.Duration, logger *observability.Logger, metrics *observability.Metrics, opts ...Option) *Cache {
	c := &Cache{
		store:     store,
		safetyTTL: safetyTTL,
		logger:    observability.OrDefault(logger).WithField("component", "permcache"),
		metrics:   observability.OrNop(metrics),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func entryKey(userID int64) string { return "perm:user:" + strconv.FormatInt(userID, 10) }
func userGenKey(userID int64) string { return "perm:gen:user:" + strconv.FormatInt(userID, 10) }
func roleGenKey(roleID int64) string { return "perm:gen:role:" + strconv.FormatInt(roleID, 10) }

const globalGenKey = "perm:gen:global"

// Get returns the cached permission names for userID. ok is false on a
// miss, a stale generation, an elapsed ValidUntil, or a backend error.
func (c *Cache) Get(ctx context.Context, userID int64) ([]string, bool) {
	if c == nil {
		return nil, false
	}

	var e entry
	found, err := c.store.GetJSON(ctx, entryKey(userID), &e)
	if err != nil {
		c.backendError(err, "get", userID)
		return nil, false
	}
	if !found {
		c.metrics.CacheMissesTotal.Inc()
		return nil, false
	}

	if e.ValidUntil != 0 && !c.now().Before(time.Unix(0, e.ValidUntil)) {
		c.metrics.CacheMissesTotal.Inc()
		return nil, false
	}

	roleIDs := make([]int64, 0, len(e.RoleGens))
	keys := []string{userGenKey(userID), globalGenKey}
	for id := range e.RoleGens {
		roleIDs = append(roleIDs, id)
		keys = append(keys, roleGenKey(id))
	}

	gens, err := c.store.MGetInt64(ctx, keys...)
	if err != nil {
		c.backendError(err, "get", userID)
		return nil, false
	}
	if gens[0] != e.UserGen || gens[1] != e.GlobalGen {
		c.metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	for i, id := range roleIDs {
		if gens[i+2] != e.RoleGens[id] {
			c.metrics.CacheMissesTotal.Inc()
			return nil, false
		}
	}

	c.metrics.CacheHitsTotal.Inc()
	return e.Permissions, true
}

// Fill captures generation counters ahead of a recompute. It must be
// started before the entity store is read so that a mutation committed
// during the read leaves the committed entry stale rather than wrong.
type Fill struct {
	cache  *Cache
	userID int64
	entry  entry
	ok     bool
}

// Begin snapshots the user and global generations for userID
func (c *Cache) Begin(ctx context.Context, userID int64) *Fill {
	f := &Fill{cache: c, userID: userID}
	if c == nil {
		return f
	}
	gens, err := c.store.MGetInt64(ctx, userGenKey(userID), globalGenKey)
	if err != nil {
		c.backendError(err, "begin", userID)
		return f
	}
	f.entry.UserGen = gens[0]
	f.entry.GlobalGen = gens[1]
	f.ok = true
	return f
}

// TrackRoles snapshots the generations of the roles about to be read.
// Call it after the effective roles are known and before their
// permissions are loaded.
func (f *Fill) TrackRoles(ctx context.Context, roleIDs []int64) {
	if !f.ok || len(roleIDs) == 0 {
		return
	}
	keys := make([]string, len(roleIDs))
	for i, id := range roleIDs {
		keys[i] = roleGenKey(id)
	}
	gens, err := f.cache.store.MGetInt64(ctx, keys...)
	if err != nil {
		f.cache.backendError(err, "track_roles", f.userID)
		f.ok = false
		return
	}
	f.entry.RoleGens = make(map[int64]int64, len(roleIDs))
	for i, id := range roleIDs {
		f.entry.RoleGens[id] = gens[i]
	}
}

// Commit stores the computed set. validUntil is the earliest expiry of any
// grant that contributed; the zero time means none expires.
func (f *Fill) Commit(ctx context.Context, permissions []string, validUntil time.Time) {
	if !f.ok {
		return
	}
	c := f.cache

	ttl := c.safetyTTL
	if !validUntil.IsZero() {
		f.entry.ValidUntil = validUntil.UnixNano()
		remaining := validUntil.Sub(c.now())
		if remaining <= 0 {
			return
		}
		if ttl == 0 || remaining < ttl {
			ttl = remaining
		}
	}
	f.entry.Permissions = permissions

	if err := c.store.SetJSON(ctx, entryKey(f.userID), f.entry, ttl); err != nil {
		c.backendError(err, "set", f.userID)
	}
}

// InvalidateUser makes the user's cached set unreadable
func (c *Cache) InvalidateUser(ctx context.Context, userID int64) error {
	return c.bump(ctx, userGenKey(userID), "user", map[string]interface{}{"user_id": userID})
}

// InvalidateRole makes every cached set that used roleID unreadable
func (c *Cache) InvalidateRole(ctx context.Context, roleID int64) error {
	return c.bump(ctx, roleGenKey(roleID), "role", map[string]interface{}{"role_id": roleID})
}

// InvalidateAll makes every cached set unreadable
func (c *Cache) InvalidateAll(ctx context.Context) error {
	return c.bump(ctx, globalGenKey, "global", nil)
}

func (c *Cache) bump(ctx context.Context, key, scope string, fields map[string]interface{}) error {
	if c == nil {
		return nil
	}
	c.metrics.CacheInvalidationsTotal.WithLabelValues(scope).Inc()
	if _, err := c.store.Incr(ctx, key); err != nil {
		c.metrics.CacheErrorsTotal.WithLabelValues("invalidate").Inc()
		c.logger.WithFields(fields).WithError(err).Error("Permission cache invalidation failed")
		return err
	}
	return nil
}

func (c *Cache) backendError(err error, op string, userID int64) {
	c.metrics.CacheErrorsTotal.WithLabelValues(op).Inc()
	c.logger.WithField("user_id", userID).WithError(err).Warn("Permission cache unavailable, recomputing")
}
