package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/supportly/authz/pkg/observability"
	"github.com/supportly/authz/pkg/permcache"
)

// Resolver computes effective permission sets. The cache is consulted
// first; a miss recomputes from the store and refills the cache.
type Resolver struct {
	store   Store
	cache   *permcache.Cache
	grants  EmergencyGrants
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithCache enables the shared permission cache
func WithCache(c *permcache.Cache) ResolverOption {
	return func(r *Resolver) { r.cache = c }
}

// WithEmergencyGrants merges redeemed break-glass grants into every set
func WithEmergencyGrants(g EmergencyGrants) ResolverOption {
	return func(r *Resolver) { r.grants = g }
}

// WithResolverClock overrides the evaluation time source
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver over store
func NewResolver(store Store, logger *observability.Logger, metrics *observability.Metrics, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:   store,
		logger:  observability.OrDefault(logger).WithField("component", "resolver"),
		metrics: observability.OrNop(metrics),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the user's effective permission set. Unknown and inactive
// users resolve to the empty set; only store failures are errors.
func (r *Resolver) Resolve(ctx context.Context, userID int64) (PermissionSet, error) {
	ctx, span := observability.StartSpan(ctx, "rbac.Resolve", attribute.Int64("user.id", userID))
	defer span.End()

	start := time.Now()
	if names, ok := r.cache.Get(ctx, userID); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		r.metrics.ResolveDuration.WithLabelValues("cache").Observe(time.Since(start).Seconds())
		return NewPermissionSet(names...), nil
	}

	set, err := r.recompute(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return nil, err
	}
	r.metrics.ResolveDuration.WithLabelValues("store").Observe(time.Since(start).Seconds())
	return set, nil
}

// sources is what a permission set is computed from
type sources struct {
	roles  []EffectiveRole
	grants []EmergencyGrant
}

func (r *Resolver) load(ctx context.Context, userID int64, at time.Time) (sources, error) {
	var src sources
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		src.roles, err = r.store.EffectiveRoles(gctx, userID, at)
		return err
	})
	if r.grants != nil {
		g.Go(func() error {
			var err error
			src.grants, err = r.grants.ActiveGrants(gctx, userID, at)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return sources{}, fmt.Errorf("failed to resolve permissions for user %d: %w", userID, err)
	}
	return src, nil
}

func (r *Resolver) recompute(ctx context.Context, userID int64) (PermissionSet, error) {
	fill := r.cache.Begin(ctx, userID)
	src, err := r.load(ctx, userID, r.now())
	if err != nil {
		return nil, err
	}
	return r.build(ctx, fill, userID, src)
}

// build turns loaded sources into a set and commits it through fill, which
// must have been opened before the sources were read
func (r *Resolver) build(ctx context.Context, fill *permcache.Fill, userID int64, src sources) (PermissionSet, error) {
	var validUntil time.Time
	roleIDs := make([]int64, len(src.roles))
	for i, role := range src.roles {
		roleIDs[i] = role.RoleID
		if role.ExpiresAt != nil {
			validUntil = earliest(validUntil, *role.ExpiresAt)
		}
	}
	fill.TrackRoles(ctx, roleIDs)

	names, err := r.store.PermissionNamesForRoles(ctx, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permissions for user %d: %w", userID, err)
	}

	set := NewPermissionSet(names...)
	for _, grant := range src.grants {
		set.Add(grant.Permissions...)
		validUntil = earliest(validUntil, grant.ExpiresAt)
	}

	fill.Commit(ctx, set.Names(), validUntil)
	return set, nil
}

func earliest(current, candidate time.Time) time.Time {
	if current.IsZero() || candidate.Before(current) {
		return candidate
	}
	return current
}

// HasPermission reports whether userID holds name
func (r *Resolver) HasPermission(ctx context.Context, userID int64, name string) (bool, error) {
	set, err := r.Resolve(ctx, userID)
	return r.decide(set, err, func(s PermissionSet) bool { return s.Has(name) })
}

// HasAny reports whether userID holds at least one of names
func (r *Resolver) HasAny(ctx context.Context, userID int64, names ...string) (bool, error) {
	set, err := r.Resolve(ctx, userID)
	return r.decide(set, err, func(s PermissionSet) bool { return s.HasAny(names...) })
}

// HasAll reports whether userID holds every one of names
func (r *Resolver) HasAll(ctx context.Context, userID int64, names ...string) (bool, error) {
	set, err := r.Resolve(ctx, userID)
	return r.decide(set, err, func(s PermissionSet) bool { return s.HasAll(names...) })
}

func (r *Resolver) decide(set PermissionSet, err error, check func(PermissionSet) bool) (bool, error) {
	if err != nil {
		r.metrics.AuthzChecksTotal.WithLabelValues("error").Inc()
		return false, err
	}
	if check(set) {
		r.metrics.AuthzChecksTotal.WithLabelValues("allowed").Inc()
		return true, nil
	}
	r.metrics.AuthzChecksTotal.WithLabelValues("denied").Inc()
	return false, nil
}

// Identity is a user together with what they may currently do. Guards
// build one per administrative call; it is never cached.
type Identity struct {
	User  *User
	Roles []EffectiveRole
	// Permissions is the full resolved set, Direct included
	Permissions PermissionSet
	// Direct holds permissions granted outside any role (break-glass)
	Direct PermissionSet
}

// EffectiveRoles returns the identity's roles, most senior first
func (i *Identity) EffectiveRoles() []EffectiveRole {
	return i.Roles
}

// DirectPermissions returns the permissions held without a role
func (i *Identity) DirectPermissions() PermissionSet {
	if i.Direct == nil {
		return NewPermissionSet()
	}
	return i.Direct
}

// MaxRank is the highest hierarchy level among the effective roles, or 0
func (i *Identity) MaxRank() int {
	max := 0
	for _, r := range i.Roles {
		if r.HierarchyLevel > max {
			max = r.HierarchyLevel
		}
	}
	return max
}

// Can reports whether the identity holds name
func (i *Identity) Can(name string) bool {
	return i.Permissions.Has(name)
}

// Identity loads userID with roles read straight from the store. An unknown
// user yields ErrNotFound. The roles and grants read here also rebuild the
// permission set when the cache misses.
func (r *Resolver) Identity(ctx context.Context, userID int64) (*Identity, error) {
	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	fill := r.cache.Begin(ctx, userID)
	src, err := r.load(ctx, userID, r.now())
	if err != nil {
		return nil, err
	}

	direct := NewPermissionSet()
	for _, g := range src.grants {
		direct.Add(g.Permissions...)
	}

	var perms PermissionSet
	if names, ok := r.cache.Get(ctx, userID); ok {
		perms = NewPermissionSet(names...)
	} else if perms, err = r.build(ctx, fill, userID, src); err != nil {
		return nil, err
	}
	return &Identity{User: user, Roles: src.roles, Permissions: perms, Direct: direct}, nil
}

// MaxRank returns the user's highest effective hierarchy level
func (r *Resolver) MaxRank(ctx context.Context, userID int64) (int, error) {
	roles, err := r.store.EffectiveRoles(ctx, userID, r.now())
	if err != nil {
		return 0, fmt.Errorf("failed to load roles for user %d: %w", userID, err)
	}
	id := Identity{Roles: roles}
	return id.MaxRank(), nil
}

// InvalidateUser drops the cached set of userID
func (r *Resolver) InvalidateUser(ctx context.Context, userID int64) {
	r.invalidate(ctx, r.cache.InvalidateUser(ctx, userID))
}

// InvalidateRole drops every cached set that used roleID
func (r *Resolver) InvalidateRole(ctx context.Context, roleID int64) {
	r.invalidate(ctx, r.cache.InvalidateRole(ctx, roleID))
}

// InvalidateAll drops every cached set
func (r *Resolver) InvalidateAll(ctx context.Context) {
	r.invalidate(ctx, r.cache.InvalidateAll(ctx))
}

// invalidate escalates a failed targeted bump to a global one. If that
// fails too the safety TTL bounds staleness.
func (r *Resolver) invalidate(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if gerr := r.cache.InvalidateAll(ctx); gerr != nil {
		r.logger.WithError(errors.Join(err, gerr)).Error("Permission cache could not be invalidated")
	}
}
