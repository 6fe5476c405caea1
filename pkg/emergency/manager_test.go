package emergency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportly/authz/pkg/audit"
	"github.com/supportly/authz/pkg/config"
	"github.com/supportly/authz/pkg/kv"
	"github.com/supportly/authz/pkg/observability"
	"github.com/supportly/authz/pkg/permcache"
	"github.com/supportly/authz/pkg/rbac"
)

const (
	superAdminID int64 = 1
	adminID      int64 = 2
	agentID      int64 = 5
	dormantID    int64 = 8
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// countingStore records which redemption path the manager took
type countingStore struct {
	*MemoryStore
	byID   atomic.Int32
	byHash atomic.Int32
}

func (c *countingStore) MarkUsed(ctx context.Context, hash string, at time.Time) (*Access, error) {
	c.byHash.Add(1)
	return c.MemoryStore.MarkUsed(ctx, hash, at)
}

func (c *countingStore) MarkUsedByID(ctx context.Context, id int64, hash string, at time.Time) (*Access, error) {
	c.byID.Add(1)
	return c.MemoryStore.MarkUsedByID(ctx, id, hash, at)
}

type failingUsers struct {
	UserLookup
	fail bool
}

func (u *failingUsers) GetUser(ctx context.Context, userID int64) (*rbac.User, error) {
	if u.fail {
		return nil, errors.New("users table unavailable")
	}
	return u.UserLookup.GetUser(ctx, userID)
}

type fixture struct {
	manager  *Manager
	store    *MemoryStore
	counted  *countingStore
	users    *failingUsers
	resolver *rbac.Resolver
	audits   *audit.MemoryWriter
	clock    *testClock
	mr       *miniredis.Miniredis
}

func defaultConfig() config.EmergencyConfig {
	return config.EmergencyConfig{
		IssueLimit:   50,
		IssueWindow:  time.Hour,
		RedeemLimit:  5,
		RedeemWindow: time.Hour,
		MaxDuration:  time.Hour,
	}
}

func newFixture(t *testing.T, cfg config.EmergencyConfig) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}

	users := rbac.NewMemoryStore()
	users.Seed()
	users.PutUser(rbac.User{ID: superAdminID, Name: "Root", IsActive: true})
	users.PutUser(rbac.User{ID: adminID, Name: "Ada", IsActive: true})
	users.PutUser(rbac.User{ID: agentID, Name: "Uma", IsActive: true})
	users.PutUser(rbac.User{ID: dormantID, Name: "Dee", IsActive: false})
	for userID, roleName := range map[int64]string{superAdminID: "super_admin", adminID: "admin", agentID: "support_agent"} {
		role, err := users.GetRoleByName(ctx, roleName)
		require.NoError(t, err)
		_, err = users.UpsertAssignment(ctx, &rbac.RoleAssignment{UserID: userID, RoleID: role.ID, GrantedAt: clock.Now(), IsActive: true})
		require.NoError(t, err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	shared := kv.New(rdb, "authz:")

	logger := observability.NopLogger()
	metrics := observability.NewMetrics(nil)
	store := NewMemoryStore(users)
	resolver := rbac.NewResolver(users, logger, metrics,
		rbac.WithCache(permcache.New(shared, time.Hour, logger, metrics, permcache.WithClock(clock.Now))),
		rbac.WithEmergencyGrants(store),
		rbac.WithResolverClock(clock.Now),
	)
	audits := audit.NewMemoryWriter()
	auditLog := audit.NewLog(audits, logger, metrics, audit.WithClock(clock.Now))

	counted := &countingStore{MemoryStore: store}
	lookup := &failingUsers{UserLookup: users}

	return &fixture{
		manager:  NewManager(counted, lookup, resolver, shared, cfg, auditLog, logger, metrics, WithClock(clock.Now)),
		store:    store,
		counted:  counted,
		users:    lookup,
		resolver: resolver,
		audits:   audits,
		clock:    clock,
		mr:       mr,
	}
}

func (f *fixture) grant(t *testing.T, userID int64, minutes int, perms ...string) *Issued {
	t.Helper()
	issued, err := f.manager.Grant(context.Background(), GrantRequest{
		ActorID:         superAdminID,
		UserID:          userID,
		Permissions:     perms,
		Reason:          "P1 outage",
		DurationMinutes: minutes,
	})
	require.NoError(t, err)
	return issued
}

func (f *fixture) has(t *testing.T, userID int64, perm string) bool {
	t.Helper()
	ok, err := f.resolver.HasPermission(context.Background(), userID, perm)
	require.NoError(t, err)
	return ok
}

func TestGrantAndRedeem(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	issued := f.grant(t, agentID, 30, "tickets.delete")
	assert.Equal(t, StateIssued, issued.Access.StateAt(f.clock.Now()))
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), issued.Access.ExpiresAt)
	assert.True(t, f.mr.Exists("authz:emergency:token:"+HashToken(issued.Token)))
	assert.False(t, f.has(t, agentID, "tickets.delete"), "issued but not redeemed")

	user, err := f.manager.Redeem(ctx, issued.Token, "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, agentID, user.ID)
	assert.False(t, f.mr.Exists("authz:emergency:token:"+HashToken(issued.Token)))

	assert.True(t, f.has(t, agentID, "tickets.delete"))
	assert.True(t, f.has(t, agentID, "tickets.create"), "role permissions are kept")

	id, err := f.resolver.Identity(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, []string{"tickets.delete"}, id.DirectPermissions().Names())

	assert.Equal(t, []audit.Action{audit.ActionEmergencyGranted, audit.ActionEmergencyRedeemed}, f.audits.Actions())
	granted := f.audits.ByAction(audit.ActionEmergencyGranted)[0]
	assert.Equal(t, superAdminID, *granted.PerformedBy)
	assert.Equal(t, "P1 outage", granted.Reason)
	assert.NotContains(t, fmt.Sprint(granted.NewValues), issued.Token)

	f.clock.Advance(31 * time.Minute)
	assert.False(t, f.has(t, agentID, "tickets.delete"), "expired grant drops out of the cached set")
}

func TestRedeem_ConcurrentSingleSuccess(t *testing.T) {
	f := newFixture(t, defaultConfig())
	issued := f.grant(t, agentID, 30, "tickets.delete")

	const workers = 10
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.manager.Redeem(context.Background(), issued.Token, fmt.Sprintf("10.0.0.%d", i))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, rbac.ErrNotFound) || errors.Is(err, rbac.ErrExpired), "unexpected error %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, f.audits.ByAction(audit.ActionEmergencyRedeemed), 1)
}

func TestRedeem_Failures(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	_, err := f.manager.Redeem(ctx, "not-a-token", "198.51.100.1")
	assert.ErrorIs(t, err, rbac.ErrNotFound)

	unknown, _, _, err := GenerateToken()
	require.NoError(t, err)
	_, err = f.manager.Redeem(ctx, unknown, "198.51.100.1")
	assert.ErrorIs(t, err, rbac.ErrNotFound)

	issued := f.grant(t, agentID, 5, "tickets.delete")
	f.clock.Advance(6 * time.Minute)
	_, err = f.manager.Redeem(ctx, issued.Token, "198.51.100.2")
	assert.ErrorIs(t, err, rbac.ErrExpired)

	used := f.grant(t, agentID, 30, "tickets.delete")
	_, err = f.manager.Redeem(ctx, used.Token, "198.51.100.2")
	require.NoError(t, err)
	_, err = f.manager.Redeem(ctx, used.Token, "198.51.100.2")
	assert.ErrorIs(t, err, rbac.ErrNotFound, "a second redemption is refused")
}

func TestRedeem_ClaimsByMappedID(t *testing.T) {
	f := newFixture(t, defaultConfig())
	issued := f.grant(t, agentID, 30, "tickets.delete")

	mapped, err := f.mr.Get("authz:emergency:token:" + HashToken(issued.Token))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(issued.Access.ID), mapped)

	_, err = f.manager.Redeem(context.Background(), issued.Token, "198.51.100.3")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.counted.byID.Load())
	assert.Zero(t, f.counted.byHash.Load())
}

func TestRedeem_FallsBackToStoreWithoutMapping(t *testing.T) {
	f := newFixture(t, defaultConfig())
	issued := f.grant(t, agentID, 30, "tickets.delete")

	f.mr.Del("authz:emergency:token:" + HashToken(issued.Token))

	user, err := f.manager.Redeem(context.Background(), issued.Token, "198.51.100.3")
	require.NoError(t, err)
	assert.Equal(t, agentID, user.ID)
	assert.Zero(t, f.counted.byID.Load())
	assert.Equal(t, int32(1), f.counted.byHash.Load())
}

func TestRedeem_MappingPointsElsewhere(t *testing.T) {
	f := newFixture(t, defaultConfig())
	issued := f.grant(t, agentID, 30, "tickets.delete")
	other := f.grant(t, agentID, 30, "knowledge.create")

	require.NoError(t, f.mr.Set("authz:emergency:token:"+HashToken(issued.Token), fmt.Sprint(other.Access.ID)))

	_, err := f.manager.Redeem(context.Background(), issued.Token, "198.51.100.3")
	assert.ErrorIs(t, err, rbac.ErrNotFound, "the row must still carry the token hash")

	stored, err := f.store.Get(context.Background(), other.Access.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.UsedAt)
}

func TestRedeem_UserLookupFailureStillSucceeds(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	issued := f.grant(t, agentID, 30, "tickets.delete")

	f.users.fail = true
	user, err := f.manager.Redeem(ctx, issued.Token, "198.51.100.4")
	require.NoError(t, err)
	assert.Equal(t, agentID, user.ID)
	assert.Len(t, f.audits.ByAction(audit.ActionEmergencyRedeemed), 1)

	f.users.fail = false
	assert.True(t, f.has(t, agentID, "tickets.delete"))
}

func TestRedeem_RateLimited(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.manager.Redeem(ctx, "brk_guess", "198.51.100.9")
		assert.ErrorIs(t, err, rbac.ErrNotFound)
	}
	_, err := f.manager.Redeem(ctx, "brk_guess", "198.51.100.9")
	assert.ErrorIs(t, err, rbac.ErrRateLimited)

	_, err = f.manager.Redeem(ctx, "brk_guess", "198.51.100.10")
	assert.ErrorIs(t, err, rbac.ErrNotFound, "limits are per requester")
}

func TestGrant_RateLimited(t *testing.T) {
	cfg := defaultConfig()
	cfg.IssueLimit = 3
	f := newFixture(t, cfg)

	for i := 0; i < 3; i++ {
		f.grant(t, agentID, 10, "tickets.delete")
	}
	_, err := f.manager.Grant(context.Background(), GrantRequest{
		ActorID: superAdminID, UserID: agentID, Permissions: []string{"tickets.delete"}, Reason: "again", DurationMinutes: 10,
	})
	assert.ErrorIs(t, err, rbac.ErrRateLimited)
}

func TestGrant_Guards(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	req := func(mutate func(*GrantRequest)) error {
		r := GrantRequest{
			ActorID:         superAdminID,
			UserID:          agentID,
			Permissions:     []string{"tickets.delete"},
			Reason:          "P1 outage",
			DurationMinutes: 30,
		}
		mutate(&r)
		_, err := f.manager.Grant(ctx, r)
		return err
	}

	err := req(func(r *GrantRequest) { r.ActorID = adminID })
	assert.True(t, rbac.IsAuthorization(err), "admin lacks emergency.grant")

	err = req(func(r *GrantRequest) { r.Permissions = []string{"billing.refund"} })
	assert.True(t, rbac.IsAuthorization(err), "actor cannot hand out what they lack")

	assert.True(t, rbac.IsValidation(req(func(r *GrantRequest) { r.Reason = "  " })))
	assert.True(t, rbac.IsValidation(req(func(r *GrantRequest) { r.Permissions = nil })))
	assert.True(t, rbac.IsValidation(req(func(r *GrantRequest) { r.Permissions = []string{"Tickets"} })))
	assert.True(t, rbac.IsValidation(req(func(r *GrantRequest) { r.UserID = 4242 })))
	assert.True(t, rbac.IsValidation(req(func(r *GrantRequest) { r.UserID = dormantID })))

	refusals := f.audits.ByAction(audit.ActionUnauthorizedAccessAttempt)
	require.Len(t, refusals, 2)
	assert.Equal(t, agentID, *refusals[0].UserID)
	assert.Equal(t, adminID, *refusals[0].PerformedBy)
	assert.Empty(t, f.audits.ByAction(audit.ActionEmergencyGranted))
}

func TestGrant_CapsDuration(t *testing.T) {
	f := newFixture(t, defaultConfig())
	now := f.clock.Now()

	long := f.grant(t, agentID, 10000, "tickets.delete", "tickets.delete", "knowledge.create")
	assert.Equal(t, now.Add(time.Hour), long.Access.ExpiresAt)
	assert.Equal(t, []string{"knowledge.create", "tickets.delete"}, long.Access.Permissions)
}

func TestGrant_RejectsNonPositiveDuration(t *testing.T) {
	f := newFixture(t, defaultConfig())

	for _, minutes := range []int{0, -30} {
		_, err := f.manager.Grant(context.Background(), GrantRequest{
			ActorID: superAdminID, UserID: agentID, Permissions: []string{"tickets.delete"}, Reason: "P1 outage", DurationMinutes: minutes,
		})
		require.Error(t, err)
		assert.True(t, rbac.IsValidation(err), "minutes=%d", minutes)
	}

	list, err := f.store.ListForUser(context.Background(), agentID)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.audits.ByAction(audit.ActionEmergencyGranted))
}

func TestRevoke(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	issued := f.grant(t, agentID, 30, "tickets.delete")
	_, err := f.manager.Redeem(ctx, issued.Token, "203.0.113.5")
	require.NoError(t, err)
	require.True(t, f.has(t, agentID, "tickets.delete"))

	err = f.manager.Revoke(ctx, issued.Access.ID, adminID, "done")
	assert.True(t, rbac.IsAuthorization(err))

	err = f.manager.Revoke(ctx, issued.Access.ID, superAdminID, "")
	assert.True(t, rbac.IsValidation(err))

	require.NoError(t, f.manager.Revoke(ctx, issued.Access.ID, superAdminID, "incident closed"))
	assert.False(t, f.has(t, agentID, "tickets.delete"))

	revoked := f.audits.ByAction(audit.ActionEmergencyRevoked)
	require.Len(t, revoked, 1)
	assert.Equal(t, "redeemed", revoked[0].OldValues["state"])

	err = f.manager.Revoke(ctx, issued.Access.ID, superAdminID, "again")
	assert.ErrorIs(t, err, rbac.ErrNotFound)
}

func TestRevoke_UnredeemedTokenIsDead(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	issued := f.grant(t, agentID, 30, "tickets.delete")
	require.NoError(t, f.manager.Revoke(ctx, issued.Access.ID, superAdminID, "issued by mistake"))

	_, err := f.manager.Redeem(ctx, issued.Token, "203.0.113.5")
	assert.ErrorIs(t, err, rbac.ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	redeemed := f.grant(t, agentID, 10, "tickets.delete")
	_, err := f.manager.Redeem(ctx, redeemed.Token, "203.0.113.5")
	require.NoError(t, err)
	idle := f.grant(t, agentID, 20, "knowledge.create")
	f.grant(t, agentID, 60, "knowledge.update")

	f.clock.Advance(30 * time.Minute)
	n, err := f.manager.SweepExpired(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, f.mr.Exists("authz:emergency:token:"+HashToken(idle.Token)))

	n, err = f.manager.SweepExpired(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := f.manager.ListForUser(ctx, superAdminID, agentID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.True(t, list[0].IsActive, "newest grant is still live")
	assert.False(t, list[2].IsActive)
}

func TestActiveGrants_SkipsInactiveUsers(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	issued := f.grant(t, agentID, 30, "tickets.delete")
	_, err := f.manager.Redeem(ctx, issued.Token, "203.0.113.5")
	require.NoError(t, err)

	grants, err := f.store.ActiveGrants(ctx, agentID, f.clock.Now())
	require.NoError(t, err)
	require.Len(t, grants, 1)

	_, err = f.store.MarkUsed(ctx, HashToken(issued.Token), f.clock.Now())
	assert.ErrorIs(t, err, rbac.ErrNotFound)

	grants, err = f.store.ActiveGrants(ctx, 4242, f.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, grants)
}
