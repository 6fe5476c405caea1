//go:build integration

package rbac

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/supportly/authz/pkg/audit"
	"github.com/supportly/authz/pkg/observability"
)

// setupPostgres starts a throwaway PostgreSQL and applies the schema
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	if _, err := testcontainers.ProviderDocker.GetProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("authz"),
		postgres.WithUsername("authz"),
		postgres.WithPassword("authz"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = container.Terminate(cleanupCtx)
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, RunMigrations(ctx, db, observability.NopLogger()))
	// a second run is a no-op
	require.NoError(t, RunMigrations(ctx, db, observability.NopLogger()))
	return db
}

func insertUser(t *testing.T, db *sql.DB, name string, dept int64) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(
		`INSERT INTO users (name, email, department_id) VALUES ($1, $2, $3) RETURNING id`,
		name, name+"@example.com", dept,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestPostgresIntegration_AssignResolveRevoke(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()

	store := NewPostgresStore(db)
	logger := observability.NopLogger()
	metrics := observability.NewMetrics(nil)
	auditStore := audit.NewPostgresStore(db)
	resolver := NewResolver(store, logger, metrics)
	manager := NewManager(store, resolver, audit.NewLog(auditStore, logger, metrics), logger, metrics)
	temporal := NewTemporalManager(manager)

	admin := insertUser(t, db, "ada", 20)
	agent := insertUser(t, db, "uma", 20)

	adminRole, err := store.GetRoleByName(ctx, "admin")
	require.NoError(t, err)
	_, err = store.UpsertAssignment(ctx, &RoleAssignment{UserID: admin, RoleID: adminRole.ID, GrantedAt: time.Now().UTC(), IsActive: true})
	require.NoError(t, err)

	perms, err := resolver.Resolve(ctx, admin)
	require.NoError(t, err)
	assert.True(t, perms.Has(PermRolesAssign))
	assert.True(t, perms.Has("tickets.escalate"), "tickets.* covers unlisted actions")

	managerRole, err := store.GetRoleByName(ctx, "department_manager")
	require.NoError(t, err)

	granted, err := temporal.GrantTemporaryRole(ctx, agent, managerRole.ID, 60, "holiday cover", admin)
	require.NoError(t, err)
	assert.True(t, granted)

	perms, err = resolver.Resolve(ctx, agent)
	require.NoError(t, err)
	assert.True(t, perms.Has("tickets.assign"))

	err = manager.DeleteRole(ctx, admin, managerRole.ID, "cleanup")
	require.Error(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = manager.RevokeRole(ctx, agent, managerRole.ID, admin, "cover ended")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)

	revoked, err := auditStore.Search(ctx, audit.Filter{UserID: audit.Int64(agent), Actions: []audit.Action{audit.Revoked}})
	require.NoError(t, err)
	assert.Len(t, revoked, 1)

	perms, err = resolver.Resolve(ctx, agent)
	require.NoError(t, err)
	assert.False(t, perms.Has("tickets.assign"))
}

func TestPostgresIntegration_ExpireAssignments(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	store := NewPostgresStore(db)

	user := insertUser(t, db, "nia", 20)
	role, err := store.GetRoleByName(ctx, "support_agent")
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	_, err = store.UpsertAssignment(ctx, &RoleAssignment{
		UserID: user, RoleID: role.ID, GrantedAt: past.Add(-time.Hour), ExpiresAt: &past, IsActive: true, DelegationReason: "trial",
	})
	require.NoError(t, err)

	roles, err := store.EffectiveRoles(ctx, user, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, roles)

	expired, err := store.ExpireAssignments(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)

	expired, err = store.ExpireAssignments(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, expired)

	a, err := store.GetAssignment(ctx, user, role.ID)
	require.NoError(t, err)
	assert.False(t, a.IsActive, "row is retained for the trail")
}
