package rbac

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportly/authz/pkg/audit"
	"github.com/supportly/authz/pkg/observability"
)

func TestGetMigrations_Ordered(t *testing.T) {
	migrations := GetMigrations()
	require.NotEmpty(t, migrations)

	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version, "versions are contiguous")
		assert.NotEmpty(t, m.Description)
		assert.NotEmpty(t, strings.TrimSpace(m.SQL))
	}
}

func TestGetMigrations_AuditActionConstraint(t *testing.T) {
	var auditSQL string
	for _, m := range GetMigrations() {
		if strings.Contains(m.SQL, "permission_audits") {
			auditSQL = m.SQL
		}
	}
	require.NotEmpty(t, auditSQL)

	for _, a := range audit.AllActions {
		assert.Contains(t, auditSQL, "'"+string(a)+"'")
	}
}

func TestSeedSQL(t *testing.T) {
	sql := seedSQL()

	for _, name := range SystemPermissionNames() {
		assert.Contains(t, sql, "VALUES ('"+name+"'")
	}
	for _, r := range SystemRoles() {
		assert.Contains(t, sql, "VALUES ('"+r.Name+"'")
	}
	assert.Contains(t, sql, "WHERE r.name = 'super_admin' AND p.name = 'roles.*'")
	assert.NotContains(t, sql, "WHERE r.name = 'support_agent' AND p.name = 'roles.")
	assert.Equal(t, strings.Count(sql, "INSERT INTO"), strings.Count(sql, "ON CONFLICT"), "seed is idempotent")
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "'plain'", quote("plain"))
	assert.Equal(t, "'O''Brien'", quote("O'Brien"))
}

func expectLedger(mock sqlmock.Sqlmock, applied *sqlmock.Rows) {
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock\\(\\$1\\)").
		WithArgs(migrationLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS rbac_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM rbac_migrations").WillReturnRows(applied)
}

func TestRunMigrations_AppliesPending(t *testing.T) {
	db, mock := setupMockDB(t)

	applied := sqlmock.NewRows([]string{"version"})
	migrations := GetMigrations()
	for _, m := range migrations[:len(migrations)-1] {
		applied.AddRow(m.Version)
	}
	expectLedger(mock, applied)

	last := migrations[len(migrations)-1]
	mock.ExpectExec("INSERT INTO permissions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO rbac_migrations").
		WithArgs(last.Version, last.Description).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, RunMigrations(context.Background(), db, observability.NopLogger()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_UpToDate(t *testing.T) {
	db, mock := setupMockDB(t)

	applied := sqlmock.NewRows([]string{"version"})
	for _, m := range GetMigrations() {
		applied.AddRow(m.Version)
	}
	expectLedger(mock, applied)
	mock.ExpectCommit()

	require.NoError(t, RunMigrations(context.Background(), db, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_RollsBackWholeBatch(t *testing.T) {
	db, mock := setupMockDB(t)

	expectLedger(mock, sqlmock.NewRows([]string{"version"}))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO rbac_migrations").WithArgs(1, "Create users table").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS roles").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err := RunMigrations(context.Background(), db, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration 2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_LockFailure(t *testing.T) {
	db, mock := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnError(errors.New("canceling statement due to lock timeout"))
	mock.ExpectRollback()

	err := RunMigrations(context.Background(), db, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration lock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingMigrations(t *testing.T) {
	all := GetMigrations()
	pending := pendingMigrations(all, map[int]bool{1: true, 3: true})
	require.Len(t, pending, len(all)-2)
	assert.Equal(t, 2, pending[0].Version)
	assert.Equal(t, 4, pending[1].Version)
}
