package rbac

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var (
	roleCols       = []string{"id", "name", "display_name", "description", "hierarchy_level", "is_active", "is_system", "created_at", "updated_at"}
	assignmentCols = []string{"id", "user_id", "role_id", "granted_by", "granted_at", "expires_at", "is_active", "delegation_reason"}
)

func TestPostgresStore_GetUser(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)

	mock.ExpectQuery("SELECT id, name, email, department_id, is_active FROM users WHERE id = \\$1").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "department_id", "is_active"}).
			AddRow(5, "Uma", "uma@example.com", 20, true))

	u, err := store.GetUser(context.Background(), 5)
	require.NoError(t, err)
	require.NotNil(t, u.DepartmentID)
	assert.Equal(t, int64(20), *u.DepartmentID)

	mock.ExpectQuery("FROM users").WithArgs(int64(6)).WillReturnError(sql.ErrNoRows)
	_, err = store.GetUser(context.Background(), 6)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRole(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT .* FROM roles WHERE id = \\$1").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(roleCols).
			AddRow(3, "supervisor", "Supervisor", "", 3, true, true, now, now))

	r, err := store.GetRole(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "supervisor", r.Name)
	assert.Equal(t, 3, r.HierarchyLevel)
	assert.True(t, r.IsSystem)

	mock.ExpectQuery("FROM roles WHERE id").WithArgs(int64(99)).WillReturnRows(sqlmock.NewRows(roleCols))
	_, err = store.GetRole(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRoleConflict(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)

	mock.ExpectQuery("INSERT INTO roles").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	err := store.CreateRole(context.Background(), &Role{Name: "escalations", DisplayName: "Escalations", HierarchyLevel: 2})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRole(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)

	mock.ExpectQuery("INSERT INTO roles").
		WithArgs("escalations", "Escalations", "", 2, true, false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	role := &Role{Name: "escalations", DisplayName: "Escalations", HierarchyLevel: 2, IsActive: true}
	require.NoError(t, store.CreateRole(context.Background(), role))
	assert.Equal(t, int64(11), role.ID)
	assert.False(t, role.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteRole(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("DELETE FROM roles").WithArgs(int64(7), at).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.DeleteRole(context.Background(), 7, at))

	mock.ExpectExec("DELETE FROM roles").WithArgs(int64(8), at).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM roles WHERE id").WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows(roleCols).AddRow(8, "weekend", "Weekend", "", 1, true, false, at, at))
	err := store.DeleteRole(context.Background(), 8, at)
	assert.ErrorIs(t, err, ErrConflict)

	mock.ExpectExec("DELETE FROM roles").WithArgs(int64(9), at).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM roles WHERE id").WithArgs(int64(9)).WillReturnRows(sqlmock.NewRows(roleCols))
	err = store.DeleteRole(context.Background(), 9, at)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetRoleActive(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE roles SET is_active").WithArgs(false, int64(4)).WillReturnResult(sqlmock.NewResult(0, 1))
	changed, err := store.SetRoleActive(context.Background(), 4, false)
	require.NoError(t, err)
	assert.True(t, changed)

	mock.ExpectExec("UPDATE roles SET is_active").WithArgs(false, int64(4)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM roles WHERE id").WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows(roleCols).AddRow(4, "x", "X", "", 1, false, false, now, now))
	changed, err = store.SetRoleActive(context.Background(), 4, false)
	require.NoError(t, err)
	assert.False(t, changed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EffectiveRoles(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	expires := at.Add(time.Hour)

	mock.ExpectQuery("FROM user_roles ur JOIN roles r ON r.id = ur.role_id JOIN users u ON u.id = ur.user_id WHERE ur.user_id = \\$1 AND u.is_active AND r.is_active AND ur.is_active").
		WithArgs(int64(5), at).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "hierarchy_level", "expires_at"}).
			AddRow(2, "department_manager", 2, expires).
			AddRow(1, "support_agent", 1, nil))

	roles, err := store.EffectiveRoles(context.Background(), 5, at)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	require.NotNil(t, roles[0].ExpiresAt)
	assert.Equal(t, expires, *roles[0].ExpiresAt)
	assert.Nil(t, roles[1].ExpiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PermissionNamesForRoles(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)

	names, err := store.PermissionNamesForRoles(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, names)

	mock.ExpectQuery("SELECT DISTINCT p.name .* rp.role_id = ANY\\(\\$1\\) AND p.is_active").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("tickets.*").AddRow("tickets.view"))

	names, err = store.PermissionNamesForRoles(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"tickets.*", "tickets.view"}, names)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertAssignment_Insert(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	expires := now.Add(time.Hour)
	actor := int64(2)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM user_roles WHERE user_id = \\$1 AND role_id = \\$2 FOR UPDATE").
		WithArgs(int64(5), int64(3)).
		WillReturnRows(sqlmock.NewRows(assignmentCols))
	mock.ExpectQuery("INSERT INTO user_roles .* ON CONFLICT \\(user_id, role_id\\) DO NOTHING RETURNING id").
		WithArgs(int64(5), int64(3), actor, now, expires, true, "coverage").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(17))
	mock.ExpectCommit()

	a := &RoleAssignment{UserID: 5, RoleID: 3, GrantedBy: &actor, GrantedAt: now, ExpiresAt: &expires, IsActive: true, DelegationReason: "coverage"}
	prev, err := store.UpsertAssignment(context.Background(), a)
	require.NoError(t, err)
	assert.Nil(t, prev)
	assert.Equal(t, int64(17), a.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertAssignment_Update(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	earlier := now.Add(-24 * time.Hour)
	actor := int64(2)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(int64(5), int64(3)).
		WillReturnRows(sqlmock.NewRows(assignmentCols).AddRow(17, 5, 3, nil, earlier, nil, true, ""))
	mock.ExpectExec("UPDATE user_roles SET granted_by = \\$1, granted_at = \\$2, expires_at = \\$3, is_active = \\$4, delegation_reason = \\$5 WHERE id = \\$6").
		WithArgs(actor, now, nil, true, "", int64(17)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a := &RoleAssignment{UserID: 5, RoleID: 3, GrantedBy: &actor, GrantedAt: now, IsActive: true}
	prev, err := store.UpsertAssignment(context.Background(), a)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Nil(t, prev.GrantedBy)
	assert.Equal(t, earlier, prev.GrantedAt)
	assert.Equal(t, int64(17), a.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertAssignment_LostInsertRace(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(sqlmock.NewRows(assignmentCols))
	mock.ExpectQuery("INSERT INTO user_roles").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(assignmentCols).AddRow(21, 5, 3, 2, now, nil, true, ""))
	mock.ExpectExec("UPDATE user_roles").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a := &RoleAssignment{UserID: 5, RoleID: 3, GrantedAt: now, IsActive: true}
	prev, err := store.UpsertAssignment(context.Background(), a)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, int64(21), a.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertAssignment_RollsBackOnError(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := store.UpsertAssignment(context.Background(), &RoleAssignment{UserID: 5, RoleID: 3})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeactivateAssignment(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)
	now := time.Now().UTC()

	mock.ExpectQuery("UPDATE user_roles SET is_active = FALSE WHERE user_id = \\$1 AND role_id = \\$2 AND is_active RETURNING").
		WithArgs(int64(5), int64(3)).
		WillReturnRows(sqlmock.NewRows(assignmentCols).AddRow(17, 5, 3, 2, now, nil, false, ""))

	prev, err := store.DeactivateAssignment(context.Background(), 5, 3)
	require.NoError(t, err)
	assert.True(t, prev.IsActive, "returns the row as it was")
	assert.Equal(t, int64(2), *prev.GrantedBy)

	mock.ExpectQuery("UPDATE user_roles SET is_active = FALSE").
		WithArgs(int64(5), int64(3)).
		WillReturnRows(sqlmock.NewRows(assignmentCols))
	_, err = store.DeactivateAssignment(context.Background(), 5, 3)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExpireAssignments(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Minute)

	mock.ExpectQuery("UPDATE user_roles SET is_active = FALSE WHERE is_active AND expires_at IS NOT NULL AND expires_at <= \\$1").
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows(assignmentCols).
			AddRow(1, 5, 2, 2, now.Add(-time.Hour), expired, false, "coverage").
			AddRow(2, 7, 2, 2, now.Add(-time.Hour), expired, false, "coverage"))

	rows, err := store.ExpireAssignments(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(7), rows[1].UserID)
	assert.Equal(t, expired, *rows[0].ExpiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AttachDetach(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)

	mock.ExpectExec("INSERT INTO role_permissions .* ON CONFLICT DO NOTHING").
		WithArgs(int64(1), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	changed, err := store.AttachPermission(context.Background(), 1, 9)
	require.NoError(t, err)
	assert.True(t, changed)

	mock.ExpectExec("DELETE FROM role_permissions").
		WithArgs(int64(1), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	changed, err = store.DetachPermission(context.Background(), 1, 9)
	require.NoError(t, err)
	assert.False(t, changed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountActiveAssignments(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)
	at := time.Now().UTC()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM user_roles").
		WithArgs(int64(3), at).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	n, err := store.CountActiveAssignments(context.Background(), 3, at)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
