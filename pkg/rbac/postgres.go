package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const (
	roleColumns       = `id, name, display_name, description, hierarchy_level, is_active, is_system, created_at, updated_at`
	permissionColumns = `id, name, resource, action, is_active, created_at`
	assignmentColumns = `id, user_id, role_id, granted_by, granted_at, expires_at, is_active, delegation_reason`
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure
const uniqueViolation = "23505"

// PostgresStore implements Store on database/sql with lib/pq
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on db
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// GetUser retrieves a user by ID
func (s *PostgresStore) GetUser(ctx context.Context, userID int64) (*User, error) {
	query := `SELECT id, name, email, department_id, is_active FROM users WHERE id = $1`

	var u User
	var dept sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&u.ID, &u.Name, &u.Email, &dept, &u.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if dept.Valid {
		id := dept.Int64
		u.DepartmentID = &id
	}
	return &u, nil
}

func scanRole(row rowScanner) (*Role, error) {
	var r Role
	err := row.Scan(
		&r.ID,
		&r.Name,
		&r.DisplayName,
		&r.Description,
		&r.HierarchyLevel,
		&r.IsActive,
		&r.IsSystem,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRole retrieves a role by ID
func (s *PostgresStore) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE id = $1`

	r, err := scanRole(s.db.QueryRowContext(ctx, query, roleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %d: %w", roleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return r, nil
}

// GetRoleByName retrieves a role by its unique name
func (s *PostgresStore) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE name = $1`

	r, err := scanRole(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return r, nil
}

// ListRoles returns every role, most senior first
func (s *PostgresStore) ListRoles(ctx context.Context) ([]*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles ORDER BY hierarchy_level DESC, name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// CreateRole inserts role and sets its ID and timestamps
func (s *PostgresStore) CreateRole(ctx context.Context, role *Role) error {
	query := `
		INSERT INTO roles (name, display_name, description, hierarchy_level, is_active, is_system, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		role.Name,
		role.DisplayName,
		role.Description,
		role.HierarchyLevel,
		role.IsActive,
		role.IsSystem,
		now,
		now,
	).Scan(&role.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("role %q already exists: %w", role.Name, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}

	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// UpdateRole writes the mutable role attributes
func (s *PostgresStore) UpdateRole(ctx context.Context, role *Role) error {
	query := `
		UPDATE roles
		SET display_name = $1, description = $2, hierarchy_level = $3, updated_at = $4
		WHERE id = $5
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query,
		role.DisplayName,
		role.Description,
		role.HierarchyLevel,
		now,
		role.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	if err := requireRow(result, "role", role.ID); err != nil {
		return err
	}

	role.UpdatedAt = now
	return nil
}

// DeleteRole removes a role only while it is not a system role and no
// assignment effective at at references it. The check and the delete are a
// single statement so a concurrent grant cannot slip in between.
func (s *PostgresStore) DeleteRole(ctx context.Context, roleID int64, at time.Time) error {
	query := `
		DELETE FROM roles
		WHERE id = $1
		  AND NOT is_system
		  AND NOT EXISTS (
			SELECT 1 FROM user_roles
			WHERE role_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > $2)
		  )
	`

	result, err := s.db.ExecContext(ctx, query, roleID, at)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.GetRole(ctx, roleID); err != nil {
		return err
	}
	return fmt.Errorf("role %d is a system role or still assigned: %w", roleID, ErrConflict)
}

// SetRoleActive flips the role's is_active flag
func (s *PostgresStore) SetRoleActive(ctx context.Context, roleID int64, active bool) (bool, error) {
	query := `UPDATE roles SET is_active = $1, updated_at = NOW() WHERE id = $2 AND is_active <> $1`
	return s.setFlag(ctx, query, "role", roleID, active, s.roleExists)
}

// CountActiveAssignments counts assignments of roleID effective at at
func (s *PostgresStore) CountActiveAssignments(ctx context.Context, roleID int64, at time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM user_roles
		WHERE role_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > $2)
	`

	var n int
	if err := s.db.QueryRowContext(ctx, query, roleID, at).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count assignments: %w", err)
	}
	return n, nil
}

func scanPermission(row rowScanner) (*Permission, error) {
	var p Permission
	if err := row.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.IsActive, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPermission retrieves a permission by ID
func (s *PostgresStore) GetPermission(ctx context.Context, permissionID int64) (*Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE id = $1`

	p, err := scanPermission(s.db.QueryRowContext(ctx, query, permissionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("permission %d: %w", permissionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return p, nil
}

// GetPermissionByName retrieves a permission by its dotted name
func (s *PostgresStore) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE name = $1`

	p, err := scanPermission(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("permission %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return p, nil
}

// ListPermissions returns every permission ordered by name
func (s *PostgresStore) ListPermissions(ctx context.Context) ([]*Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions ORDER BY name`
	return s.queryPermissions(ctx, query)
}

// CreatePermission inserts p and sets its ID
func (s *PostgresStore) CreatePermission(ctx context.Context, p *Permission) error {
	query := `
		INSERT INTO permissions (name, resource, action, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query, p.Name, p.Resource, p.Action, p.IsActive, now).Scan(&p.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("permission %q already exists: %w", p.Name, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create permission: %w", err)
	}
	p.CreatedAt = now
	return nil
}

// SetPermissionActive flips the permission's is_active flag
func (s *PostgresStore) SetPermissionActive(ctx context.Context, permissionID int64, active bool) (bool, error) {
	query := `UPDATE permissions SET is_active = $1 WHERE id = $2 AND is_active <> $1`
	return s.setFlag(ctx, query, "permission", permissionID, active, s.permissionExists)
}

// AttachPermission links a permission to a role
func (s *PostgresStore) AttachPermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	query := `
		INSERT INTO role_permissions (role_id, permission_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query, roleID, permissionID)
	if err != nil {
		return false, fmt.Errorf("failed to attach permission: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// DetachPermission unlinks a permission from a role
func (s *PostgresStore) DetachPermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	query := `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`

	result, err := s.db.ExecContext(ctx, query, roleID, permissionID)
	if err != nil {
		return false, fmt.Errorf("failed to detach permission: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// RolePermissions returns every permission attached to roleID, active or not
func (s *PostgresStore) RolePermissions(ctx context.Context, roleID int64) ([]*Permission, error) {
	query := `
		SELECT p.id, p.name, p.resource, p.action, p.is_active, p.created_at
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.name
	`
	return s.queryPermissions(ctx, query, roleID)
}

func (s *PostgresStore) queryPermissions(ctx context.Context, query string, args ...interface{}) ([]*Permission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var perms []*Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// EffectiveRoles returns the roles userID holds at at
func (s *PostgresStore) EffectiveRoles(ctx context.Context, userID int64, at time.Time) ([]EffectiveRole, error) {
	query := `
		SELECT r.id, r.name, r.hierarchy_level, ur.expires_at
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		JOIN users u ON u.id = ur.user_id
		WHERE ur.user_id = $1
		  AND u.is_active
		  AND r.is_active
		  AND ur.is_active
		  AND (ur.expires_at IS NULL OR ur.expires_at > $2)
		ORDER BY r.hierarchy_level DESC, r.id
	`

	rows, err := s.db.QueryContext(ctx, query, userID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to query effective roles: %w", err)
	}
	defer rows.Close()

	var roles []EffectiveRole
	for rows.Next() {
		var r EffectiveRole
		var expiresAt sql.NullTime
		if err := rows.Scan(&r.RoleID, &r.Name, &r.HierarchyLevel, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan effective role: %w", err)
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			r.ExpiresAt = &t
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// PermissionNamesForRoles returns the active permission names of roleIDs
func (s *PostgresStore) PermissionNamesForRoles(ctx context.Context, roleIDs []int64) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT DISTINCT p.name
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = ANY($1) AND p.is_active
		ORDER BY p.name
	`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(roleIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query role permissions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan permission name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func scanAssignment(row rowScanner) (*RoleAssignment, error) {
	var a RoleAssignment
	var grantedBy sql.NullInt64
	var expiresAt sql.NullTime
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.RoleID,
		&grantedBy,
		&a.GrantedAt,
		&expiresAt,
		&a.IsActive,
		&a.DelegationReason,
	)
	if err != nil {
		return nil, err
	}
	if grantedBy.Valid {
		id := grantedBy.Int64
		a.GrantedBy = &id
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		a.ExpiresAt = &t
	}
	return &a, nil
}

// GetAssignment retrieves the (user, role) row regardless of state
func (s *PostgresStore) GetAssignment(ctx context.Context, userID, roleID int64) (*RoleAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM user_roles WHERE user_id = $1 AND role_id = $2`

	a, err := scanAssignment(s.db.QueryRowContext(ctx, query, userID, roleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment of role %d to user %d: %w", roleID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return a, nil
}

// ListAssignments returns every assignment row of userID
func (s *PostgresStore) ListAssignments(ctx context.Context, userID int64) ([]*RoleAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM user_roles WHERE user_id = $1 ORDER BY granted_at, id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	return collectAssignments(rows)
}

// UpsertAssignment writes a under a row lock on (user, role)
func (s *PostgresStore) UpsertAssignment(ctx context.Context, a *RoleAssignment) (*RoleAssignment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	lockQuery := `SELECT ` + assignmentColumns + ` FROM user_roles WHERE user_id = $1 AND role_id = $2 FOR UPDATE`

	prev, err := scanAssignment(tx.QueryRowContext(ctx, lockQuery, a.UserID, a.RoleID))
	if errors.Is(err, sql.ErrNoRows) {
		insertQuery := `
			INSERT INTO user_roles (user_id, role_id, granted_by, granted_at, expires_at, is_active, delegation_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id, role_id) DO NOTHING
			RETURNING id
		`
		err = tx.QueryRowContext(ctx, insertQuery,
			a.UserID, a.RoleID, a.GrantedBy, a.GrantedAt, a.ExpiresAt, a.IsActive, a.DelegationReason,
		).Scan(&a.ID)
		if err == nil {
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit assignment: %w", err)
			}
			return nil, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to insert assignment: %w", err)
		}
		// a concurrent grant inserted the row first; lock it and update
		prev, err = scanAssignment(tx.QueryRowContext(ctx, lockQuery, a.UserID, a.RoleID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock assignment: %w", err)
	}

	updateQuery := `
		UPDATE user_roles
		SET granted_by = $1, granted_at = $2, expires_at = $3, is_active = $4, delegation_reason = $5
		WHERE id = $6
	`
	if _, err := tx.ExecContext(ctx, updateQuery,
		a.GrantedBy, a.GrantedAt, a.ExpiresAt, a.IsActive, a.DelegationReason, prev.ID,
	); err != nil {
		return nil, fmt.Errorf("failed to update assignment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit assignment: %w", err)
	}

	a.ID = prev.ID
	return prev, nil
}

// DeactivateAssignment flips an active row. The WHERE clause is rechecked
// under the row lock, so concurrent revokes and sweeps flip it once.
func (s *PostgresStore) DeactivateAssignment(ctx context.Context, userID, roleID int64) (*RoleAssignment, error) {
	query := `
		UPDATE user_roles SET is_active = FALSE
		WHERE user_id = $1 AND role_id = $2 AND is_active
		RETURNING ` + assignmentColumns

	a, err := scanAssignment(s.db.QueryRowContext(ctx, query, userID, roleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active assignment of role %d to user %d: %w", roleID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate assignment: %w", err)
	}
	a.IsActive = true
	return a, nil
}

// ExpireAssignments flips every active row whose expiry has passed
func (s *PostgresStore) ExpireAssignments(ctx context.Context, now time.Time) ([]*RoleAssignment, error) {
	query := `
		UPDATE user_roles SET is_active = FALSE
		WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1
		RETURNING ` + assignmentColumns

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire assignments: %w", err)
	}
	return collectAssignments(rows)
}

func collectAssignments(rows *sql.Rows) ([]*RoleAssignment, error) {
	defer rows.Close()

	var out []*RoleAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) setFlag(ctx context.Context, query, kind string, id int64, active bool, exists func(context.Context, int64) error) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, active, id)
	if err != nil {
		return false, fmt.Errorf("failed to update %s: %w", kind, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	return false, exists(ctx, id)
}

func (s *PostgresStore) roleExists(ctx context.Context, id int64) error {
	_, err := s.GetRole(ctx, id)
	return err
}

func (s *PostgresStore) permissionExists(ctx context.Context, id int64) error {
	_, err := s.GetPermission(ctx, id)
	return err
}

func requireRow(result sql.Result, kind string, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
