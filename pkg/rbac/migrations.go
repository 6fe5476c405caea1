package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/supportly/authz/pkg/audit"
	"github.com/supportly/authz/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all authorization schema migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					email VARCHAR(255) NOT NULL UNIQUE,
					department_id BIGINT,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_users_department_id ON users(department_id);
			`,
		},
		{
			Version:     2,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(100) NOT NULL UNIQUE,
					display_name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					hierarchy_level INT NOT NULL CHECK (hierarchy_level >= 0),
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_roles_hierarchy_level ON roles(hierarchy_level);
			`,
		},
		{
			Version:     3,
			Description: "Create permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(150) NOT NULL UNIQUE,
					resource VARCHAR(100) NOT NULL,
					action VARCHAR(50) NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_permissions_resource ON permissions(resource);
			`,
		},
		{
			Version:     4,
			Description: "Create role_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE RESTRICT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_permissions_permission_id ON role_permissions(permission_id);
			`,
		},
		{
			Version:     5,
			Description: "Create user_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_roles (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					granted_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
					granted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					expires_at TIMESTAMPTZ,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					delegation_reason TEXT NOT NULL DEFAULT '',
					UNIQUE (user_id, role_id)
				);

				CREATE INDEX IF NOT EXISTS idx_user_roles_role_id ON user_roles(role_id);
				CREATE INDEX IF NOT EXISTS idx_user_roles_expiring ON user_roles(expires_at) WHERE is_active AND expires_at IS NOT NULL;
			`,
		},
		{
			Version:     6,
			Description: "Create emergency_access table",
			SQL: `
				CREATE TABLE IF NOT EXISTS emergency_access (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					permissions TEXT[] NOT NULL,
					reason TEXT NOT NULL,
					granted_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
					granted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					expires_at TIMESTAMPTZ NOT NULL,
					used_at TIMESTAMPTZ,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					token_hash CHAR(64) NOT NULL UNIQUE
				);

				CREATE INDEX IF NOT EXISTS idx_emergency_access_user_id ON emergency_access(user_id);
				CREATE INDEX IF NOT EXISTS idx_emergency_access_expires_at ON emergency_access(expires_at) WHERE is_active;
			`,
		},
		{
			Version:     7,
			Description: "Create permission_audits table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permission_audits (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT,
					permission_id BIGINT,
					role_id BIGINT,
					action VARCHAR(50) NOT NULL CHECK (action IN (` + actionList() + `)),
					old_values JSONB,
					new_values JSONB,
					ip_address VARCHAR(45),
					user_agent TEXT,
					performed_by BIGINT,
					reason TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_permission_audits_user_id ON permission_audits(user_id, created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_permission_audits_performed_by ON permission_audits(performed_by, created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_permission_audits_action ON permission_audits(action, created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_permission_audits_ip_address ON permission_audits(ip_address);
			`,
		},
		{
			Version:     8,
			Description: "Seed system roles and permissions",
			SQL:         seedSQL(),
		},
	}
}

// actionList renders the closed audit action set for the CHECK constraint
func actionList() string {
	quoted := make([]string, len(audit.AllActions))
	for i, a := range audit.AllActions {
		quoted[i] = quote(string(a))
	}
	return strings.Join(quoted, ", ")
}

// migrationLockKey names the advisory lock that serializes schema changes
const migrationLockKey int64 = 0x6175_7468_7a00

// RunMigrations applies every pending migration in a single transaction
// holding a transaction-scoped advisory lock. Workers that start together
// queue on the lock, and whoever gets it second finds the versions already
// recorded. A failure rolls the whole batch back.
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) (err error) {
	logger = observability.OrDefault(logger).WithField("component", "migrations")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start migration transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("failed to take migration lock: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, tx)
	if err != nil {
		return err
	}
	pending := pendingMigrations(GetMigrations(), applied)
	if len(pending) == 0 {
		logger.Debug("Schema is up to date")
		return tx.Commit()
	}

	for _, m := range pending {
		if _, err = tx.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
		if _, err = tx.ExecContext(ctx,
			"INSERT INTO rbac_migrations (version, description) VALUES ($1, $2)",
			m.Version, m.Description,
		); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		logger.WithFields(map[string]interface{}{
			"version":     m.Version,
			"description": m.Description,
		}).Debug("Migration applied")
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	logger.WithFields(map[string]interface{}{
		"count":   len(pending),
		"version": pending[len(pending)-1].Version,
	}).Info("Schema migrated")
	return nil
}

func appliedVersions(ctx context.Context, tx *sql.Tx) (map[int]bool, error) {
	rows, err := tx.QueryContext(ctx, "SELECT version FROM rbac_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// pendingMigrations keeps the unapplied migrations in version order
func pendingMigrations(all []Migration, applied map[int]bool) []Migration {
	var out []Migration
	for _, m := range all {
		if !applied[m.Version] {
			out = append(out, m)
		}
	}
	return out
}
