package emergency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/supportly/authz/pkg/rbac"
)

const accessColumns = `id, user_id, permissions, reason, granted_by, granted_at, expires_at, used_at, is_active, token_hash`

// PostgresStore implements Store on the emergency_access table
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

func scanAccess(row rowScanner) (*Access, error) {
	var a Access
	var grantedBy sql.NullInt64
	var usedAt sql.NullTime
	err := row.Scan(
		&a.ID,
		&a.UserID,
		pq.Array(&a.Permissions),
		&a.Reason,
		&grantedBy,
		&a.GrantedAt,
		&a.ExpiresAt,
		&usedAt,
		&a.IsActive,
		&a.TokenHash,
	)
	if err != nil {
		return nil, err
	}
	if grantedBy.Valid {
		id := grantedBy.Int64
		a.GrantedBy = &id
	}
	if usedAt.Valid {
		t := usedAt.Time
		a.UsedAt = &t
	}
	return &a, nil
}

// Create inserts a and sets its ID
func (s *PostgresStore) Create(ctx context.Context, a *Access) error {
	query := `
		INSERT INTO emergency_access (user_id, permissions, reason, granted_by, granted_at, expires_at, is_active, token_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		a.UserID,
		pq.Array(a.Permissions),
		a.Reason,
		a.GrantedBy,
		a.GrantedAt,
		a.ExpiresAt,
		a.IsActive,
		a.TokenHash,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to create emergency access: %w", err)
	}
	return nil
}

func (s *PostgresStore) getOne(ctx context.Context, query string, arg interface{}) (*Access, error) {
	a, err := scanAccess(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("emergency access: %w", rbac.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get emergency access: %w", err)
	}
	return a, nil
}

// Get retrieves a grant by ID
func (s *PostgresStore) Get(ctx context.Context, id int64) (*Access, error) {
	return s.getOne(ctx, `SELECT `+accessColumns+` FROM emergency_access WHERE id = $1`, id)
}

// GetByTokenHash retrieves a grant by the hash of its token
func (s *PostgresStore) GetByTokenHash(ctx context.Context, hash string) (*Access, error) {
	return s.getOne(ctx, `SELECT `+accessColumns+` FROM emergency_access WHERE token_hash = $1`, hash)
}

// ListForUser returns the user's grants, newest first
func (s *PostgresStore) ListForUser(ctx context.Context, userID int64) ([]*Access, error) {
	query := `SELECT ` + accessColumns + ` FROM emergency_access WHERE user_id = $1 ORDER BY granted_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list emergency access: %w", err)
	}
	return collect(rows)
}

// MarkUsed redeems the grant with hash
func (s *PostgresStore) MarkUsed(ctx context.Context, hash string, at time.Time) (*Access, error) {
	query := `
		UPDATE emergency_access SET used_at = $2
		WHERE token_hash = $1 AND is_active AND used_at IS NULL AND expires_at > $2
		RETURNING ` + accessColumns

	a, err := scanAccess(s.db.QueryRowContext(ctx, query, hash, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("redeemable emergency access: %w", rbac.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to redeem emergency access: %w", err)
	}
	return a, nil
}

// MarkUsedByID redeems grant id as long as it still carries hash
func (s *PostgresStore) MarkUsedByID(ctx context.Context, id int64, hash string, at time.Time) (*Access, error) {
	query := `
		UPDATE emergency_access SET used_at = $3
		WHERE id = $1 AND token_hash = $2 AND is_active AND used_at IS NULL AND expires_at > $3
		RETURNING ` + accessColumns

	a, err := scanAccess(s.db.QueryRowContext(ctx, query, id, hash, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("redeemable emergency access %d: %w", id, rbac.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to redeem emergency access: %w", err)
	}
	return a, nil
}

// Deactivate ends an active grant
func (s *PostgresStore) Deactivate(ctx context.Context, id int64) (*Access, error) {
	query := `
		UPDATE emergency_access SET is_active = FALSE
		WHERE id = $1 AND is_active
		RETURNING ` + accessColumns

	a, err := scanAccess(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active emergency access %d: %w", id, rbac.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate emergency access: %w", err)
	}
	a.IsActive = true
	return a, nil
}

// ExpireGrants deactivates every active grant past its expiry
func (s *PostgresStore) ExpireGrants(ctx context.Context, now time.Time) ([]*Access, error) {
	query := `
		UPDATE emergency_access SET is_active = FALSE
		WHERE is_active AND expires_at <= $1
		RETURNING ` + accessColumns

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire emergency access: %w", err)
	}
	return collect(rows)
}

// ActiveGrants returns the permission lists of redeemed, live grants of an
// active user
func (s *PostgresStore) ActiveGrants(ctx context.Context, userID int64, at time.Time) ([]rbac.EmergencyGrant, error) {
	query := `
		SELECT ea.id, ea.permissions, ea.expires_at
		FROM emergency_access ea
		JOIN users u ON u.id = ea.user_id
		WHERE ea.user_id = $1
		  AND u.is_active
		  AND ea.is_active
		  AND ea.used_at IS NOT NULL
		  AND ea.expires_at > $2
	`

	rows, err := s.db.QueryContext(ctx, query, userID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to query emergency grants: %w", err)
	}
	defer rows.Close()

	var grants []rbac.EmergencyGrant
	for rows.Next() {
		var g rbac.EmergencyGrant
		if err := rows.Scan(&g.ID, pq.Array(&g.Permissions), &g.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan emergency grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func collect(rows *sql.Rows) ([]*Access, error) {
	defer rows.Close()

	var out []*Access
	for rows.Next() {
		a, err := scanAccess(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan emergency access: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
