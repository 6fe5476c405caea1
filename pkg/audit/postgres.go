package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

const entryColumns = `id, user_id, permission_id, role_id, action, old_values, new_values,
	ip_address, user_agent, performed_by, reason, created_at`

// PostgresStore reads and writes permission_audits. The table is created by
// the rbac migrations; this store never updates or deletes rows.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on db
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Write inserts entry and sets its ID
func (s *PostgresStore) Write(ctx context.Context, entry *Entry) error {
	oldJSON, err := marshalValues(entry.OldValues)
	if err != nil {
		return fmt.Errorf("failed to marshal old values: %w", err)
	}
	newJSON, err := marshalValues(entry.NewValues)
	if err != nil {
		return fmt.Errorf("failed to marshal new values: %w", err)
	}

	query := `
		INSERT INTO permission_audits (
			user_id, permission_id, role_id, action,
			old_values, new_values, ip_address, user_agent,
			performed_by, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`

	err = s.db.QueryRowContext(ctx, query,
		entry.UserID, entry.PermissionID, entry.RoleID, string(entry.Action),
		oldJSON, newJSON, nullString(entry.IPAddress), nullString(entry.UserAgent),
		entry.PerformedBy, nullString(entry.Reason), entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Search returns entries matching filter, newest first
func (s *PostgresStore) Search(ctx context.Context, filter Filter) ([]*Entry, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.UserID != nil {
		add("user_id = $%d", *filter.UserID)
	}
	if filter.PerformedBy != nil {
		add("performed_by = $%d", *filter.PerformedBy)
	}
	if filter.RoleID != nil {
		add("role_id = $%d", *filter.RoleID)
	}
	if len(filter.Actions) > 0 {
		actions := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actions[i] = string(a)
		}
		add("action = ANY($%d)", pq.Array(actions))
	}
	if filter.IPAddress != "" {
		add("ip_address = $%d", filter.IPAddress)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $%d", *filter.To)
	}

	query := "SELECT " + entryColumns + " FROM permission_audits"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var (
		e                          Entry
		userID, permID, roleID, by sql.NullInt64
		action                     string
		oldJSON, newJSON           []byte
		ip, ua, reason             sql.NullString
	)
	if err := rows.Scan(&e.ID, &userID, &permID, &roleID, &action, &oldJSON, &newJSON,
		&ip, &ua, &by, &reason, &e.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan audit entry: %w", err)
	}

	e.Action = Action(action)
	e.UserID = fromNull(userID)
	e.PermissionID = fromNull(permID)
	e.RoleID = fromNull(roleID)
	e.PerformedBy = fromNull(by)
	e.IPAddress = ip.String
	e.UserAgent = ua.String
	e.Reason = reason.String

	if len(oldJSON) > 0 {
		if err := json.Unmarshal(oldJSON, &e.OldValues); err != nil {
			return nil, fmt.Errorf("failed to unmarshal old values: %w", err)
		}
	}
	if len(newJSON) > 0 {
		if err := json.Unmarshal(newJSON, &e.NewValues); err != nil {
			return nil, fmt.Errorf("failed to unmarshal new values: %w", err)
		}
	}
	return &e, nil
}

// marshalValues returns nil for a nil map so the column stores SQL NULL
func marshalValues(v map[string]interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromNull(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
