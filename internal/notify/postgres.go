package notify

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/reuni/disputes/internal/idgen"
)

// PostgresSink writes notifications to the notifications table.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a sink backed by db.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Send inserts the batch with a single multi-row INSERT.
func (p *PostgresSink) Send(ctx context.Context, notifications ...Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	const cols = 6
	var (
		sb   strings.Builder
		args = make([]interface{}, 0, len(notifications)*cols)
	)
	sb.WriteString(`INSERT INTO notifications (user_id, notification_type, title, message, related_id, is_read) VALUES `)
	for i, n := range notifications {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * cols
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args, n.UserID, string(n.Type), n.Title, n.Message, nullString(n.RelatedID), n.IsRead)
	}

	if _, err := p.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert notifications: %w", err)
	}
	return nil
}

// PostgresDirectory reads admins from user_roles.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory backed by db.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (p *PostgresDirectory) AdminIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT user_id FROM user_roles WHERE role = 'admin' ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, idgen.Normalize(id))
	}
	return ids, rows.Err()
}

func (p *PostgresDirectory) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role = 'admin')`,
		idgen.Normalize(userID),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check admin role: %w", err)
	}
	return exists, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

var (
	_ Sink           = (*PostgresSink)(nil)
	_ AdminDirectory = (*PostgresDirectory)(nil)
)
