package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/reuni/disputes/internal/pagination"
)

// PostgresStore persists reports in the ticket_reports table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed report store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const reportColumns = `id, ticket_id, buyer_id, seller_id, transaction_id,
		report_type, title, description, evidence_urls, status,
		admin_notes, resolution, resolved_at, resolved_by,
		created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Report) error {
	urls := r.EvidenceURLs
	if urls == nil {
		urls = []string{}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ticket_reports (`+reportColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, r.TicketID, r.BuyerID, r.SellerID, r.TransactionID,
		string(r.Type), r.Title, r.Description, pq.Array(urls), string(r.Status),
		r.AdminNotes, r.Resolution, r.ResolvedAt, r.ResolvedBy,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Report, error) {
	r, err := scanReport(p.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM ticket_reports WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load report: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) UpdateIf(ctx context.Context, r *Report, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE ticket_reports SET
			status = $1, admin_notes = $2, resolution = $3,
			resolved_at = $4, resolved_by = $5, updated_at = $6
		WHERE id = $7 AND status = $8`,
		string(r.Status), r.AdminNotes, r.Resolution,
		r.ResolvedAt, r.ResolvedBy, r.UpdatedAt,
		r.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update report: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update report: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ticket_reports WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check report: %w", err)
	}
	if !exists {
		return ErrReportNotFound
	}
	return ErrConcurrentUpdate
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter, after *pagination.Cursor, limit int) ([]*Report, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.BuyerID != "" {
		args = append(args, filter.BuyerID)
		where = append(where, fmt.Sprintf("buyer_id = $%d", len(args)))
	}
	if filter.SellerID != "" {
		args = append(args, filter.SellerID)
		where = append(where, fmt.Sprintf("seller_id = $%d", len(args)))
	}
	if after != nil {
		args = append(args, after.CreatedAt, after.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + reportColumns + ` FROM ticket_reports`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var result []*Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(sc scanner) (*Report, error) {
	r := &Report{}
	var (
		typ, status                                       string
		transactionID, adminNotes, resolution, resolvedBy sql.NullString
		resolvedAt                                        sql.NullTime
		urls                                              pq.StringArray
	)
	err := sc.Scan(
		&r.ID, &r.TicketID, &r.BuyerID, &r.SellerID, &transactionID,
		&typ, &r.Title, &r.Description, &urls, &status,
		&adminNotes, &resolution, &resolvedAt, &resolvedBy,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Type = Type(typ)
	r.Status = Status(status)
	r.EvidenceURLs = []string(urls)
	if r.EvidenceURLs == nil {
		r.EvidenceURLs = []string{}
	}
	r.TransactionID = stringPtr(transactionID)
	r.AdminNotes = stringPtr(adminNotes)
	r.Resolution = stringPtr(resolution)
	r.ResolvedBy = stringPtr(resolvedBy)
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	return r, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

var _ Store = (*PostgresStore)(nil)
