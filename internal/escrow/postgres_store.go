package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/reuni/disputes/internal/pagination"
)

// PostgresStore persists escrow data in the escrow_transactions table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, transaction_id, ticket_id, buyer_id, seller_id,
		stripe_payment_intent_id, stripe_transfer_id,
		amount_held, seller_payout, platform_fee, buyer_paid,
		status, hold_until, auto_release, released_at, refunded_at,
		refund_amount, refund_reason, processed_by, admin_notes,
		created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		e.ID, e.TransactionID, e.TicketID, e.BuyerID, e.SellerID,
		e.StripePaymentIntentID, nullString(e.StripeTransferID),
		e.AmountHeld, e.SellerPayout, e.PlatformFee, e.BuyerPaid,
		string(e.Status), e.HoldUntil, e.AutoRelease, nullTime(e.ReleasedAt), nullTime(e.RefundedAt),
		e.RefundAmount, nullString(e.RefundReason), nullString(e.ProcessedBy), nullString(e.AdminNotes),
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to create escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE id = $1`, id)
	return p.scanOne(row)
}

func (p *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE transaction_id = $1`, transactionID)
	return p.scanOne(row)
}

func (p *PostgresStore) scanOne(row *sql.Row) (*Escrow, error) {
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load escrow: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) UpdateIf(ctx context.Context, e *Escrow, expected Status) error {
	return p.updateWhere(ctx, e, `status = $12`, expected)
}

func (p *PostgresStore) ClaimAutoRelease(ctx context.Context, e *Escrow) error {
	return p.updateWhere(ctx, e, `status = $12 AND auto_release`, StatusHolding)
}

// updateWhere writes e when the row matches id and guard. guard may
// reference the expected status as $12.
func (p *PostgresStore) updateWhere(ctx context.Context, e *Escrow, guard string, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			stripe_transfer_id = $1, status = $2, auto_release = $3,
			released_at = $4, refunded_at = $5, refund_amount = $6,
			refund_reason = $7, processed_by = $8, admin_notes = $9,
			updated_at = $10
		WHERE id = $11 AND `+guard,
		nullString(e.StripeTransferID), string(e.Status), e.AutoRelease,
		nullTime(e.ReleasedAt), nullTime(e.RefundedAt), e.RefundAmount,
		nullString(e.RefundReason), nullString(e.ProcessedBy), nullString(e.AdminNotes),
		e.UpdatedAt, e.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check escrow: %w", err)
	}
	if !exists {
		return ErrEscrowNotFound
	}
	return ErrConcurrentUpdate
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("(buyer_id = $%d OR seller_id = $%d)", len(args), len(args)))
	}
	if after != nil {
		args = append(args, after.CreatedAt, after.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + escrowColumns + ` FROM escrow_transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrows: %w", err)
	}
	defer rows.Close()
	return scanEscrows(rows)
}

func (p *PostgresStore) ListReleasable(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrow_transactions
		WHERE status = 'holding' AND auto_release AND hold_until <= $1
		ORDER BY hold_until ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list releasable escrows: %w", err)
	}
	defer rows.Close()
	return scanEscrows(rows)
}

func (p *PostgresStore) ListUnpaidReleases(ctx context.Context, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrow_transactions
		WHERE status = 'released_to_seller' AND processed_by = $1
		  AND (stripe_transfer_id IS NULL OR stripe_transfer_id = '')
		ORDER BY updated_at ASC
		LIMIT $2`, SystemActor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpaid releases: %w", err)
	}
	defer rows.Close()
	return scanEscrows(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(sc scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status                                           string
		transferID, refundReason, processedBy, adminNote sql.NullString
		releasedAt, refundedAt                           sql.NullTime
	)
	err := sc.Scan(
		&e.ID, &e.TransactionID, &e.TicketID, &e.BuyerID, &e.SellerID,
		&e.StripePaymentIntentID, &transferID,
		&e.AmountHeld, &e.SellerPayout, &e.PlatformFee, &e.BuyerPaid,
		&status, &e.HoldUntil, &e.AutoRelease, &releasedAt, &refundedAt,
		&e.RefundAmount, &refundReason, &processedBy, &adminNote,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.StripeTransferID = transferID.String
	e.RefundReason = refundReason.String
	e.ProcessedBy = processedBy.String
	e.AdminNotes = adminNote.String
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		e.RefundedAt = &refundedAt.Time
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
