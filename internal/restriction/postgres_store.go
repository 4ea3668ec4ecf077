package restriction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists restrictions in the account_restrictions table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed restriction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const restrictionColumns = `id, user_id, restriction_type, reason, related_report_id,
		restricted_at, restricted_by, restriction_notes,
		appeal_status, appeal_notes, appeal_submitted_at, appeal_reviewed_at, appeal_reviewed_by,
		expires_at, is_active, lifted_at, lifted_by, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Restriction, exclusive bool) error {
	args := []any{
		r.ID, r.UserID, string(r.Type), r.Reason, r.RelatedReportID,
		r.RestrictedAt, r.RestrictedBy, r.Notes,
		string(r.AppealStatus), r.AppealNotes, r.AppealSubmittedAt, r.AppealReviewedAt, r.AppealReviewedBy,
		r.ExpiresAt, r.IsActive, r.LiftedAt, r.LiftedBy, r.CreatedAt, r.UpdatedAt,
	}
	// Explicit casts: in INSERT ... SELECT the parameters have no column
	// context to infer their types from.
	values := `$1::text, $2::text, $3::text, $4::text, $5::text,
		$6::timestamptz, $7::text, $8::text,
		$9::text, $10::text, $11::timestamptz, $12::timestamptz, $13::text,
		$14::timestamptz, $15::boolean, $16::timestamptz, $17::text, $18::timestamptz, $19::timestamptz`

	if !exclusive {
		_, err := p.db.ExecContext(ctx,
			`INSERT INTO account_restrictions (`+restrictionColumns+`) VALUES (`+values+`)`, args...)
		if err != nil {
			return fmt.Errorf("failed to create restriction: %w", err)
		}
		return nil
	}

	// A per-user advisory lock serializes concurrent restricts so the
	// NOT EXISTS check cannot pass twice under READ COMMITTED.
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to create restriction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, r.UserID); err != nil {
		return fmt.Errorf("failed to lock user restrictions: %w", err)
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO account_restrictions (`+restrictionColumns+`)
		SELECT `+values+`
		WHERE NOT EXISTS (
			SELECT 1 FROM account_restrictions
			WHERE user_id = $2 AND is_active
				AND (expires_at IS NULL OR expires_at > $6::timestamptz)
		)`, args...)
	if err != nil {
		return fmt.Errorf("failed to create restriction: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create restriction: %w", err)
	}
	if n == 0 {
		return ErrAlreadyRestricted
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to create restriction: %w", err)
	}
	return nil
}

func (p *PostgresStore) Active(ctx context.Context, userID string, now time.Time) (*Restriction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+restrictionColumns+` FROM account_restrictions
		WHERE user_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY restricted_at DESC
		LIMIT 1`, userID, now)

	r, err := scanRestriction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveRestriction
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load restriction: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) LiftActive(ctx context.Context, lift Lift) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE account_restrictions SET
			is_active = FALSE, lifted_at = $1, lifted_by = $2,
			restriction_notes = $3, updated_at = $1
		WHERE user_id = $4 AND is_active`,
		lift.At, lift.LiftedBy, lift.Notes, lift.UserID)
	if err != nil {
		return 0, fmt.Errorf("failed to lift restriction: %w", err)
	}
	return result.RowsAffected()
}

func (p *PostgresStore) UpdateAppealIf(ctx context.Context, r *Restriction, expected AppealStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE account_restrictions SET
			appeal_status = $1, appeal_notes = $2, appeal_submitted_at = $3,
			appeal_reviewed_at = $4, appeal_reviewed_by = $5,
			is_active = $6, lifted_at = $7, lifted_by = $8,
			restriction_notes = $9, updated_at = $10
		WHERE id = $11 AND is_active AND appeal_status = $12`,
		string(r.AppealStatus), r.AppealNotes, r.AppealSubmittedAt,
		r.AppealReviewedAt, r.AppealReviewedBy,
		r.IsActive, r.LiftedAt, r.LiftedBy,
		r.Notes, r.UpdatedAt,
		r.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update appeal: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update appeal: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM account_restrictions WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check restriction: %w", err)
	}
	if !exists {
		return ErrNoActiveRestriction
	}
	return ErrConcurrentUpdate
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Restriction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+restrictionColumns+` FROM account_restrictions
		WHERE user_id = $1
		ORDER BY restricted_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list restrictions: %w", err)
	}
	defer rows.Close()

	var result []*Restriction
	for rows.Next() {
		r, err := scanRestriction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ExpireDue(ctx context.Context, now time.Time, limit int) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE account_restrictions SET
			is_active = FALSE, lifted_at = $1, lifted_by = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM account_restrictions
			WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1
			LIMIT $3
		)`, now, SystemActor, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to expire restrictions: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRestriction(sc scanner) (*Restriction, error) {
	r := &Restriction{}
	var (
		typ, appeal                                       string
		related, notes, appealNotes, reviewedBy, liftedBy sql.NullString
		submittedAt, reviewedAt, expiresAt, liftedAt      sql.NullTime
	)
	err := sc.Scan(
		&r.ID, &r.UserID, &typ, &r.Reason, &related,
		&r.RestrictedAt, &r.RestrictedBy, &notes,
		&appeal, &appealNotes, &submittedAt, &reviewedAt, &reviewedBy,
		&expiresAt, &r.IsActive, &liftedAt, &liftedBy, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Type = Type(typ)
	r.AppealStatus = AppealStatus(appeal)
	r.RelatedReportID = strPtr(related)
	r.Notes = strPtr(notes)
	r.AppealNotes = strPtr(appealNotes)
	r.AppealReviewedBy = strPtr(reviewedBy)
	r.LiftedBy = strPtr(liftedBy)
	r.AppealSubmittedAt = timePtr(submittedAt)
	r.AppealReviewedAt = timePtr(reviewedAt)
	r.ExpiresAt = timePtr(expiresAt)
	r.LiftedAt = timePtr(liftedAt)
	return r, nil
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	return &nt.Time
}

var _ Store = (*PostgresStore)(nil)
