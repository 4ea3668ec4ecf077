// Package escrow holds buyer funds for every ticket sale until the sale is
// either paid out to the seller or refunded to the buyer.
//
// Lifecycle:
//  1. Checkout captures payment and creates a hold (holding, auto-release on)
//  2. A buyer report moves the hold to disputed and disables auto-release
//  3. An admin releases or refunds; undisputed holds auto-release to the
//     seller once hold_until has passed
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reuni/disputes/internal/apperr"
	"github.com/reuni/disputes/internal/idgen"
	"github.com/reuni/disputes/internal/metrics"
	"github.com/reuni/disputes/internal/pagination"
	"github.com/reuni/disputes/internal/validation"
)

var (
	ErrEscrowNotFound       = fmt.Errorf("escrow %w", apperr.ErrNotFound)
	ErrInvalidStatus        = fmt.Errorf("%w: escrow status does not allow this operation", apperr.ErrInvalidState)
	ErrNotEligible          = fmt.Errorf("%w: escrow is not eligible for auto-release", apperr.ErrInvalidState)
	ErrConcurrentUpdate     = fmt.Errorf("%w: escrow was modified concurrently", apperr.ErrConflict)
	ErrDuplicateTransaction = fmt.Errorf("%w: an escrow already exists for this transaction", apperr.ErrConflict)
	ErrAmountMismatch       = fmt.Errorf("%w: seller_payout plus platform_fee must equal buyer_paid", apperr.ErrValidation)
	ErrInvalidAmount        = fmt.Errorf("%w: refund amount exceeds amount held", apperr.ErrValidation)
)

// Status represents the state of an escrow hold.
type Status string

const (
	StatusHolding          Status = "holding"
	StatusDisputed         Status = "disputed"
	StatusReleasedToSeller Status = "released_to_seller"
	StatusRefundedToBuyer  Status = "refunded_to_buyer"
)

var transitions = map[Status][]Status{
	StatusHolding:  {StatusDisputed, StatusReleasedToSeller, StatusRefundedToBuyer},
	StatusDisputed: {StatusReleasedToSeller, StatusRefundedToBuyer},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusHolding, StatusDisputed, StatusReleasedToSeller, StatusRefundedToBuyer:
		return true
	}
	return false
}

// IsTerminal returns true if no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusReleasedToSeller || s == StatusRefundedToBuyer
}

// CanTransitionTo reports whether the state machine allows s -> to.
func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// DefaultHoldDays is how long funds are held before auto-release.
const DefaultHoldDays = 7

// SystemActor is recorded in processed_by for scheduler-driven releases.
const SystemActor = "system"

// Escrow is one row of escrow_transactions.
type Escrow struct {
	ID                    string              `json:"id"`
	TransactionID         string              `json:"transaction_id"`
	TicketID              string              `json:"ticket_id"`
	BuyerID               string              `json:"buyer_id"`
	SellerID              string              `json:"seller_id"`
	StripePaymentIntentID string              `json:"stripe_payment_intent_id"`
	StripeTransferID      string              `json:"stripe_transfer_id,omitempty"`
	AmountHeld            decimal.Decimal     `json:"amount_held"`
	SellerPayout          decimal.Decimal     `json:"seller_payout"`
	PlatformFee           decimal.Decimal     `json:"platform_fee"`
	BuyerPaid             decimal.Decimal     `json:"buyer_paid"`
	Status                Status              `json:"status"`
	HoldUntil             time.Time           `json:"hold_until"`
	AutoRelease           bool                `json:"auto_release"`
	ReleasedAt            *time.Time          `json:"released_at,omitempty"`
	RefundedAt            *time.Time          `json:"refunded_at,omitempty"`
	RefundAmount          decimal.NullDecimal `json:"refund_amount"`
	RefundReason          string              `json:"refund_reason,omitempty"`
	ProcessedBy           string              `json:"processed_by,omitempty"`
	AdminNotes            string              `json:"admin_notes,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

// AutoReleaseEligible reports whether the scheduler may release e at now.
func (e *Escrow) AutoReleaseEligible(now time.Time) bool {
	return e.Status == StatusHolding && e.AutoRelease && !now.Before(e.HoldUntil)
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status Status
	UserID string // buyer or seller
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByTransaction(ctx context.Context, transactionID string) (*Escrow, error)
	// UpdateIf writes e only while the stored row still has status expected.
	// Zero matching rows yields ErrEscrowNotFound or ErrConcurrentUpdate.
	UpdateIf(ctx context.Context, e *Escrow, expected Status) error
	// List returns up to limit rows newest first, strictly after the cursor.
	List(ctx context.Context, filter ListFilter, after *pagination.Cursor, limit int) ([]*Escrow, error)
	ListReleasable(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
	// ClaimAutoRelease writes e only while the stored row is still holding
	// with auto_release set.
	ClaimAutoRelease(ctx context.Context, e *Escrow) error
	// ListUnpaidReleases returns scheduler releases that have no transfer id
	// recorded yet, oldest first.
	ListUnpaidReleases(ctx context.Context, limit int) ([]*Escrow, error)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	TransactionID         string          `json:"transaction_id"`
	TicketID              string          `json:"ticket_id"`
	BuyerID               string          `json:"buyer_id"`
	SellerID              string          `json:"seller_id"`
	StripePaymentIntentID string          `json:"stripe_payment_intent_id"`
	BuyerPaid             decimal.Decimal `json:"buyer_paid"`
	SellerPayout          decimal.Decimal `json:"seller_payout"`
	PlatformFee           decimal.Decimal `json:"platform_fee"`
	HoldDays              int             `json:"hold_days"` // 0 means DefaultHoldDays
}

// Page is one page of List results.
type Page struct {
	Escrows    []*Escrow `json:"escrows"`
	NextCursor string    `json:"next_cursor,omitempty"`
	HasMore    bool      `json:"has_more"`
}

// Service implements escrow business logic.
type Service struct {
	store    Store
	holdDays int
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store) *Service {
	return &Service{
		store:    store,
		holdDays: DefaultHoldDays,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// WithHoldDays overrides the default hold period for new escrows.
func (s *Service) WithHoldDays(days int) *Service {
	if days > 0 {
		s.holdDays = days
	}
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock replaces time.Now, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens a hold for a captured sale.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if err := validation.Check(
		validation.Required("transaction_id", req.TransactionID),
		validation.Required("ticket_id", req.TicketID),
		validation.Required("buyer_id", req.BuyerID),
		validation.Required("seller_id", req.SellerID),
		validation.Required("stripe_payment_intent_id", req.StripePaymentIntentID),
		validation.Distinct("seller_id", req.BuyerID, req.SellerID),
		validation.Positive("buyer_paid", req.BuyerPaid),
		validation.NonNegative("seller_payout", req.SellerPayout),
		validation.NonNegative("platform_fee", req.PlatformFee),
		validation.MaxDecimalPlaces("buyer_paid", req.BuyerPaid, 2),
		validation.MaxDecimalPlaces("seller_payout", req.SellerPayout, 2),
		validation.MaxDecimalPlaces("platform_fee", req.PlatformFee, 2),
	); err != nil {
		return nil, err
	}
	if req.HoldDays < 0 {
		return nil, apperr.Validation("hold_days", "must not be negative")
	}
	if !req.SellerPayout.Add(req.PlatformFee).Equal(req.BuyerPaid) {
		return nil, ErrAmountMismatch
	}

	holdDays := req.HoldDays
	if holdDays == 0 {
		holdDays = s.holdDays
	}

	now := s.now()
	e := &Escrow{
		ID:                    idgen.New(),
		TransactionID:         idgen.Normalize(req.TransactionID),
		TicketID:              idgen.Normalize(req.TicketID),
		BuyerID:               idgen.Normalize(req.BuyerID),
		SellerID:              idgen.Normalize(req.SellerID),
		StripePaymentIntentID: req.StripePaymentIntentID,
		AmountHeld:            req.BuyerPaid,
		SellerPayout:          req.SellerPayout,
		PlatformFee:           req.PlatformFee,
		BuyerPaid:             req.BuyerPaid,
		Status:                StatusHolding,
		HoldUntil:             now.AddDate(0, 0, holdDays),
		AutoRelease:           true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}
	metrics.EscrowCreatedTotal.Inc()
	s.logger.Info("escrow created",
		"escrowId", e.ID,
		"transactionId", e.TransactionID,
		"amountHeld", e.AmountHeld.StringFixed(2),
		"holdUntil", e.HoldUntil,
	)
	return e, nil
}

// MarkDisputed freezes the hold for a reported sale. Already-disputed
// escrows are returned unchanged.
func (s *Service) MarkDisputed(ctx context.Context, transactionID string) (*Escrow, error) {
	transactionID = idgen.Normalize(transactionID)
	if transactionID == "" {
		return nil, apperr.Validation("transaction_id", "is required")
	}

	e, err := s.store.GetByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if e.Status == StatusDisputed {
		return e, nil
	}

	return s.transition(ctx, e, StatusDisputed, func(next *Escrow) {
		next.AutoRelease = false
	})
}

// Release pays the hold out to the seller. payoutRef is the transfer id;
// an empty processedBy leaves processed_by unset.
func (s *Service) Release(ctx context.Context, escrowID, payoutRef, processedBy string) (*Escrow, error) {
	if err := validation.Check(validation.Required("payout_ref", payoutRef)); err != nil {
		return nil, err
	}

	e, err := s.store.Get(ctx, idgen.Normalize(escrowID))
	if err != nil {
		return nil, err
	}

	return s.transition(ctx, e, StatusReleasedToSeller, func(next *Escrow) {
		now := s.now()
		next.StripeTransferID = payoutRef
		next.ReleasedAt = &now
		next.ProcessedBy = idgen.Normalize(processedBy)
		next.AutoRelease = false
	})
}

// Refunds moves a held amount back to the buyer and returns the refund id.
type Refunds interface {
	RefundBuyer(ctx context.Context, e *Escrow, amount decimal.Decimal) (refundID string, err error)
}

// Refund records that amount of the hold was returned to the buyer. It
// moves no money; callers that have not refunded through the processor
// themselves use RefundBuyer.
func (s *Service) Refund(ctx context.Context, escrowID string, amount decimal.Decimal, reason, processedBy string) (*Escrow, error) {
	e, err := s.refundable(ctx, escrowID, amount, reason, processedBy)
	if err != nil {
		return nil, err
	}
	return s.recordRefund(ctx, e, amount, reason, processedBy)
}

// RefundBuyer refunds the buyer through refunds and then records the refund
// on the ledger. A ledger write that fails after the processor refund is
// safe to retry: the processor sees the same idempotency key again.
func (s *Service) RefundBuyer(ctx context.Context, refunds Refunds, escrowID string, amount decimal.Decimal, reason, processedBy string) (*Escrow, string, error) {
	e, err := s.refundable(ctx, escrowID, amount, reason, processedBy)
	if err != nil {
		return nil, "", err
	}
	refundID, err := refunds.RefundBuyer(ctx, e, amount)
	if err != nil {
		return nil, "", err
	}
	refunded, err := s.recordRefund(ctx, e, amount, reason, processedBy)
	if err != nil {
		s.logger.Error("processor refunded but ledger write failed",
			"escrowId", e.ID, "refundId", refundID, "error", err)
		return nil, refundID, err
	}
	return refunded, refundID, nil
}

func (s *Service) refundable(ctx context.Context, escrowID string, amount decimal.Decimal, reason, processedBy string) (*Escrow, error) {
	if err := validation.Check(
		validation.Positive("amount", amount),
		validation.MaxDecimalPlaces("amount", amount, 2),
		validation.Required("reason", reason),
		validation.Required("processed_by", processedBy),
	); err != nil {
		return nil, err
	}

	e, err := s.store.Get(ctx, idgen.Normalize(escrowID))
	if err != nil {
		return nil, err
	}
	if e.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, e.Status)
	}
	if amount.GreaterThan(e.AmountHeld) {
		return nil, ErrInvalidAmount
	}
	return e, nil
}

func (s *Service) recordRefund(ctx context.Context, e *Escrow, amount decimal.Decimal, reason, processedBy string) (*Escrow, error) {
	return s.transition(ctx, e, StatusRefundedToBuyer, func(next *Escrow) {
		now := s.now()
		next.RefundedAt = &now
		next.RefundAmount = decimal.NewNullDecimal(amount)
		next.RefundReason = reason
		next.ProcessedBy = idgen.Normalize(processedBy)
		next.AutoRelease = false
	})
}

// AutoRelease releases an undisputed hold whose hold period has passed,
// recording a transfer that has already been made.
func (s *Service) AutoRelease(ctx context.Context, escrowID, payoutRef string) (*Escrow, error) {
	if payoutRef == "" {
		return nil, apperr.Validation("payout_ref", "is required")
	}
	return s.claim(ctx, escrowID, payoutRef)
}

// ClaimAutoRelease marks an eligible hold released_to_seller before any
// money moves. A dispute or refund that lands first makes the claim fail
// with ErrNotEligible or ErrConcurrentUpdate, and no transfer may follow.
func (s *Service) ClaimAutoRelease(ctx context.Context, escrowID string) (*Escrow, error) {
	return s.claim(ctx, escrowID, "")
}

func (s *Service) claim(ctx context.Context, escrowID, payoutRef string) (*Escrow, error) {
	e, err := s.store.Get(ctx, idgen.Normalize(escrowID))
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !e.AutoReleaseEligible(now) {
		return nil, ErrNotEligible
	}

	next := *e
	next.Status = StatusReleasedToSeller
	next.StripeTransferID = payoutRef
	next.ReleasedAt = &now
	next.ProcessedBy = SystemActor
	next.UpdatedAt = now

	if err := s.store.ClaimAutoRelease(ctx, &next); err != nil {
		if errors.Is(err, ErrConcurrentUpdate) {
			metrics.ConflictsTotal.WithLabelValues("escrow").Inc()
		}
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusReleasedToSeller)).Inc()
	metrics.EscrowHoldDuration.Observe(next.UpdatedAt.Sub(next.CreatedAt).Seconds())
	metrics.EscrowAutoReleasedTotal.Inc()
	s.logger.Info("escrow transitioned",
		"escrowId", next.ID,
		"from", e.Status,
		"to", next.Status,
		"processedBy", next.ProcessedBy,
	)
	return &next, nil
}

// RecordPayout stores the transfer id of a claimed auto-release. Recording
// the same id again is a no-op.
func (s *Service) RecordPayout(ctx context.Context, escrowID, transferID string) (*Escrow, error) {
	if transferID == "" {
		return nil, apperr.Validation("payout_ref", "is required")
	}
	e, err := s.store.Get(ctx, idgen.Normalize(escrowID))
	if err != nil {
		return nil, err
	}
	if e.Status != StatusReleasedToSeller {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, e.Status)
	}
	if e.StripeTransferID == transferID {
		return e, nil
	}
	if e.StripeTransferID != "" {
		return nil, fmt.Errorf("%w: escrow already records transfer %s", ErrInvalidStatus, e.StripeTransferID)
	}

	next := *e
	next.StripeTransferID = transferID
	next.UpdatedAt = s.now()
	if err := s.store.UpdateIf(ctx, &next, StatusReleasedToSeller); err != nil {
		return nil, err
	}
	return &next, nil
}

// ListUnpaidReleases returns claimed auto-releases still waiting for their
// transfer.
func (s *Service) ListUnpaidReleases(ctx context.Context, limit int) ([]*Escrow, error) {
	return s.store.ListUnpaidReleases(ctx, limit)
}

// Get returns an escrow by id.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, idgen.Normalize(id))
}

// GetByTransaction returns the escrow created for a sale.
func (s *Service) GetByTransaction(ctx context.Context, transactionID string) (*Escrow, error) {
	return s.store.GetByTransaction(ctx, idgen.Normalize(transactionID))
}

// List returns one page of escrows, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter, cursor string, limit int) (*Page, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.Validation("status", "is not a known escrow status")
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	limit = pagination.ClampLimit(limit)
	filter.UserID = idgen.Normalize(filter.UserID)

	rows, err := s.store.List(ctx, filter, after, limit+1)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(rows, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if items == nil {
		items = []*Escrow{}
	}
	return &Page{Escrows: items, NextCursor: next, HasMore: more}, nil
}

// ListReleasable returns escrows the scheduler may release at now.
func (s *Service) ListReleasable(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	return s.store.ListReleasable(ctx, now, limit)
}

// transition applies mutate to a copy of e and writes it conditionally on
// e's current status.
func (s *Service) transition(ctx context.Context, e *Escrow, to Status, mutate func(*Escrow)) (*Escrow, error) {
	if !e.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidStatus, e.Status, to)
	}

	from := e.Status
	next := *e
	mutate(&next)
	next.Status = to
	next.UpdatedAt = s.now()

	if err := s.store.UpdateIf(ctx, &next, from); err != nil {
		if errors.Is(err, ErrConcurrentUpdate) {
			metrics.ConflictsTotal.WithLabelValues("escrow").Inc()
		}
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(to)).Inc()
	if to.IsTerminal() {
		metrics.EscrowHoldDuration.Observe(next.UpdatedAt.Sub(next.CreatedAt).Seconds())
	}
	s.logger.Info("escrow transitioned",
		"escrowId", next.ID,
		"from", from,
		"to", to,
		"processedBy", next.ProcessedBy,
	)
	return &next, nil
}
