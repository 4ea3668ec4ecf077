// Package payments moves money through the payment processor: refunds to
// buyers and transfers of seller payouts to connected accounts.
package payments

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/reuni/disputes/internal/apperr"
)

// ErrNoConnectedAccount means the seller has not finished payout onboarding.
var ErrNoConnectedAccount = fmt.Errorf("%w: seller has no completed payout account", apperr.ErrInvalidState)

// RefundRequest refunds part or all of a captured charge.
type RefundRequest struct {
	PaymentIntentID string
	Amount          decimal.Decimal
	IdempotencyKey  string
	Metadata        map[string]string
}

// TransferRequest pays amount out to a connected account.
type TransferRequest struct {
	Destination    string
	Amount         decimal.Decimal
	IdempotencyKey string
	Metadata       map[string]string
}

// Processor is the payment processor used by the resolution workflow and
// the escrow scheduler. Calls with the same idempotency key move money once.
type Processor interface {
	Refund(ctx context.Context, req RefundRequest) (refundID string, err error)
	Transfer(ctx context.Context, req TransferRequest) (transferID string, err error)
}

// MinorUnits converts a two-decimal currency amount to pence/cents.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// RecordOnly is the Processor used when no processor key is configured.
// It moves no money and returns references derived from the idempotency
// key so the ledger still records a deterministic payout reference.
type RecordOnly struct {
	logger *slog.Logger
}

// NewRecordOnly creates a record-only processor.
func NewRecordOnly(logger *slog.Logger) *RecordOnly {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordOnly{logger: logger}
}

func (r *RecordOnly) Refund(_ context.Context, req RefundRequest) (string, error) {
	r.logger.Warn("payment processor disabled, refund recorded only",
		"paymentIntent", req.PaymentIntentID, "amount", req.Amount.StringFixed(2))
	return "manual_" + req.IdempotencyKey, nil
}

func (r *RecordOnly) Transfer(_ context.Context, req TransferRequest) (string, error) {
	r.logger.Warn("payment processor disabled, transfer recorded only",
		"destination", req.Destination, "amount", req.Amount.StringFixed(2))
	return "manual_" + req.IdempotencyKey, nil
}

var _ Processor = (*RecordOnly)(nil)
