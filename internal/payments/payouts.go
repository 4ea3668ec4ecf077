package payments

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/reuni/disputes/internal/escrow"
)

// SellerPayouts releases held funds to the seller's connected account.
// It satisfies escrow.Payouts.
type SellerPayouts struct {
	processor Processor
	accounts  Accounts
}

// NewSellerPayouts creates the payout adapter used by the auto-release timer.
func NewSellerPayouts(processor Processor, accounts Accounts) *SellerPayouts {
	return &SellerPayouts{processor: processor, accounts: accounts}
}

// ReleaseToSeller transfers e.SellerPayout. The idempotency key is derived
// from the escrow id so a sweep retried after a crash pays out once.
func (p *SellerPayouts) ReleaseToSeller(ctx context.Context, e *escrow.Escrow) (string, error) {
	destination, err := p.accounts.ConnectedAccount(ctx, e.SellerID)
	if err != nil {
		return "", err
	}
	return p.processor.Transfer(ctx, TransferRequest{
		Destination:    destination,
		Amount:         e.SellerPayout,
		IdempotencyKey: "escrow-release-" + e.ID,
		Metadata: map[string]string{
			"escrow_id":      e.ID,
			"transaction_id": e.TransactionID,
			"ticket_id":      e.TicketID,
		},
	})
}

// RefundRequestFor builds the refund for an escrow. The key and metadata
// depend only on the escrow, so the admin escrow endpoint and the report
// workflow send identical requests and the processor refunds the buyer once.
func RefundRequestFor(e *escrow.Escrow, amount decimal.Decimal) RefundRequest {
	return RefundRequest{
		PaymentIntentID: e.StripePaymentIntentID,
		Amount:          amount,
		IdempotencyKey:  "escrow-refund-" + e.ID,
		Metadata: map[string]string{
			"escrow_id":      e.ID,
			"transaction_id": e.TransactionID,
		},
	}
}

// BuyerRefunds refunds held funds to the buyer. It satisfies escrow.Refunds.
type BuyerRefunds struct {
	processor Processor
}

// NewBuyerRefunds creates the refund adapter used by the admin escrow routes.
func NewBuyerRefunds(processor Processor) *BuyerRefunds {
	return &BuyerRefunds{processor: processor}
}

func (b *BuyerRefunds) RefundBuyer(ctx context.Context, e *escrow.Escrow, amount decimal.Decimal) (string, error) {
	return b.processor.Refund(ctx, RefundRequestFor(e, amount))
}

var (
	_ escrow.Payouts = (*SellerPayouts)(nil)
	_ escrow.Refunds = (*BuyerRefunds)(nil)
)
