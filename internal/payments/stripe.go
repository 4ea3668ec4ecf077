package payments

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/reuni/disputes/internal/apperr"
	"github.com/reuni/disputes/internal/circuitbreaker"
	"github.com/reuni/disputes/internal/retry"
)

const (
	refundBreakerKey   = "stripe.refund"
	transferBreakerKey = "stripe.transfer"
)

type refundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type transferAPI interface {
	New(params *stripe.TransferParams) (*stripe.Transfer, error)
}

// StripeProcessor implements Processor with Stripe refunds and Connect transfers.
type StripeProcessor struct {
	refunds   refundAPI
	transfers transferAPI
	currency  string
	breaker   *circuitbreaker.Breaker
	policy    retry.Policy
	logger    *slog.Logger
}

// NewStripeProcessor creates a Stripe-backed processor paying out in currency.
func NewStripeProcessor(secretKey, currency string, breaker *circuitbreaker.Breaker, logger *slog.Logger) *StripeProcessor {
	sc := client.New(secretKey, nil)
	return newStripeProcessor(sc.Refunds, sc.Transfers, currency, breaker, logger)
}

func newStripeProcessor(refunds refundAPI, transfers transferAPI, currency string, breaker *circuitbreaker.Breaker, logger *slog.Logger) *StripeProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeProcessor{
		refunds:   refunds,
		transfers: transfers,
		currency:  currency,
		breaker:   breaker,
		policy:    retry.DefaultPolicy,
		logger:    logger,
	}
}

// Refund refunds req.Amount of the payment intent to the buyer.
func (p *StripeProcessor) Refund(ctx context.Context, req RefundRequest) (string, error) {
	if req.PaymentIntentID == "" {
		return "", apperr.Validation("stripe_payment_intent_id", "is required")
	}
	if !req.Amount.IsPositive() {
		return "", apperr.Validation("amount", "must be greater than zero")
	}

	refund, err := retry.DoValue(ctx, p.policy, func(ctx context.Context) (*stripe.Refund, error) {
		params := &stripe.RefundParams{
			Params:        stripe.Params{Context: ctx},
			PaymentIntent: stripe.String(req.PaymentIntentID),
			Amount:        stripe.Int64(MinorUnits(req.Amount)),
			Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
		}
		params.SetIdempotencyKey(req.IdempotencyKey)
		for k, v := range req.Metadata {
			params.AddMetadata(k, v)
		}

		var out *stripe.Refund
		err := p.breaker.Execute(refundBreakerKey, func() error {
			var err error
			out, err = p.refunds.New(params)
			return err
		})
		return out, classify(err)
	})
	if err != nil {
		p.logError("stripe refund failed", err, "paymentIntent", req.PaymentIntentID)
		return "", apperr.Upstream("stripe refund", err)
	}

	p.logger.Info("stripe refund created",
		"refundId", refund.ID, "paymentIntent", req.PaymentIntentID, "amount", req.Amount.StringFixed(2))
	return refund.ID, nil
}

// Transfer sends req.Amount to the connected account req.Destination.
func (p *StripeProcessor) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if req.Destination == "" {
		return "", ErrNoConnectedAccount
	}
	if !req.Amount.IsPositive() {
		return "", apperr.Validation("amount", "must be greater than zero")
	}

	transfer, err := retry.DoValue(ctx, p.policy, func(ctx context.Context) (*stripe.Transfer, error) {
		params := &stripe.TransferParams{
			Params:      stripe.Params{Context: ctx},
			Amount:      stripe.Int64(MinorUnits(req.Amount)),
			Currency:    stripe.String(p.currency),
			Destination: stripe.String(req.Destination),
		}
		params.SetIdempotencyKey(req.IdempotencyKey)
		for k, v := range req.Metadata {
			params.AddMetadata(k, v)
		}

		var out *stripe.Transfer
		err := p.breaker.Execute(transferBreakerKey, func() error {
			var err error
			out, err = p.transfers.New(params)
			return err
		})
		return out, classify(err)
	})
	if err != nil {
		p.logError("stripe transfer failed", err, "destination", req.Destination)
		return "", apperr.Upstream("stripe transfer", err)
	}

	p.logger.Info("stripe transfer created",
		"transferId", transfer.ID, "destination", req.Destination, "amount", req.Amount.StringFixed(2))
	return transfer.ID, nil
}

// classify marks errors that a retry cannot fix as permanent: an open
// circuit and 4xx responses other than rate limiting.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return retry.Permanent(err)
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 {
			return err
		}
		return retry.Permanent(err)
	}
	return err
}

// IsProcessorFailure reports whether err should count against the circuit.
// Declines and invalid requests are the caller's problem, not Stripe's.
func IsProcessorFailure(err error) bool {
	if err == nil {
		return false
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500
	}
	return true
}

func (p *StripeProcessor) logError(msg string, err error, args ...any) {
	var se *stripe.Error
	if errors.As(err, &se) {
		args = append(args, "stripeCode", se.Code, "stripeType", se.Type, "status", se.HTTPStatusCode)
	}
	args = append(args, "error", err)
	p.logger.Error(msg, args...)
}

var _ Processor = (*StripeProcessor)(nil)
