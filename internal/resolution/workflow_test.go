package resolution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reuni/disputes/internal/apperr"
	"github.com/reuni/disputes/internal/escrow"
	"github.com/reuni/disputes/internal/evidence"
	"github.com/reuni/disputes/internal/notify"
	"github.com/reuni/disputes/internal/payments"
	"github.com/reuni/disputes/internal/report"
	"github.com/reuni/disputes/internal/restriction"
)

var testNow = time.Date(2026, 6, 3, 10, 0, 0, 0, time.UTC)

// fakeProcessor refunds once per idempotency key, as Stripe does.
type fakeProcessor struct {
	mu      sync.Mutex
	refunds []payments.RefundRequest
	calls   int
	err     error
}

func (f *fakeProcessor) Refund(_ context.Context, req payments.RefundRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	for _, prev := range f.refunds {
		if prev.IdempotencyKey == req.IdempotencyKey {
			return "re_" + req.IdempotencyKey, nil
		}
	}
	f.refunds = append(f.refunds, req)
	return "re_" + req.IdempotencyKey, nil
}

func (f *fakeProcessor) Transfer(context.Context, payments.TransferRequest) (string, error) {
	return "tr_1", nil
}

// flakyLedger fails the next Refund call when failNext is set.
type flakyLedger struct {
	*escrow.Service
	failNext bool
}

func (l *flakyLedger) Refund(ctx context.Context, id string, amount decimal.Decimal, reason, by string) (*escrow.Escrow, error) {
	if l.failNext {
		l.failNext = false
		return nil, errors.New("connection reset by peer")
	}
	return l.Service.Refund(ctx, id, amount, reason, by)
}

// flakyReports fails the next UpdateIf call when failNext is set.
type flakyReports struct {
	report.Store
	failNext bool
}

func (s *flakyReports) UpdateIf(ctx context.Context, r *report.Report, expected report.Status) error {
	if s.failNext {
		s.failNext = false
		return errors.New("statement timeout")
	}
	return s.Store.UpdateIf(ctx, r, expected)
}

type fixture struct {
	workflow     *Workflow
	intake       *report.Intake
	reports      *flakyReports
	escrows      *escrow.Service
	ledger       *flakyLedger
	restrictions *restriction.Service
	processor    *fakeProcessor
	sink         *notify.MemorySink
}

func newFixture() *fixture {
	clock := func() time.Time { return testNow }
	f := &fixture{
		reports:   &flakyReports{Store: report.NewMemoryStore()},
		escrows:   escrow.NewService(escrow.NewMemoryStore()).WithClock(clock),
		processor: &fakeProcessor{},
		sink:      notify.NewMemorySink(),
	}
	f.ledger = &flakyLedger{Service: f.escrows}
	f.restrictions = restriction.NewService(restriction.NewMemoryStore(), f.sink).WithClock(clock)
	f.intake = report.NewIntake(f.reports, evidence.NewMemoryUploader("https://cdn"), f.sink,
		notify.NewMemoryDirectory("admin-1"), f.escrows).WithClock(clock)
	f.workflow = NewWorkflow(f.reports, f.ledger, f.restrictions, f.processor, f.sink).WithClock(clock)
	return f
}

// scenarioA creates the held sale and the buyer's report against it.
func (f *fixture) scenarioA(t *testing.T) *report.Report {
	t.Helper()
	ctx := context.Background()
	_, err := f.escrows.Create(ctx, escrow.CreateRequest{
		TransactionID:         "TX1",
		TicketID:              "T1",
		BuyerID:               "B1",
		SellerID:              "S1",
		StripePaymentIntentID: "ch_1",
		BuyerPaid:             decimal.NewFromInt(50),
		SellerPayout:          decimal.NewFromInt(45),
		PlatformFee:           decimal.NewFromInt(5),
		HoldDays:              7,
	})
	require.NoError(t, err)

	r, err := f.intake.Submit(ctx, report.SubmitRequest{
		TicketID:      "T1",
		BuyerID:       "B1",
		SellerID:      "S1",
		TransactionID: "TX1",
		Type:          report.TypeUsedTicket,
		Title:         "Ticket Already Used",
		Description:   "Scanner said already used",
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) report(t *testing.T, id string) *report.Report {
	t.Helper()
	r, err := f.reports.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

// Scenario B followed by Scenario D.
func TestApproveRefund_RefundsEscrowAndResolves(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.scenarioA(t)

	out, err := f.workflow.ApproveRefund(ctx, ApproveRefundRequest{
		ReportID:   r.ID,
		AdminID:    "Admin-1",
		Resolution: "verified duplicate scan",
	})
	require.NoError(t, err)

	require.NotNil(t, out.Escrow)
	assert.Equal(t, escrow.StatusRefundedToBuyer, out.Escrow.Status)
	require.True(t, out.Escrow.RefundAmount.Valid)
	assert.True(t, out.Escrow.RefundAmount.Decimal.Equal(decimal.NewFromInt(50)))
	assert.NotNil(t, out.Escrow.RefundedAt)
	assert.Nil(t, out.Escrow.ReleasedAt)
	assert.Equal(t, "admin-1", out.Escrow.ProcessedBy)

	assert.Equal(t, report.StatusResolvedRefund, out.Report.Status)
	require.NotNil(t, out.Report.ResolvedAt)
	assert.Equal(t, "verified duplicate scan", *out.Report.Resolution)

	require.Len(t, f.processor.refunds, 1)
	sent := f.processor.refunds[0]
	assert.Equal(t, "ch_1", sent.PaymentIntentID)
	assert.True(t, sent.Amount.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "escrow-refund-"+out.Escrow.ID, sent.IdempotencyKey)
	assert.Equal(t, out.Escrow.ID, sent.Metadata["escrow_id"])
	assert.Equal(t, "re_"+sent.IdempotencyKey, out.RefundID)

	buyer := f.sink.ForUser("b1")
	require.Len(t, buyer, 1)
	assert.Contains(t, buyer[0].Message, "£50.00")
	assert.Len(t, f.sink.ForUser("s1"), 1)

	// Scenario D: a second refund is rejected and changes nothing.
	before := *out.Escrow
	_, err = f.escrows.Refund(ctx, out.Escrow.ID, decimal.NewFromInt(50), "again", "admin-1")
	assert.ErrorIs(t, err, escrow.ErrInvalidStatus)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	after, err := f.escrows.Get(ctx, out.Escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.RefundedAt, after.RefundedAt)
	assert.True(t, before.RefundAmount.Decimal.Equal(after.RefundAmount.Decimal))
	assert.Equal(t, before.RefundReason, after.RefundReason)

	// The resolved report cannot be refunded again.
	_, err = f.workflow.ApproveRefund(ctx, ApproveRefundRequest{ReportID: r.ID, AdminID: "admin-1"})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Len(t, f.processor.refunds, 1)
}

func TestApproveRefund_PartialAmount(t *testing.T) {
	f := newFixture()
	r := f.scenarioA(t)

	out, err := f.workflow.ApproveRefund(context.Background(), ApproveRefundRequest{
		ReportID: r.ID,
		AdminID:  "admin-1",
		Amount:   decimal.NewNullDecimal(decimal.RequireFromString("20.50")),
	})
	require.NoError(t, err)
	assert.True(t, out.Escrow.RefundAmount.Decimal.Equal(decimal.RequireFromString("20.50")))
	assert.Equal(t, "Refund approved for report "+r.ID, out.Escrow.RefundReason)
}

func TestApproveRefund_AmountAboveHeldRejectedBeforeMoneyMoves(t *testing.T) {
	f := newFixture()
	r := f.scenarioA(t)

	_, err := f.workflow.ApproveRefund(context.Background(), ApproveRefundRequest{
		ReportID: r.ID,
		AdminID:  "admin-1",
		Amount:   decimal.NewNullDecimal(decimal.NewFromInt(51)),
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Empty(t, f.processor.refunds)
	assert.Equal(t, report.StatusPending, f.report(t, r.ID).Status)
}

func TestApproveRefund_ReleasedEscrowNotRefunded(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.scenarioA(t)

	e, err := f.escrows.GetByTransaction(ctx, "TX1")
	require.NoError(t, err)
	_, err = f.escrows.Release(ctx, e.ID, "tr_1", "admin-2")
	require.NoError(t, err)

	_, err = f.workflow.ApproveRefund(ctx, ApproveRefundRequest{ReportID: r.ID, AdminID: "admin-1"})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Empty(t, f.processor.refunds)
}

func TestApproveRefund_NoTransactionSkipsMoney(t *testing.T) {
	f := newFixture()
	r, err := f.intake.Submit(context.Background(), report.SubmitRequest{
		TicketID: "T9", BuyerID: "B1", SellerID: "S1",
		Type: report.TypeNoTicket, Title: "Never arrived", Description: "Nothing in my inbox",
	})
	require.NoError(t, err)

	out, err := f.workflow.ApproveRefund(context.Background(), ApproveRefundRequest{ReportID: r.ID, AdminID: "admin-1"})
	require.NoError(t, err)
	assert.Nil(t, out.Escrow)
	assert.Equal(t, report.StatusResolvedRefund, out.Report.Status)
	assert.Empty(t, f.processor.refunds)
}

func TestApproveRefund_ProcessorFailureLeavesEverythingUntouched(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.scenarioA(t)
	f.processor.err = apperr.Upstream("stripe refund", errors.New("503"))

	_, err := f.workflow.ApproveRefund(ctx, ApproveRefundRequest{ReportID: r.ID, AdminID: "admin-1"})
	assert.ErrorIs(t, err, apperr.ErrUpstream)

	e, _ := f.escrows.GetByTransaction(ctx, "TX1")
	assert.Equal(t, escrow.StatusDisputed, e.Status)
	assert.Equal(t, report.StatusPending, f.report(t, r.ID).Status)
}

func TestApproveRefund_ResumesAfterLedgerFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.scenarioA(t)

	f.ledger.failNext = true
	_, err := f.workflow.ApproveRefund(ctx, ApproveRefundRequest{ReportID: r.ID, AdminID: "admin-1"})
	require.Error(t, err)
	require.Len(t, f.processor.refunds, 1, "processor refund happened")

	e, _ := f.escrows.GetByTransaction(ctx, "TX1")
	assert.Equal(t, escrow.StatusDisputed, e.Status)

	out, err := f.workflow.ApproveRefund(ctx, ApproveRefundRequest{ReportID: r.ID, AdminID: "admin-1"})
	require.NoError(t, err)
	assert.Len(t, f.processor.refunds, 1, "retry does not refund twice")
	assert.Equal(t, escrow.StatusRefundedToBuyer, out.Escrow.Status)
	assert.Equal(t, report.StatusResolvedRefund, out.Report.Status)
}

func TestApproveRefund_ResumesAfterStatusFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.scenarioA(t)

	f.reports.failNext = true
	_, err := f.workflow.ApproveRefund(ctx, ApproveRefundRequest{ReportID: r.ID, AdminID: "admin-1"})
	require.Error(t, err)

	e, _ := f.escrows.GetByTransaction(ctx, "TX1")
	assert.Equal(t, escrow.StatusRefundedToBuyer, e.Status, "refund is not rolled back")
	assert.Equal(t, report.StatusPending, f.report(t, r.ID).Status)

	// A fresh journal still resumes: the escrow itself shows the refund.
	f.workflow.WithJournal(NewMemoryJournal())
	out, err := f.workflow.ApproveRefund(ctx, ApproveRefundRequest{ReportID: r.ID, AdminID: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, report.StatusResolvedRefund, out.Report.Status)
	assert.Len(t, f.processor.refunds, 1)
}

func TestApproveRefund_LedgerOnlyRefundStillPaysBuyer(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.scenarioA(t)

	e, err := f.escrows.GetByTransaction(ctx, "TX1")
	require.NoError(t, err)
	_, err = f.escrows.Refund(ctx, e.ID, decimal.NewFromInt(30), "refunded out of band", "admin-2")
	require.NoError(t, err)
	require.Empty(t, f.processor.refunds)

	out, err := f.workflow.ApproveRefund(ctx, ApproveRefundRequest{ReportID: r.ID, AdminID: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, report.StatusResolvedRefund, out.Report.Status)

	require.Len(t, f.processor.refunds, 1)
	sent := f.processor.refunds[0]
	assert.Equal(t, "escrow-refund-"+e.ID, sent.IdempotencyKey)
	assert.True(t, sent.Amount.Equal(decimal.NewFromInt(30)), "the recorded amount is refunded")
	assert.Equal(t, "re_"+sent.IdempotencyKey, out.RefundID)
}

func TestApproveRefund_AfterAdminEscrowRefundPaysOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.scenarioA(t)

	e, err := f.escrows.GetByTransaction(ctx, "TX1")
	require.NoError(t, err)
	_, refundID, err := f.escrows.RefundBuyer(ctx, payments.NewBuyerRefunds(f.processor), e.ID, decimal.NewFromInt(50), "fake ticket", "admin-2")
	require.NoError(t, err)

	out, err := f.workflow.ApproveRefund(ctx, ApproveRefundRequest{ReportID: r.ID, AdminID: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, refundID, out.RefundID)
	assert.Equal(t, 2, f.processor.calls)
	assert.Len(t, f.processor.refunds, 1, "the shared key refunds the buyer once")
}

func TestApproveRefund_LedgerOnlyRefundProcessorFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.scenarioA(t)

	e, err := f.escrows.GetByTransaction(ctx, "TX1")
	require.NoError(t, err)
	_, err = f.escrows.Refund(ctx, e.ID, decimal.NewFromInt(50), "refunded out of band", "admin-2")
	require.NoError(t, err)

	f.processor.err = apperr.Upstream("stripe refund", errors.New("timeout"))
	_, err = f.workflow.ApproveRefund(ctx, ApproveRefundRequest{ReportID: r.ID, AdminID: "admin-1"})
	assert.ErrorIs(t, err, apperr.ErrUpstream)
	assert.Equal(t, report.StatusPending, f.report(t, r.ID).Status, "not resolved until the buyer is paid")
}

// Scenario C.
func TestRestrictSeller(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.scenarioA(t)

	out, err := f.workflow.RestrictSeller(ctx, RestrictSellerRequest{
		ReportID: r.ID,
		AdminID:  "admin-1",
		Reason:   "Sold a used ticket",
	})
	require.NoError(t, err)

	assert.Equal(t, restriction.TypeSellingDisabled, out.Restriction.Type)
	assert.True(t, out.Restriction.IsActive)
	require.NotNil(t, out.Restriction.RelatedReportID)
	assert.Equal(t, r.ID, *out.Restriction.RelatedReportID)

	restricted, typ, err := f.restrictions.IsRestricted(ctx, "S1")
	require.NoError(t, err)
	assert.True(t, restricted)
	assert.Equal(t, restriction.TypeSellingDisabled, typ)

	assert.Equal(t, report.StatusResolvedRefund, out.Report.Status)
	require.NotNil(t, out.Report.Resolution)
	assert.True(t, strings.HasPrefix(*out.Report.Resolution, "Seller account restricted: "))
	assert.Equal(t, "Seller account restricted: Sold a used ticket", *out.Report.Resolution)
	assert.Equal(t, "Account restriction applied", *out.Report.AdminNotes)
	assert.NotNil(t, out.Report.ResolvedAt)

	e, _ := f.escrows.GetByTransaction(ctx, "TX1")
	assert.Equal(t, escrow.StatusDisputed, e.Status, "restricting moves no money")
}

func TestRestrictSeller_DistinctStatus(t *testing.T) {
	f := newFixture()
	f.workflow.WithStatusMode(StatusModeDistinct)
	r := f.scenarioA(t)

	out, err := f.workflow.RestrictSeller(context.Background(), RestrictSellerRequest{
		ReportID: r.ID, AdminID: "admin-1", Reason: "Fraud",
	})
	require.NoError(t, err)
	assert.Equal(t, report.StatusResolvedRestricted, out.Report.Status)
}

func TestRestrictSeller_ResumesAfterStatusFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.scenarioA(t)

	f.reports.failNext = true
	_, err := f.workflow.RestrictSeller(ctx, RestrictSellerRequest{ReportID: r.ID, AdminID: "admin-1", Reason: "Fraud"})
	require.Error(t, err)

	// Without the journal the existing restriction for this report is found.
	f.workflow.WithJournal(NewMemoryJournal())
	out, err := f.workflow.RestrictSeller(ctx, RestrictSellerRequest{ReportID: r.ID, AdminID: "admin-1", Reason: "Fraud"})
	require.NoError(t, err)
	assert.Equal(t, report.StatusResolvedRefund, out.Report.Status)

	rs, err := f.restrictions.ListByUser(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, rs, 1, "no second restriction")
}

func TestRestrictSeller_OtherActiveRestrictionConflicts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.scenarioA(t)

	_, err := f.restrictions.Restrict(ctx, restriction.RestrictRequest{
		UserID: "S1", Type: restriction.TypeWarning, Reason: "Late transfer", RestrictedBy: "admin-2",
	})
	require.NoError(t, err)

	_, err = f.workflow.RestrictSeller(ctx, RestrictSellerRequest{ReportID: r.ID, AdminID: "admin-1", Reason: "Fraud"})
	assert.ErrorIs(t, err, restriction.ErrAlreadyRestricted)
	assert.Equal(t, report.StatusPending, f.report(t, r.ID).Status)
}

func TestRestrictSeller_Validation(t *testing.T) {
	f := newFixture()
	r := f.scenarioA(t)

	_, err := f.workflow.RestrictSeller(context.Background(), RestrictSellerRequest{ReportID: r.ID, AdminID: "admin-1"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.workflow.RestrictSeller(context.Background(), RestrictSellerRequest{ReportID: "missing", AdminID: "admin-1", Reason: "x"})
	assert.ErrorIs(t, err, report.ErrReportNotFound)
}

func TestDismiss(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.scenarioA(t)

	_, err := f.workflow.Investigate(ctx, r.ID, "admin-1", "Asked seller for proof")
	require.NoError(t, err)
	assert.Equal(t, "Asked seller for proof", *f.report(t, r.ID).AdminNotes)

	dismissed, err := f.workflow.Dismiss(ctx, DismissRequest{ReportID: r.ID, AdminID: "admin-1", Resolution: "Ticket was valid"})
	require.NoError(t, err)
	assert.Equal(t, report.StatusDismissed, dismissed.Status)
	require.NotNil(t, dismissed.AdminNotes, "investigation notes survive dismissal")
	assert.Equal(t, "Asked seller for proof", *dismissed.AdminNotes)
	assert.Equal(t, "Ticket was valid", *dismissed.Resolution)
	assert.NotNil(t, dismissed.ResolvedAt)

	e, _ := f.escrows.GetByTransaction(ctx, "TX1")
	assert.Equal(t, escrow.StatusDisputed, e.Status)
	restricted, _, _ := f.restrictions.IsRestricted(ctx, "s1")
	assert.False(t, restricted)
	assert.Empty(t, f.processor.refunds)

	_, err = f.workflow.Investigate(ctx, r.ID, "admin-1", "")
	assert.ErrorIs(t, err, report.ErrInvalidTransition)
}

func TestUpdateStatus_ConcurrentWriteConflicts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.scenarioA(t)

	stale := f.report(t, r.ID)
	_, err := f.workflow.Investigate(ctx, r.ID, "admin-1", "")
	require.NoError(t, err)

	_, err = f.workflow.updateStatus(ctx, stale, report.StatusUpdate{Status: report.StatusDismissed, AdminID: "admin-2"})
	assert.ErrorIs(t, err, report.ErrConcurrentUpdate)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestUpdateStatus_RequiresAdmin(t *testing.T) {
	f := newFixture()
	r := f.scenarioA(t)

	_, err := f.workflow.UpdateStatus(context.Background(), UpdateStatusRequest{ReportID: r.ID, Status: report.StatusResolvedNoAction})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	out, err := f.workflow.UpdateStatus(context.Background(), UpdateStatusRequest{
		ReportID: strings.ToUpper(r.ID), Status: report.StatusResolvedNoAction, AdminID: "admin-1",
	})
	require.NoError(t, err)
	assert.NotNil(t, out.ResolvedAt)
}
