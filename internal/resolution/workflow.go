// Package resolution implements the admin actions that close a report:
// approve a refund, restrict the seller, or dismiss.
//
// Each composite action touches entities that are committed separately
// (payment processor, escrow ledger, restriction, report). Completed steps
// are written to a Journal and every step is guarded by a conditional
// write, so a failed action can be retried and resumes where it stopped.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reuni/disputes/internal/apperr"
	"github.com/reuni/disputes/internal/escrow"
	"github.com/reuni/disputes/internal/idgen"
	"github.com/reuni/disputes/internal/metrics"
	"github.com/reuni/disputes/internal/notify"
	"github.com/reuni/disputes/internal/payments"
	"github.com/reuni/disputes/internal/report"
	"github.com/reuni/disputes/internal/restriction"
	"github.com/reuni/disputes/internal/traces"
)

// RestrictedResolutionPrefix starts the resolution text of restrict-seller.
const RestrictedResolutionPrefix = "Seller account restricted: "

const restrictionAdminNotes = "Account restriction applied"

// Saga step names.
const (
	stepProcessorRefund = "processor_refund"
	stepEscrowRefund    = "escrow_refund"
	stepRestrict        = "restrict"
	stepStatus          = "status"
)

// StatusMode selects the report status written by RestrictSeller.
type StatusMode string

const (
	// StatusModeLegacy writes resolved_refund, as existing admin tooling expects.
	StatusModeLegacy StatusMode = "legacy"
	// StatusModeDistinct writes resolved_restricted.
	StatusModeDistinct StatusMode = "distinct"
)

// Valid reports whether m is a known mode.
func (m StatusMode) Valid() bool {
	return m == StatusModeLegacy || m == StatusModeDistinct
}

// EscrowLedger is the part of the escrow service the workflow drives.
type EscrowLedger interface {
	GetByTransaction(ctx context.Context, transactionID string) (*escrow.Escrow, error)
	Refund(ctx context.Context, escrowID string, amount decimal.Decimal, reason, processedBy string) (*escrow.Escrow, error)
}

// Restrictor is the part of the restriction service the workflow drives.
type Restrictor interface {
	Restrict(ctx context.Context, req restriction.RestrictRequest) (*restriction.Restriction, error)
	ListByUser(ctx context.Context, userID string) ([]*restriction.Restriction, error)
}

// Workflow is the admin resolution workflow.
type Workflow struct {
	reports      report.Store
	escrows      EscrowLedger
	restrictions Restrictor
	processor    payments.Processor
	sink         notify.Sink
	journal      Journal
	statusMode   StatusMode
	logger       *slog.Logger
	now          func() time.Time
}

// NewWorkflow creates a resolution workflow.
func NewWorkflow(reports report.Store, escrows EscrowLedger, restrictions Restrictor, processor payments.Processor, sink notify.Sink) *Workflow {
	return &Workflow{
		reports:      reports,
		escrows:      escrows,
		restrictions: restrictions,
		processor:    processor,
		sink:         sink,
		journal:      NewMemoryJournal(),
		statusMode:   StatusModeLegacy,
		logger:       slog.Default(),
		now:          time.Now,
	}
}

// WithJournal replaces the in-process journal.
func (w *Workflow) WithJournal(j Journal) *Workflow {
	w.journal = j
	return w
}

// WithStatusMode sets the status RestrictSeller writes. Unknown modes are ignored.
func (w *Workflow) WithStatusMode(m StatusMode) *Workflow {
	if m.Valid() {
		w.statusMode = m
	}
	return w
}

func (w *Workflow) WithLogger(l *slog.Logger) *Workflow {
	w.logger = l
	return w
}

// WithClock replaces time.Now, for tests.
func (w *Workflow) WithClock(now func() time.Time) *Workflow {
	w.now = now
	return w
}

// UpdateStatusRequest moves a report to Status.
type UpdateStatusRequest struct {
	ReportID   string
	Status     report.Status
	AdminID    string
	Resolution string
	AdminNotes string
}

// UpdateStatus moves a report along its status machine with a conditional
// write on the status it was read in.
func (w *Workflow) UpdateStatus(ctx context.Context, req UpdateStatusRequest) (*report.Report, error) {
	if strings.TrimSpace(req.AdminID) == "" {
		return nil, apperr.Validation("admin_id", "is required")
	}
	r, err := w.reports.Get(ctx, idgen.Normalize(req.ReportID))
	if err != nil {
		return nil, err
	}
	return w.updateStatus(ctx, r, report.StatusUpdate{
		Status:     req.Status,
		AdminID:    req.AdminID,
		Resolution: optional(req.Resolution),
		AdminNotes: optional(req.AdminNotes),
	})
}

func (w *Workflow) updateStatus(ctx context.Context, r *report.Report, u report.StatusUpdate) (*report.Report, error) {
	next, err := r.Apply(u, w.now())
	if err != nil {
		return nil, err
	}
	if err := w.reports.UpdateIf(ctx, next, r.Status); err != nil {
		if errors.Is(err, report.ErrConcurrentUpdate) {
			metrics.ConflictsTotal.WithLabelValues("report").Inc()
		}
		return nil, err
	}

	metrics.ReportResolutionsTotal.WithLabelValues(string(next.Status)).Inc()
	w.logger.Info("report status updated",
		"reportId", next.ID,
		"from", r.Status,
		"to", next.Status,
		"adminId", idgen.Normalize(u.AdminID),
	)
	return next, nil
}

// Investigate moves a pending report to investigating.
func (w *Workflow) Investigate(ctx context.Context, reportID, adminID, notes string) (*report.Report, error) {
	return w.UpdateStatus(ctx, UpdateStatusRequest{
		ReportID:   reportID,
		Status:     report.StatusInvestigating,
		AdminID:    adminID,
		AdminNotes: notes,
	})
}

// ApproveRefundRequest approves a buyer's report with a refund. A zero
// Amount refunds the full amount held.
type ApproveRefundRequest struct {
	ReportID   string
	AdminID    string
	Resolution string
	AdminNotes string
	Amount     decimal.NullDecimal
}

// RefundOutcome is the result of ApproveRefund. Escrow is nil when the
// report has no resolvable sale.
type RefundOutcome struct {
	Report   *report.Report `json:"report"`
	Escrow   *escrow.Escrow `json:"escrow,omitempty"`
	RefundID string         `json:"refund_id,omitempty"`
}

// ApproveRefund refunds the buyer through the payment processor, records
// the refund on the escrow and resolves the report as resolved_refund.
func (w *Workflow) ApproveRefund(ctx context.Context, req ApproveRefundRequest) (out *RefundOutcome, err error) {
	ctx, span := traces.StartSpan(ctx, "resolution.ApproveRefund", traces.ReportID(req.ReportID))
	defer func() { traces.End(span, err) }()

	if strings.TrimSpace(req.AdminID) == "" {
		return nil, apperr.Validation("admin_id", "is required")
	}
	r, err := w.reports.Get(ctx, idgen.Normalize(req.ReportID))
	if err != nil {
		return nil, err
	}
	if !r.Status.CanTransitionTo(report.StatusResolvedRefund) {
		return nil, fmt.Errorf("%w: %s to %s", report.ErrInvalidTransition, r.Status, report.StatusResolvedRefund)
	}

	saga := "approve_refund:" + r.ID
	out = &RefundOutcome{}
	var completed []string

	e, err := w.resolveEscrow(ctx, r)
	if err != nil {
		return nil, err
	}
	if e != nil {
		out.Escrow = e
		out.RefundID, completed, err = w.refundEscrow(ctx, saga, r, e, req)
		if err != nil {
			w.partialFailure("approve_refund", r.ID, completed, err)
			return nil, err
		}
		if refunded, getErr := w.escrows.GetByTransaction(ctx, e.TransactionID); getErr == nil {
			out.Escrow = refunded
		}
	}

	resolved, err := w.updateStatus(ctx, r, report.StatusUpdate{
		Status:     report.StatusResolvedRefund,
		AdminID:    req.AdminID,
		Resolution: optional(req.Resolution),
		AdminNotes: optional(req.AdminNotes),
	})
	if err != nil {
		w.partialFailure("approve_refund", r.ID, completed, err)
		return nil, err
	}
	w.record(ctx, saga, stepStatus, string(resolved.Status))
	out.Report = resolved

	w.notifyRefund(ctx, resolved, out.Escrow)
	return out, nil
}

// resolveEscrow finds the escrow behind a report. A report without a
// transaction id, or whose transaction has no escrow, resolves to nil.
func (w *Workflow) resolveEscrow(ctx context.Context, r *report.Report) (*escrow.Escrow, error) {
	if r.TransactionID == nil {
		return nil, nil
	}
	e, err := w.escrows.GetByTransaction(ctx, *r.TransactionID)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		w.logger.Warn("no escrow for reported transaction, skipping refund",
			"reportId", r.ID, "transactionId", *r.TransactionID)
		return nil, nil
	}
	return e, err
}

// refundEscrow runs the money steps. It returns the processor refund id
// and the steps completed before any failure.
func (w *Workflow) refundEscrow(ctx context.Context, saga string, r *report.Report, e *escrow.Escrow, req ApproveRefundRequest) (string, []string, error) {
	var completed []string

	refundID, done := w.lookup(ctx, saga, stepEscrowRefund)
	if done {
		return refundID, []string{stepProcessorRefund, stepEscrowRefund}, nil
	}
	if e.Status == escrow.StatusRefundedToBuyer {
		return w.confirmProcessorRefund(ctx, saga, e)
	}
	if e.Status.IsTerminal() {
		return "", nil, fmt.Errorf("%w: escrow is %s", escrow.ErrInvalidStatus, e.Status)
	}

	amount := e.AmountHeld
	if req.Amount.Valid {
		amount = req.Amount.Decimal
	}
	if !amount.IsPositive() {
		return "", nil, apperr.Validation("amount", "must be greater than zero")
	}
	if amount.GreaterThan(e.AmountHeld) {
		return "", nil, escrow.ErrInvalidAmount
	}

	refundID, done = w.lookup(ctx, saga, stepProcessorRefund)
	if !done {
		ctx, span := traces.StartSpan(ctx, "resolution.processorRefund",
			traces.EscrowID(e.ID), traces.Amount(amount.StringFixed(2)), traces.Step(stepProcessorRefund))
		var err error
		refundID, err = w.processor.Refund(ctx, payments.RefundRequestFor(e, amount))
		traces.End(span, err)
		if err != nil {
			return "", completed, err
		}
		w.record(ctx, saga, stepProcessorRefund, refundID)
	}
	completed = append(completed, stepProcessorRefund)

	reason := req.Resolution
	if strings.TrimSpace(reason) == "" {
		reason = "Refund approved for report " + r.ID
	}
	if _, err := w.escrows.Refund(ctx, e.ID, amount, reason, req.AdminID); err != nil {
		return refundID, completed, err
	}
	w.record(ctx, saga, stepEscrowRefund, refundID)
	completed = append(completed, stepEscrowRefund)
	return refundID, completed, nil
}

// confirmProcessorRefund handles an escrow the ledger already shows as
// refunded. Only a journaled processor step proves the buyer was paid, so
// otherwise the refund is sent again for the recorded amount. The request
// matches the one every refund path sends, so a refund the processor
// already made is returned rather than repeated.
func (w *Workflow) confirmProcessorRefund(ctx context.Context, saga string, e *escrow.Escrow) (string, []string, error) {
	steps := []string{stepProcessorRefund, stepEscrowRefund}
	if refundID, done := w.lookup(ctx, saga, stepProcessorRefund); done {
		w.record(ctx, saga, stepEscrowRefund, refundID)
		return refundID, steps, nil
	}

	amount := e.AmountHeld
	if e.RefundAmount.Valid {
		amount = e.RefundAmount.Decimal
	}
	ctx, span := traces.StartSpan(ctx, "resolution.processorRefund",
		traces.EscrowID(e.ID), traces.Amount(amount.StringFixed(2)), traces.Step(stepProcessorRefund))
	refundID, err := w.processor.Refund(ctx, payments.RefundRequestFor(e, amount))
	traces.End(span, err)
	if err != nil {
		return "", nil, err
	}
	w.record(ctx, saga, stepProcessorRefund, refundID)
	w.record(ctx, saga, stepEscrowRefund, refundID)
	return refundID, steps, nil
}

func (w *Workflow) notifyRefund(ctx context.Context, r *report.Report, e *escrow.Escrow) {
	buyerMsg := "Your report has been reviewed and approved."
	if e != nil && e.RefundAmount.Valid {
		buyerMsg = fmt.Sprintf("Your report has been reviewed and a refund of £%s has been issued.",
			e.RefundAmount.Decimal.StringFixed(2))
	}
	batch := []notify.Notification{
		notify.New(r.BuyerID, notify.TypeTicketReport, "Refund Approved", buyerMsg, r.ID),
		notify.New(r.SellerID, notify.TypeTicketReport, "Report Resolved",
			"A buyer report on one of your tickets was upheld and the sale has been refunded.", r.ID),
	}
	if err := w.sink.Send(ctx, batch...); err != nil {
		w.logger.Warn("failed to notify parties of refund", "reportId", r.ID, "error", err)
	}
}

// RestrictSellerRequest restricts the seller named in a report.
type RestrictSellerRequest struct {
	ReportID  string
	AdminID   string
	Reason    string
	Notes     string
	ExpiresAt *time.Time
}

// RestrictOutcome is the result of RestrictSeller.
type RestrictOutcome struct {
	Report      *report.Report           `json:"report"`
	Restriction *restriction.Restriction `json:"restriction"`
}

// RestrictSeller disables selling for the reported seller and resolves the
// report with "Seller account restricted: <reason>".
func (w *Workflow) RestrictSeller(ctx context.Context, req RestrictSellerRequest) (out *RestrictOutcome, err error) {
	ctx, span := traces.StartSpan(ctx, "resolution.RestrictSeller", traces.ReportID(req.ReportID))
	defer func() { traces.End(span, err) }()

	if strings.TrimSpace(req.AdminID) == "" {
		return nil, apperr.Validation("admin_id", "is required")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, apperr.Validation("reason", "is required")
	}
	r, err := w.reports.Get(ctx, idgen.Normalize(req.ReportID))
	if err != nil {
		return nil, err
	}
	target := report.StatusResolvedRefund
	if w.statusMode == StatusModeDistinct {
		target = report.StatusResolvedRestricted
	}
	if !r.Status.CanTransitionTo(target) {
		return nil, fmt.Errorf("%w: %s to %s", report.ErrInvalidTransition, r.Status, target)
	}

	saga := "restrict_seller:" + r.ID
	out = &RestrictOutcome{}

	rs, err := w.restrictSeller(ctx, saga, r, req)
	if err != nil {
		return nil, err
	}
	out.Restriction = rs

	resolution := RestrictedResolutionPrefix + strings.TrimSpace(req.Reason)
	notes := restrictionAdminNotes
	resolved, err := w.updateStatus(ctx, r, report.StatusUpdate{
		Status:     target,
		AdminID:    req.AdminID,
		Resolution: &resolution,
		AdminNotes: &notes,
	})
	if err != nil {
		w.partialFailure("restrict_seller", r.ID, []string{stepRestrict}, err)
		return nil, err
	}
	w.record(ctx, saga, stepStatus, string(resolved.Status))
	out.Report = resolved
	return out, nil
}

// restrictSeller creates the restriction or, on a retry, finds the one a
// previous attempt created for this report.
func (w *Workflow) restrictSeller(ctx context.Context, saga string, r *report.Report, req RestrictSellerRequest) (*restriction.Restriction, error) {
	if id, done := w.lookup(ctx, saga, stepRestrict); done {
		if existing := w.findRestriction(ctx, r, id); existing != nil {
			return existing, nil
		}
	}

	rs, err := w.restrictions.Restrict(ctx, restriction.RestrictRequest{
		UserID:          r.SellerID,
		Type:            restriction.TypeSellingDisabled,
		Reason:          req.Reason,
		RelatedReportID: r.ID,
		RestrictedBy:    req.AdminID,
		Notes:           req.Notes,
		ExpiresAt:       req.ExpiresAt,
	})
	switch {
	case err == nil:
	case rs != nil:
		// Created, but the seller was not notified.
		w.logger.Warn("seller restricted without notification", "reportId", r.ID, "error", err)
	case errors.Is(err, restriction.ErrAlreadyRestricted):
		existing := w.findRestriction(ctx, r, "")
		if existing == nil {
			return nil, err
		}
		rs = existing
	default:
		return nil, err
	}

	w.record(ctx, saga, stepRestrict, rs.ID)
	return rs, nil
}

// findRestriction returns the seller's active restriction created for r,
// preferring id when given.
func (w *Workflow) findRestriction(ctx context.Context, r *report.Report, id string) *restriction.Restriction {
	rs, err := w.restrictions.ListByUser(ctx, r.SellerID)
	if err != nil {
		w.logger.Warn("failed to list seller restrictions", "sellerId", r.SellerID, "error", err)
		return nil
	}
	for _, x := range rs {
		if id != "" && x.ID == id {
			return x
		}
		if id == "" && x.IsActive && x.RelatedReportID != nil && *x.RelatedReportID == r.ID {
			return x
		}
	}
	return nil
}

// DismissRequest closes a report without action.
type DismissRequest struct {
	ReportID   string
	AdminID    string
	Resolution string
}

// Dismiss marks the report dismissed and clears admin notes. It has no
// escrow or restriction side effects.
func (w *Workflow) Dismiss(ctx context.Context, req DismissRequest) (*report.Report, error) {
	if strings.TrimSpace(req.AdminID) == "" {
		return nil, apperr.Validation("admin_id", "is required")
	}
	r, err := w.reports.Get(ctx, idgen.Normalize(req.ReportID))
	if err != nil {
		return nil, err
	}
	return w.updateStatus(ctx, r, report.StatusUpdate{
		Status:     report.StatusDismissed,
		AdminID:    req.AdminID,
		Resolution: optional(req.Resolution),
	})
}

func (w *Workflow) lookup(ctx context.Context, saga, step string) (string, bool) {
	v, done, err := w.journal.Lookup(ctx, saga, step)
	if err != nil {
		w.logger.Warn("saga journal lookup failed", "saga", saga, "step", step, "error", err)
		return "", false
	}
	return v, done
}

func (w *Workflow) record(ctx context.Context, saga, step, value string) {
	if err := w.journal.Record(ctx, saga, step, value); err != nil {
		w.logger.Warn("saga journal write failed", "saga", saga, "step", step, "error", err)
	}
}

// partialFailure reports a composite action that stopped after completing
// some of its steps. Nothing is rolled back; a retry resumes.
func (w *Workflow) partialFailure(action, reportID string, completed []string, err error) {
	if len(completed) == 0 {
		return
	}
	last := completed[len(completed)-1]
	metrics.ResolutionPartialFailuresTotal.WithLabelValues(action, last).Inc()
	w.logger.Error("resolution partially completed",
		"action", action,
		"reportId", reportID,
		"completedSteps", completed,
		"error", err,
	)
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
