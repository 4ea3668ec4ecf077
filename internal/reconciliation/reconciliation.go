// Package reconciliation finds disputes left half-finished.
//
// Report intake and the admin resolution actions touch several stores
// without a shared transaction. When a step fails after an earlier one
// succeeded the records disagree; the runner lists those cases so an admin
// can retry the action, which resumes from the missing step.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reuni/disputes/internal/escrow"
	"github.com/reuni/disputes/internal/pagination"
	"github.com/reuni/disputes/internal/report"
)

// Kind classifies a finding.
type Kind string

const (
	// KindDisputeMissing: an open report's escrow is still holding, so it
	// may auto-release to the seller.
	KindDisputeMissing Kind = "dispute_missing"
	// KindRefundNotRecorded: the escrow was refunded but the report is
	// still open.
	KindRefundNotRecorded Kind = "refund_not_recorded"
	// KindStaleDispute: the escrow has been disputed longer than the
	// configured threshold.
	KindStaleDispute Kind = "stale_dispute"
)

// AllKinds lists every finding kind.
var AllKinds = []Kind{KindDisputeMissing, KindRefundNotRecorded, KindStaleDispute}

// Finding is one inconsistency.
type Finding struct {
	Kind          Kind      `json:"kind"`
	EscrowID      string    `json:"escrow_id,omitempty"`
	ReportID      string    `json:"report_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Since         time.Time `json:"since"`
}

// Result is the outcome of one run.
type Result struct {
	RunAt    time.Time     `json:"run_at"`
	Counts   map[Kind]int  `json:"counts"`
	Findings []Finding     `json:"findings"`
	Duration time.Duration `json:"duration_ns"`
}

// Escrows is the escrow view the runner needs.
type Escrows interface {
	List(ctx context.Context, filter escrow.ListFilter, cursor string, limit int) (*escrow.Page, error)
	GetByTransaction(ctx context.Context, transactionID string) (*escrow.Escrow, error)
}

// Reports is the report view the runner needs.
type Reports interface {
	List(ctx context.Context, filter report.ListFilter, cursor string, limit int) (*report.Page, error)
}

// DefaultStaleAfter is how long an escrow may stay disputed before it is flagged.
const DefaultStaleAfter = 14 * 24 * time.Hour

// maxScan bounds rows read per check so one run stays cheap.
const maxScan = 5000

// Runner runs all reconciliation checks.
type Runner struct {
	escrows    Escrows
	reports    Reports
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewRunner creates a reconciliation runner.
func NewRunner(escrows Escrows, reports Reports) *Runner {
	return &Runner{
		escrows:    escrows,
		reports:    reports,
		staleAfter: DefaultStaleAfter,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithStaleAfter sets the stale-dispute threshold.
func (r *Runner) WithStaleAfter(d time.Duration) *Runner {
	if d > 0 {
		r.staleAfter = d
	}
	return r
}

// WithLogger sets the logger.
func (r *Runner) WithLogger(l *slog.Logger) *Runner {
	r.logger = l
	return r
}

// WithClock overrides the time source (for testing).
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunAll runs every check. A failing check is logged and counted; the
// others still run.
func (r *Runner) RunAll(ctx context.Context) (*Result, error) {
	start := r.now()
	res := &Result{RunAt: start.UTC(), Counts: make(map[Kind]int), Findings: []Finding{}}

	var errs []error
	if err := r.checkOpenReports(ctx, res); err != nil {
		errs = append(errs, fmt.Errorf("open reports: %w", err))
	}
	if err := r.checkStaleDisputes(ctx, res); err != nil {
		errs = append(errs, fmt.Errorf("stale disputes: %w", err))
	}

	for _, k := range AllKinds {
		reconcileFindings.WithLabelValues(string(k)).Set(float64(res.Counts[k]))
	}
	res.Duration = r.now().Sub(start)
	reconcileDuration.Observe(res.Duration.Seconds())

	if len(errs) > 0 {
		reconcileErrors.Add(float64(len(errs)))
		return res, errors.Join(errs...)
	}
	if len(res.Findings) > 0 {
		r.logger.Warn("reconciliation found inconsistencies",
			"dispute_missing", res.Counts[KindDisputeMissing],
			"refund_not_recorded", res.Counts[KindRefundNotRecorded],
			"stale_dispute", res.Counts[KindStaleDispute],
		)
	}
	return res, nil
}

// checkOpenReports compares every open report with its escrow.
func (r *Runner) checkOpenReports(ctx context.Context, res *Result) error {
	for _, status := range []report.Status{report.StatusPending, report.StatusInvestigating} {
		cursor, scanned := "", 0
		for scanned < maxScan {
			page, err := r.reports.List(ctx, report.ListFilter{Status: status}, cursor, pagination.MaxLimit)
			if err != nil {
				return err
			}
			for _, rep := range page.Reports {
				if err := r.checkReport(ctx, rep, res); err != nil {
					return err
				}
			}
			scanned += len(page.Reports)
			if !page.HasMore {
				break
			}
			cursor = page.NextCursor
		}
	}
	return nil
}

func (r *Runner) checkReport(ctx context.Context, rep *report.Report, res *Result) error {
	if rep.TransactionID == nil || *rep.TransactionID == "" {
		return nil
	}
	e, err := r.escrows.GetByTransaction(ctx, *rep.TransactionID)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var kind Kind
	switch e.Status {
	case escrow.StatusHolding:
		kind = KindDisputeMissing
	case escrow.StatusRefundedToBuyer:
		kind = KindRefundNotRecorded
	default:
		return nil
	}
	res.add(Finding{
		Kind:          kind,
		EscrowID:      e.ID,
		ReportID:      rep.ID,
		TransactionID: e.TransactionID,
		Since:         rep.CreatedAt,
	})
	return nil
}

func (r *Runner) checkStaleDisputes(ctx context.Context, res *Result) error {
	cutoff := r.now().Add(-r.staleAfter)
	cursor, scanned := "", 0
	for scanned < maxScan {
		page, err := r.escrows.List(ctx, escrow.ListFilter{Status: escrow.StatusDisputed}, cursor, pagination.MaxLimit)
		if err != nil {
			return err
		}
		for _, e := range page.Escrows {
			if e.UpdatedAt.Before(cutoff) {
				res.add(Finding{
					Kind:          KindStaleDispute,
					EscrowID:      e.ID,
					TransactionID: e.TransactionID,
					Since:         e.UpdatedAt,
				})
			}
		}
		scanned += len(page.Escrows)
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	return nil
}

func (res *Result) add(f Finding) {
	res.Findings = append(res.Findings, f)
	res.Counts[f.Kind]++
}
