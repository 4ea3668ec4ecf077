package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/reuni/disputes/internal/apperr"
	"github.com/reuni/disputes/internal/escrow"
	"github.com/reuni/disputes/internal/evidence"
	"github.com/reuni/disputes/internal/idgen"
	"github.com/reuni/disputes/internal/metrics"
	"github.com/reuni/disputes/internal/notify"
	"github.com/reuni/disputes/internal/pagination"
	"github.com/reuni/disputes/internal/validation"
)

const adminNotificationTitle = "New Ticket Report"

// Disputer freezes the escrow behind a reported sale.
type Disputer interface {
	MarkDisputed(ctx context.Context, transactionID string) (*escrow.Escrow, error)
}

// SubmitRequest is a buyer's report as received from the client.
type SubmitRequest struct {
	TicketID      string
	BuyerID       string
	SellerID      string
	TransactionID string
	Type          Type
	Title         string
	Description   string
	Evidence      []evidence.Image
}

// Intake accepts new reports.
type Intake struct {
	store    Store
	uploader evidence.Uploader
	sink     notify.Sink
	admins   notify.AdminDirectory
	escrows  Disputer
	logger   *slog.Logger
	now      func() time.Time
}

// NewIntake creates a report intake.
func NewIntake(store Store, uploader evidence.Uploader, sink notify.Sink, admins notify.AdminDirectory, escrows Disputer) *Intake {
	return &Intake{
		store:    store,
		uploader: uploader,
		sink:     sink,
		admins:   admins,
		escrows:  escrows,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

func (in *Intake) WithLogger(l *slog.Logger) *Intake {
	in.logger = l
	return in
}

// WithClock replaces time.Now, for tests.
func (in *Intake) WithClock(now func() time.Time) *Intake {
	in.now = now
	return in
}

// Submit persists a report and then runs its side effects: admin
// notifications and disputing the escrow. The report is committed before
// either side effect, so a non-nil report may be returned together with
// an error describing the side effects that failed. Evidence uploads are
// best effort; failed images are left out.
func (in *Intake) Submit(ctx context.Context, req SubmitRequest) (*Report, error) {
	if err := validation.Check(
		validation.Required("ticket_id", req.TicketID),
		validation.Required("buyer_id", req.BuyerID),
		validation.Required("seller_id", req.SellerID),
		validation.Distinct("seller_id", req.BuyerID, req.SellerID),
		validation.OneOf("report_type", string(req.Type), typeNames()...),
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, validation.MaxTitleLength),
		validation.Required("description", req.Description),
		validation.MaxLength("description", req.Description, validation.MaxDescriptionLength),
	); err != nil {
		return nil, err
	}
	if len(req.Evidence) > MaxEvidenceImages {
		return nil, apperr.Validation("evidence", fmt.Sprintf("must not exceed %d images", MaxEvidenceImages))
	}

	now := in.now()
	r := &Report{
		ID:            idgen.New(),
		TicketID:      idgen.Normalize(req.TicketID),
		BuyerID:       idgen.Normalize(req.BuyerID),
		SellerID:      idgen.Normalize(req.SellerID),
		TransactionID: idgen.NormalizePtr(&req.TransactionID),
		Type:          req.Type,
		Title:         strings.TrimSpace(req.Title),
		Description:   strings.TrimSpace(req.Description),
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.EvidenceURLs = in.uploadEvidence(ctx, r.ID, req.Evidence, now)

	if err := in.store.Create(ctx, r); err != nil {
		return nil, err
	}
	metrics.ReportsSubmittedTotal.WithLabelValues(string(r.Type)).Inc()
	in.logger.Info("report submitted",
		"reportId", r.ID,
		"type", r.Type,
		"buyerId", r.BuyerID,
		"sellerId", r.SellerID,
		"evidence", len(r.EvidenceURLs),
	)

	var errs []error
	if err := in.notifyAdmins(ctx, r); err != nil {
		in.logger.Error("failed to notify admins of report", "reportId", r.ID, "error", err)
		errs = append(errs, apperr.Upstream("notify admins", err))
	}
	if r.TransactionID != nil {
		if _, err := in.escrows.MarkDisputed(ctx, *r.TransactionID); err != nil {
			in.logger.Error("failed to dispute escrow for report",
				"reportId", r.ID, "transactionId", *r.TransactionID, "error", err)
			errs = append(errs, fmt.Errorf("dispute escrow: %w", err))
		}
	}
	return r, errors.Join(errs...)
}

func (in *Intake) uploadEvidence(ctx context.Context, reportID string, images []evidence.Image, at time.Time) []string {
	urls := make([]string, 0, len(images))
	for i, img := range images {
		if len(img.Data) == 0 || !strings.HasPrefix(img.ContentType, "image/") {
			in.logger.Warn("skipping evidence that is not an image",
				"reportId", reportID, "index", i, "contentType", img.ContentType)
			continue
		}
		url, err := in.uploader.Upload(ctx, evidence.Key(reportID, i, at, img.ContentType), img)
		if err != nil {
			in.logger.Warn("evidence upload failed, continuing without it",
				"reportId", reportID, "index", i, "error", err)
			continue
		}
		urls = append(urls, url)
	}
	return urls
}

// notifyAdmins sends one notification per admin in a single batch. No
// admins means nothing to send.
func (in *Intake) notifyAdmins(ctx context.Context, r *Report) error {
	adminIDs, err := in.admins.AdminIDs(ctx)
	if err != nil {
		return fmt.Errorf("list admins: %w", err)
	}
	if len(adminIDs) == 0 {
		return nil
	}

	message := "A buyer has reported a ticket issue: " + r.Type.Label()
	batch := make([]notify.Notification, 0, len(adminIDs))
	for _, id := range adminIDs {
		batch = append(batch, notify.New(id, notify.TypeTicketReport, adminNotificationTitle, message, r.ID))
	}
	return in.sink.Send(ctx, batch...)
}

// Get returns a report by id.
func (in *Intake) Get(ctx context.Context, id string) (*Report, error) {
	return in.store.Get(ctx, idgen.Normalize(id))
}

// List returns one page of reports, newest first.
func (in *Intake) List(ctx context.Context, filter ListFilter, cursor string, limit int) (*Page, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.Validation("status", "is not a known report status")
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	limit = pagination.ClampLimit(limit)
	filter.BuyerID = idgen.Normalize(filter.BuyerID)
	filter.SellerID = idgen.Normalize(filter.SellerID)

	rows, err := in.store.List(ctx, filter, after, limit+1)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(rows, limit, func(r *Report) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	if items == nil {
		items = []*Report{}
	}
	return &Page{Reports: items, NextCursor: next, HasMore: more}, nil
}

// ListByBuyer returns the reports a buyer has filed.
func (in *Intake) ListByBuyer(ctx context.Context, buyerID, cursor string, limit int) (*Page, error) {
	return in.List(ctx, ListFilter{BuyerID: buyerID}, cursor, limit)
}

func typeNames() []string {
	out := make([]string, len(AllTypes))
	for i, t := range AllTypes {
		out[i] = string(t)
	}
	return out
}
