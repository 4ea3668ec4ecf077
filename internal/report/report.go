// Package report handles buyer dispute reports: intake with evidence,
// admin fan-out and the report status machine.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/reuni/disputes/internal/apperr"
	"github.com/reuni/disputes/internal/idgen"
	"github.com/reuni/disputes/internal/pagination"
)

var (
	ErrReportNotFound    = fmt.Errorf("%w: report not found", apperr.ErrNotFound)
	ErrInvalidTransition = fmt.Errorf("%w: report status transition not allowed", apperr.ErrInvalidState)
	ErrConcurrentUpdate  = fmt.Errorf("%w: report was modified concurrently", apperr.ErrConflict)
)

// MaxEvidenceImages caps the images accepted with one report.
const MaxEvidenceImages = 10

// Type is what the buyer says went wrong.
type Type string

const (
	TypeFakeTicket     Type = "fake_ticket"
	TypeUsedTicket     Type = "used_ticket"
	TypeWrongEvent     Type = "wrong_event"
	TypeInvalidBarcode Type = "invalid_barcode"
	TypeNoTicket       Type = "no_ticket"
	TypeOther          Type = "other"
)

type typeInfo struct {
	label string
	icon  string
}

var types = map[Type]typeInfo{
	TypeFakeTicket:     {"Fake or Fraudulent Ticket", "exclamationmark.triangle.fill"},
	TypeUsedTicket:     {"Ticket Already Used", "checkmark.circle.trianglebadge.exclamationmark"},
	TypeWrongEvent:     {"Wrong Event Details", "calendar.badge.exclamationmark"},
	TypeInvalidBarcode: {"Barcode Doesn't Work", "barcode.viewfinder"},
	TypeNoTicket:       {"Never Received Ticket", "envelope.open.badge.clock"},
	TypeOther:          {"Other Issue", "questionmark.circle.fill"},
}

// AllTypes lists report types in the order clients present them.
var AllTypes = []Type{TypeFakeTicket, TypeUsedTicket, TypeWrongEvent, TypeInvalidBarcode, TypeNoTicket, TypeOther}

func (t Type) Valid() bool {
	_, ok := types[t]
	return ok
}

// Label is the display name shown to buyers and admins.
func (t Type) Label() string {
	return types[t].label
}

// Icon is the client icon key.
func (t Type) Icon() string {
	return types[t].icon
}

// Status is the report lifecycle state.
type Status string

const (
	StatusPending            Status = "pending"
	StatusInvestigating      Status = "investigating"
	StatusResolvedRefund     Status = "resolved_refund"
	StatusResolvedNoAction   Status = "resolved_no_action"
	StatusResolvedRestricted Status = "resolved_restricted"
	StatusDismissed          Status = "dismissed"
)

var terminal = []Status{StatusResolvedRefund, StatusResolvedNoAction, StatusResolvedRestricted, StatusDismissed}

// transitions lists the allowed next states. Nothing returns to pending.
var transitions = map[Status][]Status{
	StatusPending:       append([]Status{StatusInvestigating}, terminal...),
	StatusInvestigating: terminal,
}

func (s Status) Valid() bool {
	if s == StatusPending || s == StatusInvestigating {
		return true
	}
	return s.IsTerminal()
}

// IsTerminal reports whether the report is closed.
func (s Status) IsTerminal() bool {
	for _, t := range terminal {
		if s == t {
			return true
		}
	}
	return false
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Report is one row of ticket_reports.
type Report struct {
	ID            string     `json:"id"`
	TicketID      string     `json:"ticket_id"`
	BuyerID       string     `json:"buyer_id"`
	SellerID      string     `json:"seller_id"`
	TransactionID *string    `json:"transaction_id,omitempty"`
	Type          Type       `json:"report_type"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	EvidenceURLs  []string   `json:"evidence_urls"`
	Status        Status     `json:"status"`
	AdminNotes    *string    `json:"admin_notes,omitempty"`
	Resolution    *string    `json:"resolution,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy    *string    `json:"resolved_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// StatusUpdate is an admin decision on a report.
type StatusUpdate struct {
	Status     Status
	AdminID    string
	Resolution *string
	AdminNotes *string
}

// Apply returns a copy of r moved to u.Status. Resolution and AdminNotes
// are replaced only when u supplies them. resolved_at is stamped only for
// terminal statuses; resolved_by always records the acting admin.
func (r *Report) Apply(u StatusUpdate, now time.Time) (*Report, error) {
	if !u.Status.Valid() {
		return nil, apperr.Validation("status", "is not a known report status")
	}
	if !r.Status.CanTransitionTo(u.Status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, r.Status, u.Status)
	}

	next := *r
	next.EvidenceURLs = append([]string(nil), r.EvidenceURLs...)
	next.Status = u.Status
	if u.Resolution != nil {
		next.Resolution = u.Resolution
	}
	if u.AdminNotes != nil {
		next.AdminNotes = u.AdminNotes
	}
	next.ResolvedBy = idgen.NormalizePtr(&u.AdminID)
	next.ResolvedAt = nil
	if u.Status.IsTerminal() {
		at := now
		next.ResolvedAt = &at
	}
	next.UpdatedAt = now
	return &next, nil
}

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	Status   Status
	BuyerID  string
	SellerID string
}

// Store persists reports.
type Store interface {
	Create(ctx context.Context, r *Report) error
	Get(ctx context.Context, id string) (*Report, error)
	// UpdateIf writes r only while the stored status is still expected.
	UpdateIf(ctx context.Context, r *Report, expected Status) error
	List(ctx context.Context, filter ListFilter, after *pagination.Cursor, limit int) ([]*Report, error)
}

// Page is one page of reports, newest first.
type Page struct {
	Reports    []*Report `json:"reports"`
	NextCursor string    `json:"next_cursor,omitempty"`
	HasMore    bool      `json:"has_more"`
}
