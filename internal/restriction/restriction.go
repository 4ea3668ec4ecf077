// Package restriction applies, lifts and appeals account sanctions.
package restriction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reuni/disputes/internal/apperr"
	"github.com/reuni/disputes/internal/idgen"
	"github.com/reuni/disputes/internal/metrics"
	"github.com/reuni/disputes/internal/notify"
	"github.com/reuni/disputes/internal/validation"
)

var (
	ErrNoActiveRestriction = fmt.Errorf("active restriction %w", apperr.ErrNotFound)
	ErrAlreadyRestricted   = fmt.Errorf("%w: user already has an active restriction", apperr.ErrConflict)
	ErrAppealNotAllowed    = fmt.Errorf("%w: restriction already has an open or approved appeal", apperr.ErrInvalidState)
	ErrNoPendingAppeal     = fmt.Errorf("%w: restriction has no pending appeal", apperr.ErrInvalidState)
	ErrConcurrentUpdate    = fmt.Errorf("%w: restriction was modified concurrently", apperr.ErrConflict)
)

// Type is the kind of sanction.
type Type string

const (
	TypeSellingDisabled Type = "selling_disabled"
	TypeFullSuspension  Type = "full_suspension"
	TypeWarning         Type = "warning"
)

// Valid reports whether t is a known restriction type.
func (t Type) Valid() bool {
	switch t {
	case TypeSellingDisabled, TypeFullSuspension, TypeWarning:
		return true
	}
	return false
}

// BlocksSelling reports whether a user under t may not list tickets.
func (t Type) BlocksSelling() bool {
	return t == TypeSellingDisabled || t == TypeFullSuspension
}

// AppealStatus tracks a user's appeal against a restriction.
type AppealStatus string

const (
	AppealNone     AppealStatus = "none"
	AppealPending  AppealStatus = "pending"
	AppealApproved AppealStatus = "approved"
	AppealDenied   AppealStatus = "denied"
)

// CanSubmit reports whether a new appeal may be filed from a.
// A denied appeal may be resubmitted.
func (a AppealStatus) CanSubmit() bool {
	return a == AppealNone || a == AppealDenied
}

const notificationTitle = "Account Update"

// NotificationMessage is the user-facing copy sent when t is applied.
func NotificationMessage(t Type, reason string) string {
	switch t {
	case TypeSellingDisabled:
		return "Your selling privileges have been temporarily disabled. Please contact support@reuniapp.com for more information."
	case TypeFullSuspension:
		return "Your account has been suspended. Please contact support@reuniapp.com for more information."
	case TypeWarning:
		return "You have received a warning. Reason: " + reason
	}
	return "Your account has been flagged. Please contact support@reuniapp.com."
}

// Restriction is one row of account_restrictions.
type Restriction struct {
	ID                string       `json:"id"`
	UserID            string       `json:"user_id"`
	Type              Type         `json:"restriction_type"`
	Reason            string       `json:"reason"`
	RelatedReportID   *string      `json:"related_report_id,omitempty"`
	RestrictedAt      time.Time    `json:"restricted_at"`
	RestrictedBy      string       `json:"restricted_by"`
	Notes             *string      `json:"restriction_notes,omitempty"`
	AppealStatus      AppealStatus `json:"appeal_status"`
	AppealNotes       *string      `json:"appeal_notes,omitempty"`
	AppealSubmittedAt *time.Time   `json:"appeal_submitted_at,omitempty"`
	AppealReviewedAt  *time.Time   `json:"appeal_reviewed_at,omitempty"`
	AppealReviewedBy  *string      `json:"appeal_reviewed_by,omitempty"`
	ExpiresAt         *time.Time   `json:"expires_at,omitempty"`
	IsActive          bool         `json:"is_active"`
	LiftedAt          *time.Time   `json:"lifted_at,omitempty"`
	LiftedBy          *string      `json:"lifted_by,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// InForce reports whether r currently restricts the user.
func (r *Restriction) InForce(now time.Time) bool {
	return r.IsActive && (r.ExpiresAt == nil || now.Before(*r.ExpiresAt))
}

// Lift describes a deactivation written by LiftActive.
type Lift struct {
	UserID   string
	LiftedBy string
	Notes    string
	At       time.Time
}

// Store persists restrictions.
type Store interface {
	// Create inserts r. With exclusive set the insert only happens when the
	// user has no active restriction, otherwise ErrAlreadyRestricted.
	Create(ctx context.Context, r *Restriction, exclusive bool) error
	// Active returns the most recent restriction in force at now.
	Active(ctx context.Context, userID string, now time.Time) (*Restriction, error)
	// LiftActive deactivates every active restriction of the user and
	// returns how many rows changed.
	LiftActive(ctx context.Context, lift Lift) (int64, error)
	// UpdateAppealIf writes the appeal and lift fields of r while the row is
	// still active with appeal status expected.
	UpdateAppealIf(ctx context.Context, r *Restriction, expected AppealStatus) error
	ListByUser(ctx context.Context, userID string) ([]*Restriction, error)
	// ExpireDue deactivates restrictions whose expires_at is at or before now.
	ExpireDue(ctx context.Context, now time.Time, limit int) (int64, error)
}

// RestrictRequest contains the parameters for applying a restriction.
type RestrictRequest struct {
	UserID          string     `json:"user_id"`
	Type            Type       `json:"restriction_type"`
	Reason          string     `json:"reason"`
	RelatedReportID string     `json:"related_report_id,omitempty"`
	RestrictedBy    string     `json:"restricted_by"`
	Notes           string     `json:"restriction_notes,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// Status is the answer to "is this user restricted right now".
type Status struct {
	Restricted bool `json:"restricted"`
	Type       Type `json:"restriction_type,omitempty"`
}

// Service implements restriction business logic.
type Service struct {
	store        Store
	sink         notify.Sink
	singleActive bool
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a restriction service. At most one active restriction
// per user is enforced unless disabled with WithSingleActive(false).
func NewService(store Store, sink notify.Sink) *Service {
	return &Service{
		store:        store,
		sink:         sink,
		singleActive: true,
		logger:       slog.Default(),
		now:          time.Now,
	}
}

// WithSingleActive toggles the one-active-restriction-per-user guard.
func (s *Service) WithSingleActive(enabled bool) *Service {
	s.singleActive = enabled
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

// Restrict applies a sanction and notifies the user. When only the
// notification fails the created restriction is returned together with an
// upstream error.
func (s *Service) Restrict(ctx context.Context, req RestrictRequest) (*Restriction, error) {
	if err := validation.Check(
		validation.Required("user_id", req.UserID),
		validation.OneOf("restriction_type", string(req.Type),
			string(TypeSellingDisabled), string(TypeFullSuspension), string(TypeWarning)),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxDescriptionLength),
		validation.Required("restricted_by", req.RestrictedBy),
		validation.MaxLength("restriction_notes", req.Notes, validation.MaxNotesLength),
	); err != nil {
		return nil, err
	}

	now := s.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, apperr.Validation("expires_at", "must be in the future")
	}

	r := &Restriction{
		ID:              idgen.New(),
		UserID:          idgen.Normalize(req.UserID),
		Type:            req.Type,
		Reason:          req.Reason,
		RelatedReportID: optional(idgen.Normalize(req.RelatedReportID)),
		RestrictedAt:    now,
		RestrictedBy:    idgen.Normalize(req.RestrictedBy),
		Notes:           optional(req.Notes),
		AppealStatus:    AppealNone,
		ExpiresAt:       req.ExpiresAt,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.Create(ctx, r, s.singleActive); err != nil {
		if errors.Is(err, ErrAlreadyRestricted) {
			metrics.ConflictsTotal.WithLabelValues("restriction").Inc()
		}
		return nil, err
	}
	metrics.RestrictionsAppliedTotal.WithLabelValues(string(r.Type)).Inc()
	s.logger.Info("account restricted",
		"restrictionId", r.ID,
		"userId", r.UserID,
		"type", r.Type,
		"restrictedBy", r.RestrictedBy,
	)

	n := notify.New(r.UserID, notify.TypeAccountRestriction, notificationTitle,
		NotificationMessage(r.Type, r.Reason), r.ID)
	if err := s.sink.Send(ctx, n); err != nil {
		s.logger.Warn("restriction notification failed",
			"restrictionId", r.ID, "userId", r.UserID, "error", err)
		return r, apperr.Upstream("notify restricted user", err)
	}
	return r, nil
}

// IsRestricted reports whether the user has a restriction in force and its type.
func (s *Service) IsRestricted(ctx context.Context, userID string) (bool, Type, error) {
	userID = idgen.Normalize(userID)
	if userID == "" {
		return false, "", apperr.Validation("user_id", "is required")
	}
	r, err := s.store.Active(ctx, userID, s.now())
	if errors.Is(err, ErrNoActiveRestriction) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, r.Type, nil
}

// Status is IsRestricted shaped for API responses.
func (s *Service) Status(ctx context.Context, userID string) (*Status, error) {
	restricted, typ, err := s.IsRestricted(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Status{Restricted: restricted, Type: typ}, nil
}

// Lift deactivates the user's active restrictions. reason is stored in
// restriction_notes.
func (s *Service) Lift(ctx context.Context, userID, liftedBy, reason string) error {
	if err := validation.Check(
		validation.Required("user_id", userID),
		validation.Required("lifted_by", liftedBy),
		validation.Required("reason", reason),
	); err != nil {
		return err
	}

	n, err := s.store.LiftActive(ctx, Lift{
		UserID:   idgen.Normalize(userID),
		LiftedBy: idgen.Normalize(liftedBy),
		Notes:    reason,
		At:       s.now(),
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoActiveRestriction
	}
	metrics.RestrictionsLiftedTotal.WithLabelValues("admin").Add(float64(n))
	s.logger.Info("restriction lifted", "userId", idgen.Normalize(userID), "liftedBy", liftedBy, "rows", n)
	return nil
}

// SubmitAppeal files the user's appeal against their active restriction.
func (s *Service) SubmitAppeal(ctx context.Context, userID, appealText string) (*Restriction, error) {
	if err := validation.Check(
		validation.Required("user_id", userID),
		validation.Required("appeal_text", appealText),
		validation.MaxLength("appeal_text", appealText, validation.MaxDescriptionLength),
	); err != nil {
		return nil, err
	}

	r, err := s.store.Active(ctx, idgen.Normalize(userID), s.now())
	if err != nil {
		return nil, err
	}
	if !r.AppealStatus.CanSubmit() {
		return nil, fmt.Errorf("%w: appeal is %s", ErrAppealNotAllowed, r.AppealStatus)
	}

	expected := r.AppealStatus
	now := s.now()
	next := *r
	next.AppealStatus = AppealPending
	next.AppealNotes = &appealText
	next.AppealSubmittedAt = &now
	next.AppealReviewedAt = nil
	next.AppealReviewedBy = nil
	next.UpdatedAt = now

	if err := s.updateAppeal(ctx, &next, expected); err != nil {
		return nil, err
	}
	metrics.AppealsTotal.WithLabelValues("submitted").Inc()
	s.logger.Info("restriction appeal submitted", "restrictionId", r.ID, "userId", r.UserID)
	return &next, nil
}

// ReviewAppeal decides the pending appeal on the user's active restriction.
// Approval lifts the restriction on behalf of the reviewer.
func (s *Service) ReviewAppeal(ctx context.Context, userID, reviewerID string, approve bool, notes string) (*Restriction, error) {
	if err := validation.Check(
		validation.Required("user_id", userID),
		validation.Required("reviewer_id", reviewerID),
	); err != nil {
		return nil, err
	}

	r, err := s.store.Active(ctx, idgen.Normalize(userID), s.now())
	if err != nil {
		return nil, err
	}
	if r.AppealStatus != AppealPending {
		return nil, ErrNoPendingAppeal
	}

	now := s.now()
	reviewer := idgen.Normalize(reviewerID)
	next := *r
	next.AppealReviewedAt = &now
	next.AppealReviewedBy = &reviewer
	next.UpdatedAt = now
	outcome := "denied"
	if approve {
		outcome = "approved"
		next.AppealStatus = AppealApproved
		next.IsActive = false
		next.LiftedAt = &now
		next.LiftedBy = &reviewer
		if notes != "" {
			next.Notes = &notes
		}
	} else {
		next.AppealStatus = AppealDenied
	}

	if err := s.updateAppeal(ctx, &next, AppealPending); err != nil {
		return nil, err
	}
	metrics.AppealsTotal.WithLabelValues(outcome).Inc()

	if approve {
		metrics.RestrictionsLiftedTotal.WithLabelValues("appeal").Inc()
		// Rows created while the single-active guard was off.
		if n, err := s.store.LiftActive(ctx, Lift{UserID: r.UserID, LiftedBy: reviewer, Notes: "Appeal approved", At: now}); err != nil {
			s.logger.Warn("failed to lift remaining restrictions", "userId", r.UserID, "error", err)
		} else if n > 0 {
			metrics.RestrictionsLiftedTotal.WithLabelValues("appeal").Add(float64(n))
		}
	}
	s.logger.Info("restriction appeal reviewed",
		"restrictionId", r.ID, "userId", r.UserID, "reviewer", reviewer, "outcome", outcome)
	return &next, nil
}

// ListByUser returns every restriction of the user, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*Restriction, error) {
	userID = idgen.Normalize(userID)
	if userID == "" {
		return nil, apperr.Validation("user_id", "is required")
	}
	rs, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rs == nil {
		rs = []*Restriction{}
	}
	return rs, nil
}

// ExpireDue lifts restrictions whose expiry has passed.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int64, error) {
	n, err := s.store.ExpireDue(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.RestrictionsLiftedTotal.WithLabelValues("expiry").Add(float64(n))
		s.logger.Info("expired restrictions lifted", "count", n)
	}
	return n, nil
}

func (s *Service) updateAppeal(ctx context.Context, r *Restriction, expected AppealStatus) error {
	err := s.store.UpdateAppealIf(ctx, r, expected)
	if errors.Is(err, ErrConcurrentUpdate) {
		metrics.ConflictsTotal.WithLabelValues("restriction").Inc()
	}
	return err
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
