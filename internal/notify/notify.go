// Package notify delivers user-facing notifications.
//
// A Sink persists notification rows; Fanout additionally mirrors them to
// live channels such as the websocket hub and the delivery webhook. Device
// delivery (push, email) happens in the downstream service.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/reuni/disputes/internal/idgen"
	"github.com/reuni/disputes/internal/metrics"
)

// Type is the closed set of notification categories.
type Type string

const (
	TypeTicketReport       Type = "ticket_report"
	TypeAccountRestriction Type = "account_restriction"
)

// Valid reports whether t is a known notification type.
func (t Type) Valid() bool {
	return t == TypeTicketReport || t == TypeAccountRestriction
}

// Notification mirrors a row of the notifications table.
type Notification struct {
	UserID    string  `json:"user_id"`
	Type      Type    `json:"notification_type"`
	Title     string  `json:"title"`
	Message   string  `json:"message"`
	RelatedID *string `json:"related_id,omitempty"`
	IsRead    bool    `json:"is_read"`
}

// New builds an unread notification with normalized ids.
func New(userID string, typ Type, title, message, relatedID string) Notification {
	n := Notification{
		UserID:  idgen.Normalize(userID),
		Type:    typ,
		Title:   title,
		Message: message,
	}
	if rel := idgen.Normalize(relatedID); rel != "" {
		n.RelatedID = &rel
	}
	return n
}

// ErrInvalidNotification is returned for notifications missing required fields.
var ErrInvalidNotification = errors.New("invalid notification")

func (n Notification) validate() error {
	switch {
	case strings.TrimSpace(n.UserID) == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidNotification)
	case !n.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidNotification, n.Type)
	case n.Title == "" || n.Message == "":
		return fmt.Errorf("%w: title and message are required", ErrInvalidNotification)
	}
	return nil
}

// Sink accepts notification requests. Send is all-or-nothing for the batch.
type Sink interface {
	Send(ctx context.Context, notifications ...Notification) error
}

// AdminDirectory resolves which users hold the admin role.
type AdminDirectory interface {
	AdminIDs(ctx context.Context) ([]string, error)
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// Fanout persists through a primary sink and mirrors successful batches
// to live sinks. Mirror failures are logged, never returned.
type Fanout struct {
	primary Sink
	mirrors []Sink
	logger  *slog.Logger
}

// NewFanout creates a Fanout writing to primary.
func NewFanout(primary Sink, logger *slog.Logger, mirrors ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{primary: primary, mirrors: mirrors, logger: logger}
}

// Send validates, persists and mirrors the batch.
func (f *Fanout) Send(ctx context.Context, notifications ...Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	for _, n := range notifications {
		if err := n.validate(); err != nil {
			return err
		}
	}

	if err := f.primary.Send(ctx, notifications...); err != nil {
		for _, n := range notifications {
			metrics.NotificationsTotal.WithLabelValues(string(n.Type), "failed").Inc()
		}
		return err
	}
	for _, n := range notifications {
		metrics.NotificationsTotal.WithLabelValues(string(n.Type), "sent").Inc()
	}

	for _, m := range f.mirrors {
		if err := m.Send(ctx, notifications...); err != nil {
			f.logger.Warn("notification mirror failed", "count", len(notifications), "error", err)
		}
	}
	return nil
}

var _ Sink = (*Fanout)(nil)
