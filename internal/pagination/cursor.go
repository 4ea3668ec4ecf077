// Package pagination implements keyset pagination over (created_at, id),
// newest first, for the admin list endpoints.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/reuni/disputes/internal/apperr"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrInvalidCursor is returned by Decode for cursors this service did not issue.
var ErrInvalidCursor = fmt.Errorf("%w: invalid cursor", apperr.ErrValidation)

// Cursor is the position of the last row of the previous page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// After reports whether a row at (createdAt, id) belongs on the page that
// follows c in newest-first order. A nil cursor admits every row.
func (c *Cursor) After(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// ClampLimit maps a requested page size onto [1, MaxLimit], using
// DefaultLimit for zero or negative input.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// ParseLimit parses a ?limit= query value, falling back to DefaultLimit.
func ParseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return DefaultLimit
	}
	return ClampLimit(n)
}

// ComputePage takes a slice of items (fetched with limit+1), the requested limit,
// and a function to extract (createdAt, id) from the last item.
// Returns the trimmed items, next cursor, and has_more flag.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := extractKey(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
