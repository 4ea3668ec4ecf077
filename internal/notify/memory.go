package notify

import (
	"context"
	"sync"

	"github.com/reuni/disputes/internal/idgen"
)

// MemorySink keeps notifications in memory (demo mode and tests).
type MemorySink struct {
	mu   sync.Mutex
	sent []Notification
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Send(_ context.Context, notifications ...Notification) error {
	m.mu.Lock()
	m.sent = append(m.sent, notifications...)
	m.mu.Unlock()
	return nil
}

// Sent returns a copy of everything sent so far.
func (m *MemorySink) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.sent))
	copy(out, m.sent)
	return out
}

// ForUser returns the notifications addressed to userID.
func (m *MemorySink) ForUser(userID string) []Notification {
	userID = idgen.Normalize(userID)
	var out []Notification
	for _, n := range m.Sent() {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// MemoryDirectory is an AdminDirectory over a fixed set of admin ids.
type MemoryDirectory struct {
	mu     sync.RWMutex
	admins []string
}

// NewMemoryDirectory creates a directory holding the given admins.
func NewMemoryDirectory(adminIDs ...string) *MemoryDirectory {
	d := &MemoryDirectory{}
	for _, id := range adminIDs {
		d.admins = append(d.admins, idgen.Normalize(id))
	}
	return d
}

// Grant adds an admin.
func (d *MemoryDirectory) Grant(userID string) {
	d.mu.Lock()
	d.admins = append(d.admins, idgen.Normalize(userID))
	d.mu.Unlock()
}

func (d *MemoryDirectory) AdminIDs(context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.admins))
	copy(out, d.admins)
	return out, nil
}

func (d *MemoryDirectory) IsAdmin(_ context.Context, userID string) (bool, error) {
	userID = idgen.Normalize(userID)
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, id := range d.admins {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

var (
	_ Sink           = (*MemorySink)(nil)
	_ AdminDirectory = (*MemoryDirectory)(nil)
)
