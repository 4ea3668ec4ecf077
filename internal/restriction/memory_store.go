package restriction

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SystemActor is recorded in lifted_by for expiry-driven lifts.
const SystemActor = "system"

// MemoryStore is an in-memory restriction store for demo/development mode.
type MemoryStore struct {
	rows map[string]*Restriction
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory restriction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Restriction)}
}

func (m *MemoryStore) Create(_ context.Context, r *Restriction, exclusive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exclusive {
		for _, cur := range m.rows {
			if cur.UserID == r.UserID && cur.InForce(r.RestrictedAt) {
				return ErrAlreadyRestricted
			}
		}
	}
	cp := *r
	m.rows[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Active(_ context.Context, userID string, now time.Time) (*Restriction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Restriction
	for _, r := range m.rows {
		if r.UserID != userID || !r.InForce(now) {
			continue
		}
		if latest == nil || r.RestrictedAt.After(latest.RestrictedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNoActiveRestriction
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) LiftActive(_ context.Context, lift Lift) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, r := range m.rows {
		if r.UserID != lift.UserID || !r.IsActive {
			continue
		}
		at, by, notes := lift.At, lift.LiftedBy, lift.Notes
		r.IsActive = false
		r.LiftedAt = &at
		r.LiftedBy = &by
		r.Notes = &notes
		r.UpdatedAt = at
		n++
	}
	return n, nil
}

func (m *MemoryStore) UpdateAppealIf(_ context.Context, r *Restriction, expected AppealStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.rows[r.ID]
	if !ok {
		return ErrNoActiveRestriction
	}
	if !cur.IsActive || cur.AppealStatus != expected {
		return ErrConcurrentUpdate
	}
	cp := *r
	m.rows[r.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Restriction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Restriction
	for _, r := range m.rows {
		if r.UserID == userID {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RestrictedAt.After(result[j].RestrictedAt)
	})
	return result, nil
}

func (m *MemoryStore) ExpireDue(_ context.Context, now time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, r := range m.rows {
		if int(n) >= limit {
			break
		}
		if !r.IsActive || r.ExpiresAt == nil || r.ExpiresAt.After(now) {
			continue
		}
		at, by := now, SystemActor
		r.IsActive = false
		r.LiftedAt = &at
		r.LiftedBy = &by
		r.UpdatedAt = now
		n++
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
