package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/reuni/disputes/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	byTx    map[string]string
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		byTx:    make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byTx[e.TransactionID]; ok {
		return ErrDuplicateTransaction
	}
	cp := *e
	m.escrows[e.ID] = &cp
	m.byTx[e.TransactionID] = e.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByTransaction(_ context.Context, transactionID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTx[transactionID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *m.escrows[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateIf(_ context.Context, e *Escrow, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Status != expected {
		return ErrConcurrentUpdate
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && e.BuyerID != filter.UserID && e.SellerID != filter.UserID {
			continue
		}
		if !after.After(e.CreatedAt, e.ID) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListReleasable(_ context.Context, now time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.AutoReleaseEligible(now) {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].HoldUntil.Before(result[j].HoldUntil)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ClaimAutoRelease(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Status != StatusHolding || !cur.AutoRelease {
		return ErrConcurrentUpdate
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) ListUnpaidReleases(_ context.Context, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusReleasedToSeller && e.ProcessedBy == SystemActor && e.StripeTransferID == "" {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
