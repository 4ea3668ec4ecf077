package report

import (
	"context"
	"sort"
	"sync"

	"github.com/reuni/disputes/internal/pagination"
)

// MemoryStore is an in-memory report store for demo/development mode.
type MemoryStore struct {
	reports map[string]*Report
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory report store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: make(map[string]*Report)}
}

func clone(r *Report) *Report {
	cp := *r
	cp.EvidenceURLs = append([]string(nil), r.EvidenceURLs...)
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.ID] = clone(r)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reports[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	return clone(r), nil
}

func (m *MemoryStore) UpdateIf(_ context.Context, r *Report, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.reports[r.ID]
	if !ok {
		return ErrReportNotFound
	}
	if cur.Status != expected {
		return ErrConcurrentUpdate
	}
	m.reports[r.ID] = clone(r)
	return nil
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter, after *pagination.Cursor, limit int) ([]*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Report
	for _, r := range m.reports {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.BuyerID != "" && r.BuyerID != filter.BuyerID {
			continue
		}
		if filter.SellerID != "" && r.SellerID != filter.SellerID {
			continue
		}
		if !after.After(r.CreatedAt, r.ID) {
			continue
		}
		result = append(result, clone(r))
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

var _ Store = (*MemoryStore)(nil)
