package deal

import (
	"context"
	"sort"
	"sync"
)

// Store persists deals. Get returns a copy the caller may mutate freely.
type Store interface {
	Create(ctx context.Context, d *Deal) error
	Get(ctx context.Context, id string) (*Deal, error)
	Update(ctx context.Context, d *Deal) error
	ListActive(ctx context.Context, limit int) ([]*Deal, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Deal, error)
}

// MemoryStore is an in-memory deal store.
type MemoryStore struct {
	mu    sync.RWMutex
	deals map[string]*Deal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deals: make(map[string]*Deal)}
}

func (m *MemoryStore) Create(_ context.Context, d *Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deals[d.ID]; ok {
		return ErrDuplicateID
	}
	m.deals[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, d *Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deals[d.ID]; !ok {
		return ErrDealNotFound
	}
	m.deals[d.ID] = d.Clone()
	return nil
}

// ListActive returns non-terminal deals, oldest first.
func (m *MemoryStore) ListActive(_ context.Context, limit int) ([]*Deal, error) {
	return m.list(limit, func(d *Deal) bool { return !d.Status.IsTerminal() }), nil
}

// ListByStatus returns deals in status, oldest first.
func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Deal, error) {
	return m.list(limit, func(d *Deal) bool { return d.Status == status }), nil
}

func (m *MemoryStore) list(limit int, keep func(*Deal) bool) []*Deal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Deal
	for _, d := range m.deals {
		if keep(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
