package detector

import (
	"context"
	"strings"
	"sync"
)

// ProcessedSet records transaction hashes that have already produced a
// confirmed-payment event. Hashes are compared case-insensitively.
type ProcessedSet interface {
	Has(ctx context.Context, txHash string) (bool, error)
	Add(ctx context.Context, txHash, dealID string) error
}

// CursorStore persists the scan cursor.
type CursorStore interface {
	Load(ctx context.Context) (height uint64, ok bool, err error)
	Save(ctx context.Context, height uint64) error
}

// MemoryProcessedSet is an in-process ProcessedSet.
type MemoryProcessedSet struct {
	mu     sync.RWMutex
	hashes map[string]string
}

func NewMemoryProcessedSet() *MemoryProcessedSet {
	return &MemoryProcessedSet{hashes: make(map[string]string)}
}

func (m *MemoryProcessedSet) Has(_ context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.hashes[strings.ToLower(txHash)]
	return ok, nil
}

func (m *MemoryProcessedSet) Add(_ context.Context, txHash, dealID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes[strings.ToLower(txHash)] = dealID
	return nil
}

// Len returns the number of recorded hashes.
func (m *MemoryProcessedSet) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hashes)
}

// MemoryCursorStore is an in-process CursorStore.
type MemoryCursorStore struct {
	mu     sync.Mutex
	height uint64
	set    bool
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{}
}

func (m *MemoryCursorStore) Load(context.Context) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height, m.set, nil
}

func (m *MemoryCursorStore) Save(_ context.Context, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set || height > m.height {
		m.height = height
	}
	m.set = true
	return nil
}
