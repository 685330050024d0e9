// Package operators keeps the list of users allowed to refund deals.
//
// Authorization model:
//   - the owner (from configuration) is always an operator
//   - only the owner adds or removes operators
//   - an operator who is a party to a deal still cannot refund it; that
//     check lives with the deal
package operators

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotOwner    = errors.New("operators: only the owner can manage operators")
	ErrInvalidUser = errors.New("operators: invalid user id")
	ErrIsOwner     = errors.New("operators: the owner cannot be removed")
	ErrNotFound    = errors.New("operators: user is not an operator")
)

// Operator is an authorized user.
type Operator struct {
	UserID       int64     `json:"userId"`
	AuthorizedBy int64     `json:"authorizedBy"`
	CreatedAt    time.Time `json:"createdAt"`
	Owner        bool      `json:"owner,omitempty"`
}

// Store persists operators. Add is idempotent; Remove returns ErrNotFound
// for unknown users.
type Store interface {
	Add(ctx context.Context, op Operator) error
	Remove(ctx context.Context, userID int64) error
	Has(ctx context.Context, userID int64) (bool, error)
	List(ctx context.Context) ([]Operator, error)
}

// Registry answers authorization questions.
type Registry struct {
	owner  int64
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewRegistry(owner int64, store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{owner: owner, store: store, logger: logger, now: time.Now}
}

// IsOwner reports whether userID is the configured owner.
func (r *Registry) IsOwner(userID int64) bool {
	return r.owner != 0 && userID == r.owner
}

// IsAuthorized reports whether userID may act as an operator.
func (r *Registry) IsAuthorized(ctx context.Context, userID int64) (bool, error) {
	if userID == 0 {
		return false, nil
	}
	if r.IsOwner(userID) {
		return true, nil
	}
	return r.store.Has(ctx, userID)
}

// Authorize adds userID as an operator on behalf of caller.
func (r *Registry) Authorize(ctx context.Context, caller, userID int64) error {
	if !r.IsOwner(caller) {
		return ErrNotOwner
	}
	if userID <= 0 {
		return ErrInvalidUser
	}
	if r.IsOwner(userID) {
		return nil
	}
	if err := r.store.Add(ctx, Operator{UserID: userID, AuthorizedBy: caller, CreatedAt: r.now().UTC()}); err != nil {
		return err
	}
	r.logger.Info("operator authorized", "userId", userID, "by", caller)
	return nil
}

// Deauthorize removes userID on behalf of caller.
func (r *Registry) Deauthorize(ctx context.Context, caller, userID int64) error {
	if !r.IsOwner(caller) {
		return ErrNotOwner
	}
	if r.IsOwner(userID) {
		return ErrIsOwner
	}
	if err := r.store.Remove(ctx, userID); err != nil {
		return err
	}
	r.logger.Info("operator removed", "userId", userID, "by", caller)
	return nil
}

// List returns the owner followed by every stored operator.
func (r *Registry) List(ctx context.Context) ([]Operator, error) {
	ops, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Operator, 0, len(ops)+1)
	if r.owner != 0 {
		out = append(out, Operator{UserID: r.owner, Owner: true})
	}
	return append(out, ops...), nil
}

// MemoryStore is an in-memory operator store.
type MemoryStore struct {
	mu  sync.RWMutex
	ops map[int64]Operator
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[int64]Operator)}
}

func (m *MemoryStore) Add(_ context.Context, op Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[op.UserID]; !ok {
		m.ops[op.UserID] = op
	}
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[userID]; !ok {
		return ErrNotFound
	}
	delete(m.ops, userID)
	return nil
}

func (m *MemoryStore) Has(_ context.Context, userID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ops[userID]
	return ok, nil
}

// List returns operators ordered by user id.
func (m *MemoryStore) List(_ context.Context) ([]Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Operator, 0, len(m.ops))
	for _, op := range m.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
