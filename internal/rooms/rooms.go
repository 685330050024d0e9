// Package rooms hands out the chat rooms deals are negotiated in. A room is
// held by exactly one open deal and returns to the pool when the deal
// closes.
package rooms

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrNoRooms  = errors.New("rooms: no free room available")
	ErrUnknown  = errors.New("rooms: unknown room")
	ErrOccupied = errors.New("rooms: room held by another deal")
)

// Stats is a snapshot of pool usage.
type Stats struct {
	Total int `json:"total"`
	InUse int `json:"inUse"`
	Free  int `json:"free"`
}

// Pool tracks which configured room each open deal holds. A pool built
// without room ids is unbounded: every deal gets room 0 and only the
// number of open deals is tracked.
type Pool struct {
	mu      sync.Mutex
	ids     []int64
	holders map[int64]string // room -> deal
	open    map[string]int64 // deal -> room
}

func NewPool(roomIDs []int64) *Pool {
	seen := make(map[int64]bool, len(roomIDs))
	ids := make([]int64, 0, len(roomIDs))
	for _, id := range roomIDs {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return &Pool{
		ids:     ids,
		holders: make(map[int64]string),
		open:    make(map[string]int64),
	}
}

func (p *Pool) bounded() bool { return len(p.ids) > 0 }

// Acquire assigns a free room to dealID, in configuration order. Acquiring
// again for the same deal returns its current room.
func (p *Pool) Acquire(dealID string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if room, ok := p.open[dealID]; ok {
		return room, nil
	}
	if !p.bounded() {
		p.open[dealID] = 0
		return 0, nil
	}
	for _, id := range p.ids {
		if _, held := p.holders[id]; !held {
			p.holders[id] = dealID
			p.open[dealID] = id
			return id, nil
		}
	}
	return 0, ErrNoRooms
}

// Claim marks roomID as held by dealID, for deals restored at startup.
func (p *Pool) Claim(roomID int64, dealID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.bounded() {
		p.open[dealID] = 0
		return nil
	}
	if !p.known(roomID) {
		return ErrUnknown
	}
	if holder, held := p.holders[roomID]; held && holder != dealID {
		return ErrOccupied
	}
	p.holders[roomID] = dealID
	p.open[dealID] = roomID
	return nil
}

// Release frees the room held by dealID. It reports false when the deal
// held no room, so repeated releases are harmless.
func (p *Pool) Release(dealID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	room, ok := p.open[dealID]
	if !ok {
		return false
	}
	delete(p.open, dealID)
	if p.bounded() {
		delete(p.holders, room)
	}
	return true
}

// Holder returns the deal holding roomID.
func (p *Pool) Holder(roomID int64) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.holders[roomID]
	return d, ok
}

// Free returns the unheld room ids in configuration order.
func (p *Pool) Free() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int64
	for _, id := range p.ids {
		if _, held := p.holders[id]; !held {
			out = append(out, id)
		}
	}
	return out
}

// Stats reports usage. For an unbounded pool Total equals InUse.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.bounded() {
		n := len(p.open)
		return Stats{Total: n, InUse: n}
	}
	return Stats{Total: len(p.ids), InUse: len(p.holders), Free: len(p.ids) - len(p.holders)}
}

// IDs returns the configured room ids, sorted.
func (p *Pool) IDs() []int64 {
	out := append([]int64(nil), p.ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *Pool) known(id int64) bool {
	for _, r := range p.ids {
		if r == id {
			return true
		}
	}
	return false
}
