// Package health provides a registry of named subsystem health checkers
// and the checkers the escrow service registers: database, ledger RPC and
// the detection loop.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// CheckTimeout bounds each individual check.
const CheckTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
		statuses[i] = nc.check(cctx)
		cancel()
		if statuses[i].Name == "" {
			statuses[i].Name = nc.name
		}
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// Database pings the Postgres pool.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// HeightReader is the part of the ledger client the rpc check needs.
type HeightReader interface {
	CurrentHeight(ctx context.Context) (uint64, error)
}

// Ledger reports the chain head, or the RPC error.
func Ledger(l HeightReader) Checker {
	return func(ctx context.Context) Status {
		h, err := l.CurrentHeight(ctx)
		if err != nil {
			return Status{Name: "ledger", Detail: err.Error()}
		}
		return Status{Name: "ledger", Healthy: true, Detail: fmt.Sprintf("height %d", h)}
	}
}

// LoopState is what the detection check reads from the coordinator.
type LoopState interface {
	Running() bool
}

// DetectionLoop is unhealthy when the payment detection loop has exited.
func DetectionLoop(l LoopState) Checker {
	return func(context.Context) Status {
		if !l.Running() {
			return Status{Name: "detection", Detail: "loop not running"}
		}
		return Status{Name: "detection", Healthy: true}
	}
}
