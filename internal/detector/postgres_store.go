package detector

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// PostgresProcessedSet persists credited transaction hashes.
type PostgresProcessedSet struct {
	db *sql.DB
}

func NewPostgresProcessedSet(db *sql.DB) *PostgresProcessedSet {
	return &PostgresProcessedSet{db: db}
}

func (p *PostgresProcessedSet) Has(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_transactions WHERE tx_hash = $1)`,
		strings.ToLower(txHash),
	).Scan(&exists)
	return exists, err
}

func (p *PostgresProcessedSet) Add(ctx context.Context, txHash, dealID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_transactions (tx_hash, deal_id, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (tx_hash) DO NOTHING`,
		strings.ToLower(txHash), dealID,
	)
	return err
}

// PostgresCursorStore persists a named scan cursor. The name keeps cursors
// for different chains or custodial addresses apart.
type PostgresCursorStore struct {
	db   *sql.DB
	name string
}

func NewPostgresCursorStore(db *sql.DB, name string) *PostgresCursorStore {
	return &PostgresCursorStore{db: db, name: name}
}

func (p *PostgresCursorStore) Load(ctx context.Context) (uint64, bool, error) {
	var height int64
	err := p.db.QueryRowContext(ctx,
		`SELECT height FROM scan_cursors WHERE name = $1`, p.name,
	).Scan(&height)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(height), true, nil //nolint:gosec // heights are stored from uint64
}

// Save upserts the cursor; the stored value never decreases.
func (p *PostgresCursorStore) Save(ctx context.Context, height uint64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO scan_cursors (name, height, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE
		SET height = GREATEST(scan_cursors.height, EXCLUDED.height),
		    updated_at = NOW()`,
		p.name, int64(height), //nolint:gosec // block heights fit in int64
	)
	return err
}
