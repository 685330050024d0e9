package operators

import (
	"context"
	"database/sql"
)

// PostgresStore persists operators in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Add(ctx context.Context, op Operator) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO operators (user_id, authorized_by, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, op.UserID, op.AuthorizedBy, op.CreatedAt)
	return err
}

func (p *PostgresStore) Remove(ctx context.Context, userID int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM operators WHERE user_id = $1`, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Has(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM operators WHERE user_id = $1)`, userID,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) List(ctx context.Context) ([]Operator, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, authorized_by, created_at
		FROM operators ORDER BY user_id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Operator
	for rows.Next() {
		var op Operator
		if err := rows.Scan(&op.UserID, &op.AuthorizedBy, &op.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
