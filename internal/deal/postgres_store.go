package deal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists deals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const dealColumns = `id, room_id, initiator_id, initiator_handle, counterparty_handle, members,
		buyer_id, seller_id, asset, amount, rate, payment_method,
		buyer_address, seller_address, fee_percentage, status,
		payment_detected_at, tx_hash, deposit_amount,
		pending, pending_tx_hash, pending_action, settlement_tx_hash,
		created_at, updated_at, closed_at`

func (p *PostgresStore) Create(ctx context.Context, d *Deal) error {
	members, pending, err := encodeJSON(d)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO deals (`+dealColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19,
			$20, $21, $22, $23,
			$24, $25, $26
		)`,
		d.ID, d.RoomID, d.Initiator.ID, d.Initiator.Handle, d.CounterpartyHandle, members,
		d.BuyerID, d.SellerID, d.Asset, d.Amount, d.Rate, d.PaymentMethod,
		d.BuyerAddress, d.SellerAddress, d.FeePercentage, string(d.Status),
		nullTime(d.PaymentDetectedAt), d.TxHash, d.DepositAmount,
		pending, d.PendingTxHash, string(d.PendingAction), d.SettlementTxHash,
		d.CreatedAt, d.UpdatedAt, nullTime(d.ClosedAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateID
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Deal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)
	d, err := scanDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDealNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Deal) error {
	members, pending, err := encodeJSON(d)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE deals SET
			members = $2, buyer_id = $3, seller_id = $4, asset = $5, amount = $6,
			rate = $7, payment_method = $8, buyer_address = $9, seller_address = $10,
			fee_percentage = $11, status = $12, payment_detected_at = $13,
			tx_hash = $14, deposit_amount = $15, pending = $16,
			pending_tx_hash = $17, pending_action = $18, settlement_tx_hash = $19,
			updated_at = $20, closed_at = $21
		WHERE id = $1`,
		d.ID, members, d.BuyerID, d.SellerID, d.Asset, d.Amount,
		d.Rate, d.PaymentMethod, d.BuyerAddress, d.SellerAddress,
		d.FeePercentage, string(d.Status), nullTime(d.PaymentDetectedAt),
		d.TxHash, d.DepositAmount, pending,
		d.PendingTxHash, string(d.PendingAction), d.SettlementTxHash,
		d.UpdatedAt, nullTime(d.ClosedAt),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDealNotFound
	}
	return nil
}

func (p *PostgresStore) ListActive(ctx context.Context, limit int) ([]*Deal, error) {
	return p.query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status NOT IN ('completed', 'refunded')
		ORDER BY created_at, id
		LIMIT $1`, limitOrAll(limit))
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Deal, error) {
	return p.query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2`, string(status), limitOrAll(limit))
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Deal, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeal(s scanner) (*Deal, error) {
	var (
		d             Deal
		status        string
		pendingAction string
		members       []byte
		pending       []byte
		detectedAt    sql.NullTime
		closedAt      sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.RoomID, &d.Initiator.ID, &d.Initiator.Handle, &d.CounterpartyHandle, &members,
		&d.BuyerID, &d.SellerID, &d.Asset, &d.Amount, &d.Rate, &d.PaymentMethod,
		&d.BuyerAddress, &d.SellerAddress, &d.FeePercentage, &status,
		&detectedAt, &d.TxHash, &d.DepositAmount,
		&pending, &d.PendingTxHash, &pendingAction, &d.SettlementTxHash,
		&d.CreatedAt, &d.UpdatedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.PendingAction = Action(pendingAction)
	if detectedAt.Valid {
		t := detectedAt.Time
		d.PaymentDetectedAt = &t
	}
	if closedAt.Valid {
		t := closedAt.Time
		d.ClosedAt = &t
	}
	if len(members) > 0 {
		if err := json.Unmarshal(members, &d.Members); err != nil {
			return nil, fmt.Errorf("deal: decode members: %w", err)
		}
	}
	if len(pending) > 0 && string(pending) != "null" {
		var c Confirmation
		if err := json.Unmarshal(pending, &c); err != nil {
			return nil, fmt.Errorf("deal: decode pending confirmation: %w", err)
		}
		d.Pending = &c
	}
	return &d, nil
}

// encodeJSON renders the JSONB columns. pending is nil (SQL NULL) when no
// confirmation is outstanding.
func encodeJSON(d *Deal) (members string, pending interface{}, err error) {
	ms := d.Members
	if ms == nil {
		ms = []Member{}
	}
	mb, err := json.Marshal(ms)
	if err != nil {
		return "", nil, fmt.Errorf("deal: encode members: %w", err)
	}
	if d.Pending != nil {
		pb, err := json.Marshal(d.Pending)
		if err != nil {
			return "", nil, fmt.Errorf("deal: encode pending confirmation: %w", err)
		}
		pending = string(pb)
	}
	return string(mb), pending, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func limitOrAll(limit int) interface{} {
	if limit <= 0 {
		return nil // LIMIT NULL means no limit
	}
	return limit
}
