package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loompay/loompay/internal/asset"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, customer_id, designer_id, item_id,
		amount, currency, actual_amount_received,
		vault_balance_before, vault_balance_after,
		deposit_tx_ref, release_tx_ref, refund_tx_ref,
		delivery_address, special_instructions, tracking_number,
		shipping_notes, proof_images, status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	proofJSON, _ := json.Marshal(o.ProofImages)
	if o.ProofImages == nil {
		proofJSON = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, customer_id, designer_id, item_id,
			amount, currency, actual_amount_received,
			vault_balance_before, vault_balance_after,
			deposit_tx_ref, release_tx_ref, refund_tx_ref,
			delivery_address, special_instructions, tracking_number,
			shipping_notes, proof_images, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5::NUMERIC(30,9), $6, $7,
			$8, $9,
			$10, $11, $12,
			$13, $14, $15,
			$16, $17, $18, $19, $20
		)`,
		o.ID, o.CustomerID, o.DesignerID, o.ItemID,
		o.Amount.String(), string(o.Currency), nullDecimal(o.ActualAmountReceived),
		nullDecimal(o.VaultBalanceBefore), nullDecimal(o.VaultBalanceAfter),
		nullString(o.DepositTxRef), nullString(o.ReleaseTxRef), nullString(o.RefundTxRef),
		o.DeliveryAddress, nullString(o.SpecialInstructions), nullString(o.TrackingNumber),
		nullString(o.ShippingNotes), proofJSON, string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Order, error) {
	return p.listBy(ctx, "customer_id", customerID, limit)
}

func (p *PostgresStore) ListByDesigner(ctx context.Context, designerID string, limit int) ([]*Order, error) {
	return p.listBy(ctx, "designer_id", designerID, limit)
}

func (p *PostgresStore) listBy(ctx context.Context, column, value string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE `+column+` = $1
		ORDER BY created_at DESC
		LIMIT $2`, value, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

// Transition applies a status-guarded mutation. The row is locked for the
// duration of the transaction, the prior status is re-checked under the
// lock, and the UPDATE itself carries the compare-and-swap predicate, so a
// concurrent writer can never double-apply a transition.
func (p *PostgresStore) Transition(ctx context.Context, id string, from []Status, mutate func(*Order) error) (*Order, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	prior := o.Status
	if !statusIn(prior, from) {
		return nil, ErrStatusConflict
	}

	if err := mutate(o); err != nil {
		return nil, err
	}
	o.UpdatedAt = time.Now()

	proofJSON, _ := json.Marshal(o.ProofImages)
	if o.ProofImages == nil {
		proofJSON = []byte("[]")
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			actual_amount_received = $1, vault_balance_before = $2, vault_balance_after = $3,
			deposit_tx_ref = $4, release_tx_ref = $5, refund_tx_ref = $6,
			tracking_number = $7, shipping_notes = $8, proof_images = $9,
			status = $10, updated_at = $11
		WHERE id = $12 AND status = $13`,
		nullDecimal(o.ActualAmountReceived), nullDecimal(o.VaultBalanceBefore), nullDecimal(o.VaultBalanceAfter),
		nullString(o.DepositTxRef), nullString(o.ReleaseTxRef), nullString(o.RefundTxRef),
		nullString(o.TrackingNumber), nullString(o.ShippingNotes), proofJSON,
		string(o.Status), o.UpdatedAt,
		o.ID, string(prior),
	)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrStatusConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return o, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		amount       string
		currency     string
		actual       sql.NullString
		before       sql.NullString
		after        sql.NullString
		depositRef   sql.NullString
		releaseRef   sql.NullString
		refundRef    sql.NullString
		instructions sql.NullString
		tracking     sql.NullString
		notes        sql.NullString
		proofJSON    []byte
		status       string
	)

	err := s.Scan(
		&o.ID, &o.CustomerID, &o.DesignerID, &o.ItemID,
		&amount, &currency, &actual,
		&before, &after,
		&depositRef, &releaseRef, &refundRef,
		&o.DeliveryAddress, &instructions, &tracking,
		&notes, &proofJSON, &status, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	o.Currency = asset.Class(currency)
	o.Status = Status(status)
	o.ActualAmountReceived = parseNullDecimal(actual)
	o.VaultBalanceBefore = parseNullDecimal(before)
	o.VaultBalanceAfter = parseNullDecimal(after)
	o.DepositTxRef = depositRef.String
	o.ReleaseTxRef = releaseRef.String
	o.RefundTxRef = refundRef.String
	o.SpecialInstructions = instructions.String
	o.TrackingNumber = tracking.String
	o.ShippingNotes = notes.String
	if len(proofJSON) > 0 {
		_ = json.Unmarshal(proofJSON, &o.ProofImages)
	}

	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullDecimal renders an optional decimal for a NUMERIC column.
func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid {
		return nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil
	}
	return &d
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
