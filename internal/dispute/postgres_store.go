package dispute

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// PostgresStore persists disputes in PostgreSQL. The one-open-dispute-per-
// order rule is backed by a partial unique index on (order_id) WHERE
// status = 'open', so the invariant holds even under concurrent creates.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, order_id, customer_id, designer_id,
		reason, description, status, decision,
		resolution_notes, resolved_by, resolved_at,
		created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, order_id, customer_id, designer_id,
			reason, description, status, decision,
			resolution_notes, resolved_by, resolved_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.OrderID, d.CustomerID, d.DesignerID,
		d.Reason, nullString(d.Description), string(d.Status), nullString(string(d.Decision)),
		nullString(d.ResolutionNotes), nullString(d.ResolvedBy), nullTime(d.ResolvedAt),
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrDisputeExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) HasOpenForOrder(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM disputes WHERE order_id = $1 AND status = 'open')`,
		orderID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = 'open'
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// MarkResolved flips an open dispute to resolved. The WHERE clause carries
// the open-status guard; a concurrent resolver loses with ErrAlreadyResolved.
func (p *PostgresStore) MarkResolved(ctx context.Context, id string, decision Decision, notes, resolvedBy string) (*Dispute, error) {
	now := time.Now()
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = 'resolved', decision = $1, resolution_notes = $2,
			resolved_by = $3, resolved_at = $4, updated_at = $4
		WHERE id = $5 AND status = 'open'`,
		string(decision), nullString(notes), resolvedBy, now, id)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// Either missing or already resolved; look to tell them apart.
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrAlreadyResolved
	}
	return p.Get(ctx, id)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		description sql.NullString
		decision    sql.NullString
		notes       sql.NullString
		resolvedBy  sql.NullString
		resolvedAt  sql.NullTime
		status      string
	)
	err := s.Scan(
		&d.ID, &d.OrderID, &d.CustomerID, &d.DesignerID,
		&d.Reason, &description, &status, &decision,
		&notes, &resolvedBy, &resolvedAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.Description = description.String
	d.Decision = Decision(decision.String)
	d.ResolutionNotes = notes.String
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "duplicate key value")
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
