// Package dispute records disputes against in-transit orders and routes
// admin decisions to the release or refund engine.
package dispute

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrDisputeExists   = errors.New("order already has an open dispute")
	ErrAlreadyResolved = errors.New("dispute already resolved")
	ErrInvalidDecision = errors.New("invalid dispute decision")
)

// Status of a dispute. Resolved is terminal.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Decision determines which settlement fires on resolution.
type Decision string

const (
	FavorCustomer Decision = "favor_customer" // refund
	FavorDesigner Decision = "favor_designer" // release
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == FavorCustomer || d == FavorDesigner
}

// Dispute references exactly one order. Customer and designer IDs are
// denormalized from the order at creation so the dispute row stands alone
// for admin review.
type Dispute struct {
	ID         string `json:"id"`
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
	DesignerID string `json:"designerId"`

	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`

	Status          Status     `json:"status"`
	Decision        Decision   `json:"decision,omitempty"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`
	ResolvedBy      string     `json:"resolvedBy,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists disputes. At most one open dispute may exist per order;
// Create fails with ErrDisputeExists otherwise. MarkResolved is guarded on
// the dispute still being open so two admins cannot both resolve it.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	HasOpenForOrder(ctx context.Context, orderID string) (bool, error)
	ListOpen(ctx context.Context, limit int) ([]*Dispute, error)
	MarkResolved(ctx context.Context, id string, decision Decision, notes, resolvedBy string) (*Dispute, error)
}
