// Package order holds the authoritative record of escrowed orders and the
// state machine that moves them from payment through delivery to settlement.
//
// Lifecycle:
//
//	pending --confirm deposit--> paid --designer ships--> shipped
//	shipped --customer confirms--> delivered --release--> released
//	shipped --dispute resolved----> refunded | released
//	pending --signer rejection--> cancelled
//
// Every status write is a compare-and-swap on the current status so a stale
// actor can never re-apply a transition another actor already advanced past.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loompay/loompay/internal/asset"
)

var (
	ErrOrderNotFound         = errors.New("order not found")
	ErrStatusConflict        = errors.New("order status does not permit this operation")
	ErrShipmentProofRequired = errors.New("tracking number and at least one proof image required")
	ErrWalletMissing         = errors.New("counterparty has no registered wallet address")
	ErrNotParticipant        = errors.New("caller is not a participant in this order")
	ErrDisputeBlocked        = errors.New("order has an open dispute")
)

// Status represents the state of an escrowed order.
type Status string

const (
	StatusPending   Status = "pending"   // created, deposit not yet verified
	StatusPaid      Status = "paid"      // deposit confirmed in the vault
	StatusShipped   Status = "shipped"   // designer shipped with proof
	StatusDelivered Status = "delivered" // customer confirmed receipt
	StatusReleased  Status = "released"  // vault funds sent to designer
	StatusRefunded  Status = "refunded"  // vault funds returned to customer
	StatusCancelled Status = "cancelled" // deposit never completed
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Order is the authoritative unit of an escrowed transaction.
type Order struct {
	ID         string `json:"id"`
	CustomerID string `json:"customerId"`
	DesignerID string `json:"designerId"`
	ItemID     string `json:"itemId"`

	// Economics. Amount is the quoted value; ActualAmountReceived is what
	// reconciliation measured in the vault and, once set, is never
	// decreased or cleared. The balance snapshots are the audit trail of
	// the vault around the confirming deposit.
	Amount               decimal.Decimal  `json:"amount"`
	Currency             asset.Class      `json:"currency"`
	ActualAmountReceived *decimal.Decimal `json:"actualAmountReceived,omitempty"`
	VaultBalanceBefore   *decimal.Decimal `json:"vaultBalanceBefore,omitempty"`
	VaultBalanceAfter    *decimal.Decimal `json:"vaultBalanceAfter,omitempty"`

	// Ledger references.
	DepositTxRef string `json:"depositTxRef,omitempty"`
	ReleaseTxRef string `json:"releaseTxRef,omitempty"`
	RefundTxRef  string `json:"refundTxRef,omitempty"`

	// Logistics.
	DeliveryAddress     string   `json:"deliveryAddress"`
	SpecialInstructions string   `json:"specialInstructions,omitempty"`
	TrackingNumber      string   `json:"trackingNumber,omitempty"`
	ShippingNotes       string   `json:"shippingNotes,omitempty"`
	ProofImages         []string `json:"proofImages,omitempty"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SettlementAmount is the amount release/refund math operates on: the
// measured deposit when reconciliation recorded one, else the quote.
func (o *Order) SettlementAmount() decimal.Decimal {
	if o.ActualAmountReceived != nil {
		return *o.ActualAmountReceived
	}
	return o.Amount
}

// Store persists orders. Transition is the only way to change status: it
// re-reads the order, verifies the current status is one of from, applies
// mutate, and writes the result guarded by the prior status. A concurrent
// writer that advanced the order first makes Transition fail with
// ErrStatusConflict and no side effects.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Order, error)
	ListByDesigner(ctx context.Context, designerID string, limit int) ([]*Order, error)
	Transition(ctx context.Context, id string, from []Status, mutate func(*Order) error) (*Order, error)
}

func statusIn(s Status, set []Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
