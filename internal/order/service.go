package order

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/loompay/loompay/internal/asset"
	"github.com/loompay/loompay/internal/chain"
	"github.com/loompay/loompay/internal/metrics"
	"github.com/loompay/loompay/internal/party"
)

// Releaser settles the vault into the designer's wallet once delivery is
// confirmed. Implemented by payout.Engine.
type Releaser interface {
	Release(ctx context.Context, orderID string) (string, error)
}

// Notifier is the slice of notification events the lifecycle emits.
// All calls are fire-and-forget.
type Notifier interface {
	DesignerNewOrder(orderID, designerID, customerName string)
	CustomerOrderStatus(orderID, customerID, status string)
	AdminDeliveryReview(orderID string)
}

// DisputeChecker reports whether an order has an open dispute. An open
// dispute freezes normal lifecycle advancement until an admin resolves it.
type DisputeChecker interface {
	HasOpenDispute(ctx context.Context, orderID string) (bool, error)
}

// CreateRequest contains the parameters for creating an escrowed order.
type CreateRequest struct {
	CustomerID          string `json:"customerId" binding:"required"`
	DesignerID          string `json:"designerId" binding:"required"`
	ItemID              string `json:"itemId" binding:"required"`
	Amount              string `json:"amount" binding:"required"`
	Currency            string `json:"currency" binding:"required"`
	DeliveryAddress     string `json:"deliveryAddress" binding:"required"`
	SpecialInstructions string `json:"specialInstructions"`
}

// ShipRequest contains the designer's shipment details.
type ShipRequest struct {
	DesignerID     string   `json:"designerId" binding:"required"`
	TrackingNumber string   `json:"trackingNumber"`
	ShippingNotes  string   `json:"shippingNotes"`
	ProofImages    []string `json:"proofImages"`
}

// Service implements the order lifecycle state machine.
type Service struct {
	store    Store
	parties  party.Directory
	releaser Releaser
	notifier Notifier
	disputes DisputeChecker
	logger   *slog.Logger
}

// NewService creates the lifecycle service.
func NewService(store Store, parties party.Directory, logger *slog.Logger) *Service {
	return &Service{store: store, parties: parties, logger: logger}
}

// WithReleaser wires the fund release engine for delivery-triggered payouts.
func (s *Service) WithReleaser(r Releaser) *Service {
	s.releaser = r
	return s
}

// WithNotifier wires lifecycle notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithDisputeChecker wires the open-dispute guard.
func (s *Service) WithDisputeChecker(d DisputeChecker) *Service {
	s.disputes = d
	return s
}

// Create persists a new order in pending status. The deposit itself happens
// in the customer's wallet; the order only advances to paid after
// reconciliation verifies the funds (see reconcile.Engine).
//
// Creation is refused when the designer has no payout wallet: escrowed
// funds that can never be released are worse than no order at all.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return nil, fmt.Errorf("invalid amount %q", req.Amount)
	}
	class, err := asset.ParseClass(req.Currency)
	if err != nil {
		return nil, err
	}
	if req.DeliveryAddress == "" {
		return nil, fmt.Errorf("delivery address required")
	}
	if req.CustomerID == req.DesignerID {
		return nil, fmt.Errorf("customer and designer cannot be the same profile")
	}

	designer, err := s.parties.Get(ctx, req.DesignerID)
	if err != nil {
		return nil, fmt.Errorf("lookup designer: %w", err)
	}
	if designer.WalletAddress == "" {
		return nil, ErrWalletMissing
	}
	// A malformed directory wallet is as unreleasable as a missing one.
	if !chain.ValidAddress(designer.WalletAddress) {
		return nil, fmt.Errorf("%w: designer wallet %q is not a ledger address", ErrWalletMissing, designer.WalletAddress)
	}
	customer, err := s.parties.Get(ctx, req.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("lookup customer: %w", err)
	}

	now := time.Now()
	o := &Order{
		ID:                  "ord_" + uuid.NewString(),
		CustomerID:          req.CustomerID,
		DesignerID:          req.DesignerID,
		ItemID:              req.ItemID,
		Amount:              amount,
		Currency:            class,
		DeliveryAddress:     req.DeliveryAddress,
		SpecialInstructions: req.SpecialInstructions,
		Status:              StatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	metrics.OrdersCreatedTotal.Inc()

	if s.notifier != nil {
		s.notifier.DesignerNewOrder(o.ID, o.DesignerID, customer.DisplayName)
	}
	return o, nil
}

// MarkShipped moves a paid order to shipped. A tracking number and at least
// one shipment-proof image are required before the transition is attempted.
func (s *Service) MarkShipped(ctx context.Context, id string, req ShipRequest) (*Order, error) {
	if req.TrackingNumber == "" || len(req.ProofImages) == 0 {
		return nil, ErrShipmentProofRequired
	}

	o, err := s.store.Transition(ctx, id, []Status{StatusPaid}, func(o *Order) error {
		if o.DesignerID != req.DesignerID {
			return ErrNotParticipant
		}
		o.TrackingNumber = req.TrackingNumber
		o.ShippingNotes = req.ShippingNotes
		o.ProofImages = req.ProofImages
		o.Status = StatusShipped
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(StatusShipped)).Inc()

	if s.notifier != nil {
		s.notifier.CustomerOrderStatus(o.ID, o.CustomerID, string(StatusShipped))
	}
	return o, nil
}

// ConfirmDelivery moves a shipped order to delivered and chains the fund
// release. The delivered transition commits even when the release fails:
// the customer's confirmation stands, and the release can be retried by an
// operator without re-asking the customer.
func (s *Service) ConfirmDelivery(ctx context.Context, id, customerID string) (*Order, error) {
	if s.disputes != nil {
		open, err := s.disputes.HasOpenDispute(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("check disputes: %w", err)
		}
		if open {
			return nil, ErrDisputeBlocked
		}
	}

	o, err := s.store.Transition(ctx, id, []Status{StatusShipped}, func(o *Order) error {
		if o.CustomerID != customerID {
			return ErrNotParticipant
		}
		o.Status = StatusDelivered
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(StatusDelivered)).Inc()

	if s.notifier != nil {
		s.notifier.AdminDeliveryReview(o.ID)
		s.notifier.CustomerOrderStatus(o.ID, o.CustomerID, string(StatusDelivered))
	}

	if s.releaser == nil {
		return o, nil
	}
	if _, err := s.releaser.Release(ctx, o.ID); err != nil {
		// Delivered is already committed; the release is retryable.
		s.logger.Error("release after delivery confirmation failed",
			"order_id", o.ID, "error", err)
		return o, fmt.Errorf("release funds: %w", err)
	}
	return s.store.Get(ctx, o.ID)
}

// CancelPending marks a pending order cancelled after the customer's signer
// rejected or abandoned the deposit. Any other status is a conflict: a
// verified deposit must be refunded, never cancelled away.
func (s *Service) CancelPending(ctx context.Context, id string) (*Order, error) {
	o, err := s.store.Transition(ctx, id, []Status{StatusPending}, func(o *Order) error {
		o.Status = StatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	if s.notifier != nil {
		s.notifier.CustomerOrderStatus(o.ID, o.CustomerID, string(StatusCancelled))
	}
	return o, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ListByCustomer returns a customer's orders, newest first.
func (s *Service) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByCustomer(ctx, customerID, limit)
}

// ListByDesigner returns a designer's orders, newest first.
func (s *Service) ListByDesigner(ctx context.Context, designerID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByDesigner(ctx, designerID, limit)
}
