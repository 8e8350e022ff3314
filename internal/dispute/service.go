package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loompay/loompay/internal/order"
	"github.com/loompay/loompay/internal/traces"
)

var disputesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "loompay",
	Subsystem: "dispute",
	Name:      "events_total",
	Help:      "Dispute lifecycle events by action and outcome.",
}, []string{"action", "outcome"})

func init() {
	prometheus.MustRegister(disputesTotal)
}

// Settler executes the funds movement a resolution decides on.
type Settler interface {
	Release(ctx context.Context, orderID string) (string, error)
	Refund(ctx context.Context, orderID, reason, actorID string) (string, error)
}

// Notifier is the notification slice dispute events emit.
type Notifier interface {
	AdminDisputeOpened(orderID, disputeID, reason string)
	CustomerOrderStatus(orderID, customerID, status string)
}

// Service coordinates dispute intake and admin resolution.
type Service struct {
	store    Store
	orders   order.Store
	settler  Settler
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates a dispute service.
func NewService(store Store, orders order.Store, settler Settler, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		orders:  orders,
		settler: settler,
		logger:  logger,
	}
}

// WithNotifier wires dispute notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Open files a dispute against an in-transit order. Only the order's
// customer may open one, only while the order is shipped, and only if no
// other dispute is currently open for it.
func (s *Service) Open(ctx context.Context, orderID, customerID, reason, description string) (*Dispute, error) {
	if reason == "" {
		return nil, fmt.Errorf("reason is required")
	}

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != customerID {
		return nil, order.ErrNotParticipant
	}
	if o.Status != order.StatusShipped {
		disputesTotal.WithLabelValues("open", "wrong_status").Inc()
		return nil, fmt.Errorf("%w: disputes may only be opened on shipped orders (status %s)",
			order.ErrStatusConflict, o.Status)
	}

	now := time.Now()
	d := &Dispute{
		ID:          "dsp_" + uuid.NewString(),
		OrderID:     o.ID,
		CustomerID:  o.CustomerID,
		DesignerID:  o.DesignerID,
		Reason:      reason,
		Description: description,
		Status:      StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		if err == ErrDisputeExists {
			disputesTotal.WithLabelValues("open", "duplicate").Inc()
		}
		return nil, err
	}

	disputesTotal.WithLabelValues("open", "created").Inc()
	s.logger.Info("dispute opened",
		"dispute_id", d.ID, "order_id", d.OrderID, "reason", reason)

	if s.notifier != nil {
		s.notifier.AdminDisputeOpened(d.OrderID, d.ID, reason)
	}
	return d, nil
}

// Resolve applies an admin decision. The funds movement runs first; the
// dispute is marked resolved only once the ledger settlement succeeded, so
// a failed refund or release leaves the dispute open for another attempt.
func (s *Service) Resolve(ctx context.Context, disputeID string, decision Decision, notes, resolverID string) (*Dispute, error) {
	if !decision.Valid() {
		return nil, ErrInvalidDecision
	}

	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(disputeID))
	defer span.End()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrAlreadyResolved
	}

	var txRef string
	switch decision {
	case FavorCustomer:
		txRef, err = s.settler.Refund(ctx, d.OrderID, "dispute resolved in customer's favor: "+d.Reason, resolverID)
	case FavorDesigner:
		txRef, err = s.settler.Release(ctx, d.OrderID)
	}
	if err != nil {
		disputesTotal.WithLabelValues("resolve", "settlement_failed").Inc()
		s.logger.Error("dispute settlement failed, dispute stays open",
			"dispute_id", d.ID, "order_id", d.OrderID, "decision", decision, "error", err)
		return nil, fmt.Errorf("settle dispute %s: %w", d.ID, err)
	}

	resolved, err := s.store.MarkResolved(ctx, d.ID, decision, notes, resolverID)
	if err != nil {
		// Funds moved but the dispute row did not close. The order row has
		// already advanced, so a retry here would fail on the order status
		// guard rather than double-pay; still flag for an operator.
		disputesTotal.WithLabelValues("resolve", "persist_error").Inc()
		s.logger.Error("CRITICAL: settlement executed but dispute not marked resolved",
			"dispute_id", d.ID, "order_id", d.OrderID, "tx_ref", txRef, "error", err)
		return nil, fmt.Errorf("mark dispute %s resolved after settlement (tx %s): %w", d.ID, txRef, err)
	}

	disputesTotal.WithLabelValues("resolve", string(decision)).Inc()
	s.logger.Info("dispute resolved",
		"dispute_id", d.ID, "order_id", d.OrderID, "decision", decision, "tx_ref", txRef)
	return resolved, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListOpen returns open disputes oldest-first for the admin queue.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListOpen(ctx, limit)
}

// HasOpenDispute reports whether the order has an open dispute. It is the
// guard other services consult before delivery confirmation or an early
// release.
func (s *Service) HasOpenDispute(ctx context.Context, orderID string) (bool, error) {
	return s.store.HasOpenForOrder(ctx, orderID)
}
