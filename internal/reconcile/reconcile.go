// Package reconcile verifies that claimed deposits actually arrived in the
// custodial vault.
//
// The client's word that a deposit succeeded is never trusted. Instead the
// engine measures the vault balance before and after a settle window and
// uses the observed delta as the authoritative amount received. The delta
// approach tolerates ledger fees (within a configured bound) but conflates
// concurrent deposits into the same vault during the window; the balance
// snapshots are persisted on the order so operators can audit any
// reconciliation after the fact.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/loompay/loompay/internal/asset"
	"github.com/loompay/loompay/internal/chain"
	"github.com/loompay/loompay/internal/metrics"
	"github.com/loompay/loompay/internal/order"
	"github.com/loompay/loompay/internal/traces"
)

// ErrAmountMismatch means the measured deposit deviated from the quote
// beyond tolerance while strict mode is on. The order stays pending for
// manual review.
var ErrAmountMismatch = errors.New("measured deposit deviates from quoted amount beyond tolerance")

var (
	reconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loompay",
		Subsystem: "reconcile",
		Name:      "deposits_total",
		Help:      "Deposit reconciliations by outcome.",
	}, []string{"outcome"})

	reconcileMismatch = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loompay",
		Subsystem: "reconcile",
		Name:      "amount_mismatch_total",
		Help:      "Deposits whose measured amount deviated beyond tolerance.",
	})
)

func init() {
	prometheus.MustRegister(reconcileTotal, reconcileMismatch)
}

const (
	// DefaultSettleDelay is the wait between balance reads, long enough
	// for the referenced transaction to finalize on the ledger.
	DefaultSettleDelay = 3 * time.Second

	// DefaultTolerance is the accepted relative deviation between the
	// measured and quoted amounts, absorbing network fees.
	DefaultTolerance = "0.01"
)

// Notifier is the notification slice reconciliation emits.
type Notifier interface {
	DesignerPaymentConfirmed(orderID, designerID, amount string)
}

// Config for the reconciliation engine.
type Config struct {
	VaultAddress string
	SettleDelay  time.Duration
	Tolerance    decimal.Decimal // zero means DefaultTolerance
	Strict       bool            // block out-of-tolerance deposits instead of proceeding
}

// Engine verifies deposits and commits the paid transition.
type Engine struct {
	orders   order.Store
	ledger   chain.BalanceReader
	notifier Notifier
	logger   *slog.Logger

	vault       string
	settleDelay time.Duration
	tolerance   decimal.Decimal
	strict      bool
}

// New creates a reconciliation engine.
func New(orders order.Store, ledger chain.BalanceReader, cfg Config, logger *slog.Logger) *Engine {
	tolerance := cfg.Tolerance
	if tolerance.IsZero() {
		tolerance = decimal.RequireFromString(DefaultTolerance)
	}
	settle := cfg.SettleDelay
	if settle < 0 {
		settle = DefaultSettleDelay
	}
	return &Engine{
		orders:      orders,
		ledger:      ledger,
		logger:      logger,
		vault:       cfg.VaultAddress,
		settleDelay: settle,
		tolerance:   tolerance,
		strict:      cfg.Strict,
	}
}

// WithNotifier wires the designer notification.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// ConfirmDeposit verifies the deposit referenced by txRef and moves the
// order to paid.
//
// Re-confirming an order that is already paid with the same txRef is a
// no-op returning the order unchanged: the amount is not re-counted and no
// notification is re-fired. A different txRef on a paid order is a status
// conflict.
func (e *Engine) ConfirmDeposit(ctx context.Context, orderID, txRef string) (*order.Order, error) {
	if txRef == "" {
		return nil, fmt.Errorf("transaction reference required")
	}

	ctx, span := traces.StartSpan(ctx, "reconcile.ConfirmDeposit",
		traces.OrderID(orderID), traces.TxRef(txRef))
	defer span.End()

	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == order.StatusPaid && o.DepositTxRef == txRef {
		return o, nil
	}
	if o.Status != order.StatusPending {
		return nil, order.ErrStatusConflict
	}

	before, err := e.ledger.Balance(ctx, e.vault, o.Currency)
	if err != nil {
		reconcileTotal.WithLabelValues("ledger_error").Inc()
		return nil, fmt.Errorf("read vault balance: %w", err)
	}

	// Let the referenced transaction finalize before the second read.
	if err := sleepCtx(ctx, e.settleDelay); err != nil {
		return nil, err
	}

	after, err := e.ledger.Balance(ctx, e.vault, o.Currency)
	if err != nil {
		reconcileTotal.WithLabelValues("ledger_error").Inc()
		return nil, fmt.Errorf("read vault balance: %w", err)
	}

	received := after.Sub(before)
	authoritative := received
	if received.Sign() <= 0 {
		// The balance window missed the deposit (slow finalization, or a
		// concurrent withdrawal). Degraded confidence: trust the quote.
		e.logger.Warn("vault delta not positive, falling back to quoted amount",
			"order_id", o.ID, "tx_ref", txRef,
			"before", before, "after", after, "quoted", o.Amount)
		authoritative = o.Amount
		reconcileTotal.WithLabelValues("fallback_quote").Inc()
	} else if dev := asset.Deviation(received, o.Amount); dev.GreaterThan(e.tolerance) {
		reconcileMismatch.Inc()
		e.logger.Warn("deposit amount mismatch beyond tolerance",
			"order_id", o.ID, "tx_ref", txRef,
			"quoted", o.Amount, "received", received, "deviation", dev)
		if e.strict {
			reconcileTotal.WithLabelValues("mismatch_blocked").Inc()
			return nil, fmt.Errorf("%w: quoted %s, received %s", ErrAmountMismatch, o.Amount, received)
		}
		// Proceed on the measured amount: the vault holds what it holds,
		// and release math must use reality, not the quote.
	}

	updated, err := e.orders.Transition(ctx, o.ID, []order.Status{order.StatusPending}, func(o *order.Order) error {
		o.Status = order.StatusPaid
		o.DepositTxRef = txRef
		o.ActualAmountReceived = &authoritative
		o.VaultBalanceBefore = &before
		o.VaultBalanceAfter = &after
		return nil
	})
	if err != nil {
		reconcileTotal.WithLabelValues("conflict").Inc()
		return nil, err
	}
	reconcileTotal.WithLabelValues("paid").Inc()
	metrics.OrderTransitionsTotal.WithLabelValues(string(order.StatusPaid)).Inc()

	if e.notifier != nil {
		e.notifier.DesignerPaymentConfirmed(updated.ID, updated.DesignerID, authoritative.String())
	}
	return updated, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
