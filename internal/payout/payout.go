// Package payout moves custodial vault funds out of escrow: to the
// designer on release, or back to the customer on refund.
//
// The vault signing key is a singular shared resource. The ledger issues
// its replay-protection checkpoint serially, so two concurrent vault-signed
// submissions race; every ledger-mutating operation here is funneled
// through one context-aware mutex. Order rows are additionally guarded by
// the store's compare-and-swap transitions, so an admin double-click can
// never release the same escrow twice.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/loompay/loompay/internal/chain"
	"github.com/loompay/loompay/internal/metrics"
	"github.com/loompay/loompay/internal/order"
	"github.com/loompay/loompay/internal/party"
	"github.com/loompay/loompay/internal/retry"
	"github.com/loompay/loompay/internal/syncutil"
	"github.com/loompay/loompay/internal/traces"
)

var (
	// ErrInsufficientVault means the custodial account cannot cover the
	// settlement amount. This is an operational alert: escrowed money the
	// platform owes is missing from the vault.
	ErrInsufficientVault = errors.New("payout: vault balance insufficient to cover settlement")

	// ErrNoOpenDispute means a release was requested from shipped without
	// the dispute that would justify skipping delivery confirmation.
	ErrNoOpenDispute = errors.New("payout: release before delivery requires an open dispute")
)

var payoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "loompay",
	Subsystem: "payout",
	Name:      "settlements_total",
	Help:      "Release/refund attempts by kind and outcome.",
}, []string{"kind", "outcome"})

func init() {
	prometheus.MustRegister(payoutsTotal)
}

// Notifier is the notification slice settlements emit.
type Notifier interface {
	DesignerPaymentReleased(orderID, designerID, amount, txRef string)
	CustomerOrderStatus(orderID, customerID, status string)
}

// DisputeChecker reports whether an order has an open dispute.
type DisputeChecker interface {
	HasOpenDispute(ctx context.Context, orderID string) (bool, error)
}

// Engine signs and submits vault settlements.
type Engine struct {
	orders   order.Store
	ledger   chain.Ledger
	signer   chain.Signer
	parties  party.Directory
	disputes DisputeChecker
	notifier Notifier
	logger   *slog.Logger

	vaultLock *syncutil.Mutex
}

// New creates a payout engine.
func New(orders order.Store, ledger chain.Ledger, signer chain.Signer, parties party.Directory, logger *slog.Logger) *Engine {
	return &Engine{
		orders:    orders,
		ledger:    ledger,
		signer:    signer,
		parties:   parties,
		logger:    logger,
		vaultLock: syncutil.NewMutex(),
	}
}

// WithNotifier wires settlement notifications.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// WithDisputeChecker wires the open-dispute guard for early releases.
func (e *Engine) WithDisputeChecker(d DisputeChecker) *Engine {
	e.disputes = d
	return e
}

// Release sends the settlement amount from the vault to the designer's
// payout wallet and marks the order released.
//
// Normally allowed only from delivered. From shipped it is allowed solely
// under an open dispute (an admin resolving in the designer's favor);
// without one the delivery confirmation step cannot be skipped.
func (e *Engine) Release(ctx context.Context, orderID string) (string, error) {
	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return "", err
	}

	from := []order.Status{order.StatusDelivered}
	if o.Status == order.StatusShipped {
		open, err := e.hasOpenDispute(ctx, orderID)
		if err != nil {
			return "", err
		}
		if !open {
			return "", ErrNoOpenDispute
		}
		from = []order.Status{order.StatusShipped, order.StatusDelivered}
	}

	designer, err := e.parties.Get(ctx, o.DesignerID)
	if err != nil {
		return "", fmt.Errorf("lookup designer: %w", err)
	}
	if designer.WalletAddress == "" {
		return "", order.ErrWalletMissing
	}

	txRef, err := e.settle(ctx, o, designer.WalletAddress, "release", from, func(o *order.Order, ref string) {
		o.Status = order.StatusReleased
		o.ReleaseTxRef = ref
	})
	if err != nil {
		return "", err
	}

	if e.notifier != nil {
		e.notifier.DesignerPaymentReleased(o.ID, o.DesignerID, o.SettlementAmount().String(), txRef)
		e.notifier.CustomerOrderStatus(o.ID, o.CustomerID, string(order.StatusReleased))
	}
	return txRef, nil
}

// Refund returns the settlement amount from the vault to the customer's
// wallet and marks the order refunded. Reason and actor are recorded in
// the operational log; the dispute record carries the durable rationale.
func (e *Engine) Refund(ctx context.Context, orderID, reason, actorID string) (string, error) {
	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return "", err
	}

	customer, err := e.parties.Get(ctx, o.CustomerID)
	if err != nil {
		return "", fmt.Errorf("lookup customer: %w", err)
	}
	if customer.WalletAddress == "" {
		return "", order.ErrWalletMissing
	}

	e.logger.Info("refund requested",
		"order_id", orderID, "reason", reason, "actor", actorID)

	from := []order.Status{order.StatusShipped, order.StatusDelivered}
	txRef, err := e.settle(ctx, o, customer.WalletAddress, "refund", from, func(o *order.Order, ref string) {
		o.Status = order.StatusRefunded
		o.RefundTxRef = ref
	})
	if err != nil {
		return "", err
	}

	if e.notifier != nil {
		e.notifier.CustomerOrderStatus(o.ID, o.CustomerID, string(order.StatusRefunded))
	}
	return txRef, nil
}

// settle performs the shared vault-to-wallet flow: balance sufficiency
// check, transfer construction, vault signing, submission, confirmation,
// then the compare-and-swap status write. Nothing is persisted on failure
// before submission; a post-submission persistence failure is logged as
// critical for manual resolution since the funds have already moved.
func (e *Engine) settle(ctx context.Context, o *order.Order, destination, kind string,
	from []order.Status, apply func(*order.Order, string)) (string, error) {

	// Pre-check before any funds move. The compare-and-swap below is the
	// authoritative guard against races; this keeps an obviously stale
	// request (e.g. re-releasing a settled order) from submitting a
	// transfer the status write would then reject.
	if !statusIn(o.Status, from) {
		return "", order.ErrStatusConflict
	}

	ctx, span := traces.StartSpan(ctx, "payout."+kind,
		traces.OrderID(o.ID),
		traces.Currency(string(o.Currency)),
		traces.Amount(o.SettlementAmount().String()))
	defer span.End()

	unlock, err := e.vaultLock.Lock(ctx)
	if err != nil {
		return "", err
	}
	defer unlock()

	amount := o.SettlementAmount()
	vault := e.signer.Address()

	// Balance reads are idempotent; ride out RPC hiccups.
	var balance decimal.Decimal
	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		b, err := e.ledger.Balance(ctx, vault, o.Currency)
		if err != nil && !errors.Is(err, chain.ErrTransient) {
			return retry.Permanent(err)
		}
		balance = b
		return err
	})
	if err != nil {
		payoutsTotal.WithLabelValues(kind, "ledger_error").Inc()
		return "", fmt.Errorf("read vault balance: %w", err)
	}
	if balance.LessThan(amount) {
		payoutsTotal.WithLabelValues(kind, "insufficient_vault").Inc()
		e.logger.Error("OPERATIONAL ALERT: vault cannot cover settlement",
			"order_id", o.ID, "kind", kind, "vault_balance", balance, "needed", amount)
		return "", fmt.Errorf("%w: have %s, need %s", ErrInsufficientVault, balance, amount)
	}

	unsigned, err := e.ledger.BuildTransfer(ctx, vault, destination, amount, o.Currency)
	if err != nil {
		payoutsTotal.WithLabelValues(kind, "build_error").Inc()
		return "", fmt.Errorf("build transfer: %w", err)
	}

	signed, err := e.signer.Sign(unsigned)
	if err != nil {
		payoutsTotal.WithLabelValues(kind, "sign_error").Inc()
		return "", fmt.Errorf("sign transfer: %w", err)
	}

	txRef, err := e.ledger.SubmitSigned(ctx, signed)
	if err != nil {
		payoutsTotal.WithLabelValues(kind, "submit_error").Inc()
		return "", fmt.Errorf("submit transfer: %w", err)
	}

	if err := e.ledger.AwaitConfirmation(ctx, txRef); err != nil {
		payoutsTotal.WithLabelValues(kind, "confirm_error").Inc()
		return "", fmt.Errorf("confirm transfer: %w", err)
	}

	if _, err := e.orders.Transition(ctx, o.ID, from, func(o *order.Order) error {
		apply(o, txRef)
		return nil
	}); err != nil {
		// Funds already moved on the ledger but the row did not advance.
		// There is no safe automatic compensation; flag for an operator.
		payoutsTotal.WithLabelValues(kind, "persist_error").Inc()
		e.logger.Error("CRITICAL: funds settled on ledger but status update failed",
			"order_id", o.ID, "kind", kind, "tx_ref", txRef, "error", err)
		return "", fmt.Errorf("persist %s after funds moved (tx %s, requires manual resolution): %w", kind, txRef, err)
	}

	payoutsTotal.WithLabelValues(kind, "settled").Inc()
	if kind == "release" {
		metrics.OrderTransitionsTotal.WithLabelValues(string(order.StatusReleased)).Inc()
	} else {
		metrics.OrderTransitionsTotal.WithLabelValues(string(order.StatusRefunded)).Inc()
	}
	metrics.OrderSettlementDuration.Observe(time.Since(o.CreatedAt).Seconds())
	return txRef, nil
}

func statusIn(s order.Status, set []order.Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (e *Engine) hasOpenDispute(ctx context.Context, orderID string) (bool, error) {
	if e.disputes == nil {
		return false, nil
	}
	return e.disputes.HasOpenDispute(ctx, orderID)
}
