package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loompay/loompay/internal/asset"
	"github.com/loompay/loompay/internal/order"
)

const testVault = "Vau1tLoomPay1111111111111111111111111111"

// scriptedBalances returns one balance per call, in sequence.
type scriptedBalances struct {
	balances []string
	calls    int
	err      error
}

func (s *scriptedBalances) Balance(ctx context.Context, account string, class asset.Class) (decimal.Decimal, error) {
	if s.err != nil {
		return decimal.Zero, s.err
	}
	if s.calls >= len(s.balances) {
		return decimal.Zero, errors.New("scripted balances exhausted")
	}
	b := decimal.RequireFromString(s.balances[s.calls])
	s.calls++
	return b, nil
}

type paymentRecorder struct {
	confirmed []string // amounts
}

func (p *paymentRecorder) DesignerPaymentConfirmed(orderID, designerID, amount string) {
	p.confirmed = append(p.confirmed, amount)
}

func pendingOrder(t *testing.T, store order.Store, amount string) *order.Order {
	t.Helper()
	o := &order.Order{
		ID:              "ord_test",
		CustomerID:      "cust_1",
		DesignerID:      "dsgn_1",
		ItemID:          "item_1",
		Amount:          decimal.RequireFromString(amount),
		Currency:        asset.Token,
		DeliveryAddress: "12 Thread St",
		Status:          order.StatusPending,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if err := store.Create(context.Background(), o); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return o
}

func newEngine(store order.Store, ledger *scriptedBalances, strict bool) *Engine {
	return New(store, ledger, Config{
		VaultAddress: testVault,
		SettleDelay:  0, // no waiting in tests
		Strict:       strict,
	}, slog.Default())
}

func TestConfirmDeposit(t *testing.T) {
	store := order.NewMemoryStore()
	o := pendingOrder(t, store, "10")
	ledger := &scriptedBalances{balances: []string{"100", "110.06"}}
	recorder := &paymentRecorder{}
	e := newEngine(store, ledger, false).WithNotifier(recorder)

	updated, err := e.ConfirmDeposit(context.Background(), o.ID, "tx_dep_1")
	if err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}
	if updated.Status != order.StatusPaid {
		t.Errorf("status = %s, want paid", updated.Status)
	}
	if updated.DepositTxRef != "tx_dep_1" {
		t.Errorf("deposit tx ref = %s", updated.DepositTxRef)
	}
	// The measured delta (10.06, 0.6% over quote) is within the 1% default
	// tolerance and becomes the authoritative amount.
	if updated.ActualAmountReceived == nil || !updated.ActualAmountReceived.Equal(decimal.RequireFromString("10.06")) {
		t.Errorf("actual amount = %v, want 10.06", updated.ActualAmountReceived)
	}
	if updated.VaultBalanceBefore == nil || !updated.VaultBalanceBefore.Equal(decimal.RequireFromString("100")) {
		t.Errorf("balance before = %v, want 100", updated.VaultBalanceBefore)
	}
	if updated.VaultBalanceAfter == nil || !updated.VaultBalanceAfter.Equal(decimal.RequireFromString("110.06")) {
		t.Errorf("balance after = %v, want 110.06", updated.VaultBalanceAfter)
	}
	if len(recorder.confirmed) != 1 || recorder.confirmed[0] != "10.06" {
		t.Errorf("confirmations = %v, want [10.06]", recorder.confirmed)
	}
}

func TestConfirmDeposit_Idempotent(t *testing.T) {
	store := order.NewMemoryStore()
	o := pendingOrder(t, store, "10")
	ledger := &scriptedBalances{balances: []string{"100", "110"}}
	recorder := &paymentRecorder{}
	e := newEngine(store, ledger, false).WithNotifier(recorder)
	ctx := context.Background()

	if _, err := e.ConfirmDeposit(ctx, o.ID, "tx_dep_1"); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	callsAfterFirst := ledger.calls

	again, err := e.ConfirmDeposit(ctx, o.ID, "tx_dep_1")
	if err != nil {
		t.Fatalf("re-confirm: %v", err)
	}
	if again.Status != order.StatusPaid {
		t.Errorf("status = %s, want paid", again.Status)
	}
	if ledger.calls != callsAfterFirst {
		t.Error("re-confirm must not re-measure the vault")
	}
	if len(recorder.confirmed) != 1 {
		t.Errorf("notification fired %d times, want 1", len(recorder.confirmed))
	}
}

func TestConfirmDeposit_DifferentTxRefConflicts(t *testing.T) {
	store := order.NewMemoryStore()
	o := pendingOrder(t, store, "10")
	ledger := &scriptedBalances{balances: []string{"100", "110", "110", "120"}}
	e := newEngine(store, ledger, false)
	ctx := context.Background()

	if _, err := e.ConfirmDeposit(ctx, o.ID, "tx_dep_1"); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	_, err := e.ConfirmDeposit(ctx, o.ID, "tx_dep_2")
	if !errors.Is(err, order.ErrStatusConflict) {
		t.Errorf("err = %v, want ErrStatusConflict", err)
	}
}

func TestConfirmDeposit_FallbackToQuote(t *testing.T) {
	store := order.NewMemoryStore()
	o := pendingOrder(t, store, "10")
	// Delta is zero: the window missed the deposit.
	ledger := &scriptedBalances{balances: []string{"100", "100"}}
	e := newEngine(store, ledger, false)

	updated, err := e.ConfirmDeposit(context.Background(), o.ID, "tx_dep_1")
	if err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}
	if updated.Status != order.StatusPaid {
		t.Errorf("status = %s, want paid", updated.Status)
	}
	if updated.ActualAmountReceived == nil || !updated.ActualAmountReceived.Equal(decimal.RequireFromString("10")) {
		t.Errorf("actual amount = %v, want quoted 10", updated.ActualAmountReceived)
	}
}

func TestConfirmDeposit_ShortfallProceedsOnMeasured(t *testing.T) {
	store := order.NewMemoryStore()
	o := pendingOrder(t, store, "10")
	// Only half the quote arrived. Default mode records the measured amount
	// and proceeds: settlement math must track what the vault actually holds.
	ledger := &scriptedBalances{balances: []string{"100", "105"}}
	e := newEngine(store, ledger, false)

	updated, err := e.ConfirmDeposit(context.Background(), o.ID, "tx_dep_1")
	if err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}
	if updated.Status != order.StatusPaid {
		t.Errorf("status = %s, want paid", updated.Status)
	}
	if updated.ActualAmountReceived == nil || !updated.ActualAmountReceived.Equal(decimal.RequireFromString("5")) {
		t.Errorf("actual amount = %v, want measured 5", updated.ActualAmountReceived)
	}
	if updated.SettlementAmount().String() != "5" {
		t.Errorf("settlement amount = %s, want 5", updated.SettlementAmount())
	}
}

func TestConfirmDeposit_StrictBlocksMismatch(t *testing.T) {
	store := order.NewMemoryStore()
	o := pendingOrder(t, store, "10")
	ledger := &scriptedBalances{balances: []string{"100", "105"}}
	e := newEngine(store, ledger, true)

	_, err := e.ConfirmDeposit(context.Background(), o.ID, "tx_dep_1")
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("err = %v, want ErrAmountMismatch", err)
	}

	got, _ := store.Get(context.Background(), o.ID)
	if got.Status != order.StatusPending {
		t.Errorf("status = %s, want pending for manual review", got.Status)
	}
	if got.DepositTxRef != "" {
		t.Errorf("deposit tx ref recorded on blocked deposit: %s", got.DepositTxRef)
	}
}

func TestConfirmDeposit_Validation(t *testing.T) {
	store := order.NewMemoryStore()
	o := pendingOrder(t, store, "10")
	e := newEngine(store, &scriptedBalances{}, false)
	ctx := context.Background()

	if _, err := e.ConfirmDeposit(ctx, o.ID, ""); err == nil {
		t.Error("expected error for empty tx ref")
	}
	if _, err := e.ConfirmDeposit(ctx, "ord_missing", "tx_dep_1"); !errors.Is(err, order.ErrOrderNotFound) {
		t.Errorf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestConfirmDeposit_LedgerError(t *testing.T) {
	store := order.NewMemoryStore()
	o := pendingOrder(t, store, "10")
	ledger := &scriptedBalances{err: errors.New("rpc unreachable")}
	e := newEngine(store, ledger, false)

	if _, err := e.ConfirmDeposit(context.Background(), o.ID, "tx_dep_1"); err == nil {
		t.Fatal("expected ledger error to surface")
	}
	got, _ := store.Get(context.Background(), o.ID)
	if got.Status != order.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}
