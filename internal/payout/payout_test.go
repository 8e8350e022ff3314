package payout

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loompay/loompay/internal/asset"
	"github.com/loompay/loompay/internal/chain"
	"github.com/loompay/loompay/internal/order"
	"github.com/loompay/loompay/internal/party"
)

const (
	testVault          = "Vau1tLoomPay1111111111111111111111111111"
	testDesignerWallet = "Dsgn1Wa11et11111111111111111111111111111"
	testCustomerWallet = "Cust1Wa11et11111111111111111111111111111"
)

// fakeLedger scripts the vault balance and records transfer submissions.
type fakeLedger struct {
	balance    string
	balanceErr error
	buildErr   error
	submitErr  error
	confirmErr error

	transfers []transferCall
}

type transferCall struct {
	to     string
	amount decimal.Decimal
}

func (f *fakeLedger) Balance(ctx context.Context, account string, class asset.Class) (decimal.Decimal, error) {
	if f.balanceErr != nil {
		return decimal.Zero, f.balanceErr
	}
	return decimal.RequireFromString(f.balance), nil
}

func (f *fakeLedger) BuildTransfer(ctx context.Context, from, to string, amount decimal.Decimal, class asset.Class) (*chain.UnsignedTx, error) {
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	f.transfers = append(f.transfers, transferCall{to: to, amount: amount})
	return &chain.UnsignedTx{FeePayer: from, Checkpoint: "ckpt-1"}, nil
}

func (f *fakeLedger) SubmitSigned(ctx context.Context, tx *chain.SignedTx) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "tx_settled_1", nil
}

func (f *fakeLedger) AwaitConfirmation(ctx context.Context, txRef string) error {
	return f.confirmErr
}

func (f *fakeLedger) Close() error { return nil }

type fakeSigner struct {
	signErr error
}

func (f *fakeSigner) Address() string { return testVault }

func (f *fakeSigner) Sign(tx *chain.UnsignedTx) (*chain.SignedTx, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	return &chain.SignedTx{Tx: tx, Signature: "sig", Signer: testVault}, nil
}

type fakeDisputes struct {
	open bool
}

func (f *fakeDisputes) HasOpenDispute(ctx context.Context, orderID string) (bool, error) {
	return f.open, nil
}

// conflictingStore makes every Transition fail as if a concurrent writer
// advanced the order first.
type conflictingStore struct {
	order.Store
}

func (c *conflictingStore) Transition(ctx context.Context, id string, from []order.Status, mutate func(*order.Order) error) (*order.Order, error) {
	return nil, order.ErrStatusConflict
}

func seedOrder(t *testing.T, store order.Store, status order.Status) *order.Order {
	t.Helper()
	actual := decimal.RequireFromString("9.95")
	o := &order.Order{
		ID:                   "ord_test",
		CustomerID:           "cust_1",
		DesignerID:           "dsgn_1",
		ItemID:               "item_1",
		Amount:               decimal.RequireFromString("10"),
		Currency:             asset.Token,
		ActualAmountReceived: &actual,
		DeliveryAddress:      "12 Thread St",
		Status:               status,
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}
	if err := store.Create(context.Background(), o); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return o
}

func testParties() party.Directory {
	dir := party.NewMemoryDirectory()
	dir.Put(&party.Profile{ID: "cust_1", DisplayName: "Ana", WalletAddress: testCustomerWallet})
	dir.Put(&party.Profile{ID: "dsgn_1", DisplayName: "Mira", WalletAddress: testDesignerWallet})
	return dir
}

func newEngine(store order.Store, ledger chain.Ledger) *Engine {
	return New(store, ledger, &fakeSigner{}, testParties(), slog.Default())
}

func TestRelease(t *testing.T) {
	store := order.NewMemoryStore()
	o := seedOrder(t, store, order.StatusDelivered)
	ledger := &fakeLedger{balance: "100"}
	e := newEngine(store, ledger)

	txRef, err := e.Release(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if txRef != "tx_settled_1" {
		t.Errorf("tx ref = %s", txRef)
	}

	got, _ := store.Get(context.Background(), o.ID)
	if got.Status != order.StatusReleased {
		t.Errorf("status = %s, want released", got.Status)
	}
	if got.ReleaseTxRef != "tx_settled_1" {
		t.Errorf("release tx ref = %s", got.ReleaseTxRef)
	}

	// Settlement moves the measured deposit, not the quote, to the
	// designer's wallet.
	if len(ledger.transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(ledger.transfers))
	}
	if ledger.transfers[0].to != testDesignerWallet {
		t.Errorf("destination = %s, want designer wallet", ledger.transfers[0].to)
	}
	if !ledger.transfers[0].amount.Equal(decimal.RequireFromString("9.95")) {
		t.Errorf("amount = %s, want measured 9.95", ledger.transfers[0].amount)
	}
}

func TestRelease_FromShippedRequiresOpenDispute(t *testing.T) {
	store := order.NewMemoryStore()
	o := seedOrder(t, store, order.StatusShipped)
	e := newEngine(store, &fakeLedger{balance: "100"})
	ctx := context.Background()

	// No dispute checker wired at all: treated as no open dispute.
	if _, err := e.Release(ctx, o.ID); !errors.Is(err, ErrNoOpenDispute) {
		t.Errorf("err = %v, want ErrNoOpenDispute", err)
	}

	e.WithDisputeChecker(&fakeDisputes{open: false})
	if _, err := e.Release(ctx, o.ID); !errors.Is(err, ErrNoOpenDispute) {
		t.Errorf("err = %v, want ErrNoOpenDispute", err)
	}

	e.WithDisputeChecker(&fakeDisputes{open: true})
	if _, err := e.Release(ctx, o.ID); err != nil {
		t.Errorf("release under open dispute: %v", err)
	}
	got, _ := store.Get(ctx, o.ID)
	if got.Status != order.StatusReleased {
		t.Errorf("status = %s, want released", got.Status)
	}
}

func TestRelease_InsufficientVault(t *testing.T) {
	store := order.NewMemoryStore()
	o := seedOrder(t, store, order.StatusDelivered)
	ledger := &fakeLedger{balance: "1"}
	e := newEngine(store, ledger)

	_, err := e.Release(context.Background(), o.ID)
	if !errors.Is(err, ErrInsufficientVault) {
		t.Fatalf("err = %v, want ErrInsufficientVault", err)
	}
	if len(ledger.transfers) != 0 {
		t.Error("no transfer may be built when the vault cannot cover it")
	}
	got, _ := store.Get(context.Background(), o.ID)
	if got.Status != order.StatusDelivered {
		t.Errorf("status = %s, want delivered unchanged", got.Status)
	}
}

func TestRelease_FromTerminalStatus(t *testing.T) {
	store := order.NewMemoryStore()
	o := seedOrder(t, store, order.StatusReleased)
	ledger := &fakeLedger{balance: "100"}
	e := newEngine(store, ledger)

	// A second release attempt on a settled order must be refused before
	// anything is submitted, not move funds twice.
	if _, err := e.Release(context.Background(), o.ID); !errors.Is(err, order.ErrStatusConflict) {
		t.Errorf("err = %v, want ErrStatusConflict", err)
	}
	if len(ledger.transfers) != 0 {
		t.Error("no transfer may be built for a settled order")
	}
}

func TestRelease_ConfirmationFailureLeavesOrder(t *testing.T) {
	store := order.NewMemoryStore()
	o := seedOrder(t, store, order.StatusDelivered)
	ledger := &fakeLedger{balance: "100", confirmErr: errors.New("timed out")}
	e := newEngine(store, ledger)

	if _, err := e.Release(context.Background(), o.ID); err == nil {
		t.Fatal("expected confirmation error")
	}
	got, _ := store.Get(context.Background(), o.ID)
	if got.Status != order.StatusDelivered {
		t.Errorf("status = %s, want delivered (not advanced without confirmation)", got.Status)
	}
}

func TestRelease_PersistFailureAfterSettlement(t *testing.T) {
	store := order.NewMemoryStore()
	o := seedOrder(t, store, order.StatusDelivered)
	e := newEngine(&conflictingStore{Store: store}, &fakeLedger{balance: "100"})

	_, err := e.Release(context.Background(), o.ID)
	if err == nil {
		t.Fatal("expected persist error to surface")
	}
	// The error must carry the tx ref: funds moved and an operator has to
	// resolve the row by hand.
	if !errors.Is(err, order.ErrStatusConflict) {
		t.Errorf("err = %v, want wrapped ErrStatusConflict", err)
	}
}

func TestRefund(t *testing.T) {
	store := order.NewMemoryStore()
	o := seedOrder(t, store, order.StatusShipped)
	ledger := &fakeLedger{balance: "100"}
	e := newEngine(store, ledger)

	txRef, err := e.Refund(context.Background(), o.ID, "item never arrived", "admin_1")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if txRef != "tx_settled_1" {
		t.Errorf("tx ref = %s", txRef)
	}

	got, _ := store.Get(context.Background(), o.ID)
	if got.Status != order.StatusRefunded {
		t.Errorf("status = %s, want refunded", got.Status)
	}
	if got.RefundTxRef != "tx_settled_1" {
		t.Errorf("refund tx ref = %s", got.RefundTxRef)
	}
	if len(ledger.transfers) != 1 || ledger.transfers[0].to != testCustomerWallet {
		t.Errorf("refund must pay the customer wallet, got %+v", ledger.transfers)
	}
}

func TestRefund_FromPaid(t *testing.T) {
	store := order.NewMemoryStore()
	o := seedOrder(t, store, order.StatusPaid)
	e := newEngine(store, &fakeLedger{balance: "100"})

	// Refunds exist for failed fulfilment, not as a pre-shipment undo.
	if _, err := e.Refund(context.Background(), o.ID, "changed my mind", "admin_1"); !errors.Is(err, order.ErrStatusConflict) {
		t.Errorf("err = %v, want ErrStatusConflict", err)
	}
}

func TestRefund_CustomerWithoutWallet(t *testing.T) {
	store := order.NewMemoryStore()
	o := seedOrder(t, store, order.StatusShipped)
	dir := party.NewMemoryDirectory()
	dir.Put(&party.Profile{ID: "cust_1", DisplayName: "Ana"}) // no wallet
	dir.Put(&party.Profile{ID: "dsgn_1", DisplayName: "Mira", WalletAddress: testDesignerWallet})
	e := New(store, &fakeLedger{balance: "100"}, &fakeSigner{}, dir, slog.Default())

	if _, err := e.Refund(context.Background(), o.ID, "reason", "admin_1"); !errors.Is(err, order.ErrWalletMissing) {
		t.Errorf("err = %v, want ErrWalletMissing", err)
	}
}
