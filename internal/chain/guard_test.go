package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/loompay/loompay/internal/asset"
)

type flakyLedger struct {
	err   error
	calls int
}

func (f *flakyLedger) Balance(ctx context.Context, account string, class asset.Class) (decimal.Decimal, error) {
	f.calls++
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return decimal.RequireFromString("1"), nil
}

func (f *flakyLedger) BuildTransfer(ctx context.Context, from, to string, amount decimal.Decimal, class asset.Class) (*UnsignedTx, error) {
	return &UnsignedTx{}, nil
}

func (f *flakyLedger) SubmitSigned(ctx context.Context, tx *SignedTx) (string, error) {
	return "tx-1", nil
}

func (f *flakyLedger) AwaitConfirmation(ctx context.Context, txRef string) error { return nil }

func (f *flakyLedger) Close() error { return nil }

func TestGuard_OpensOnTransientFailures(t *testing.T) {
	inner := &flakyLedger{err: fmt.Errorf("%w: connection refused", ErrTransient)}
	g := Guard(inner)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := g.Balance(ctx, testVault, asset.Native); !errors.Is(err, ErrTransient) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	callsAtTrip := inner.calls

	// Circuit is open now: the endpoint must not be touched again.
	_, err := g.Balance(ctx, testVault, asset.Native)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if inner.calls != callsAtTrip {
		t.Error("open circuit still reached the endpoint")
	}
}

func TestGuard_DefinitiveErrorsDoNotTrip(t *testing.T) {
	inner := &flakyLedger{err: fmt.Errorf("%w: bad account", ErrInvalidAddress)}
	g := Guard(inner)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := g.Balance(ctx, testVault, asset.Native); errors.Is(err, ErrCircuitOpen) {
			t.Fatal("business rejections must not open the circuit")
		}
	}
}

func TestGuard_PerOperationCircuits(t *testing.T) {
	inner := &flakyLedger{err: fmt.Errorf("%w: timeout", ErrTransient)}
	g := Guard(inner)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		g.Balance(ctx, testVault, asset.Native)
	}
	if _, err := g.Balance(ctx, testVault, asset.Native); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("balance circuit should be open")
	}

	// Submissions are tracked separately and still flow.
	if _, err := g.SubmitSigned(ctx, &SignedTx{Tx: &UnsignedTx{}}); err != nil {
		t.Errorf("submit: %v", err)
	}
}
