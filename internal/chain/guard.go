package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loompay/loompay/internal/asset"
	"github.com/loompay/loompay/internal/circuitbreaker"
)

// ErrCircuitOpen is returned without touching the RPC endpoint while the
// ledger circuit is open. It wraps ErrTransient: the caller may retry after
// the cool-off.
var ErrCircuitOpen = fmt.Errorf("%w: ledger circuit open", ErrTransient)

// GuardedLedger wraps a Ledger with a per-operation circuit breaker. When
// the RPC endpoint degrades, callers fail fast on ErrCircuitOpen instead of
// each burning a full timeout against a dead connection.
//
// Only transient failures count against the circuit; business rejections
// (bad address, insufficient funds, signer refusal) say nothing about the
// endpoint's health.
type GuardedLedger struct {
	inner   Ledger
	breaker *circuitbreaker.Breaker
}

// Guard wraps a ledger. Five consecutive transient failures on an operation
// open its circuit for thirty seconds.
func Guard(inner Ledger) *GuardedLedger {
	return &GuardedLedger{
		inner:   inner,
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

func (g *GuardedLedger) Balance(ctx context.Context, account string, class asset.Class) (decimal.Decimal, error) {
	if !g.breaker.Allow("balance") {
		return decimal.Zero, ErrCircuitOpen
	}
	b, err := g.inner.Balance(ctx, account, class)
	g.record("balance", err)
	return b, err
}

func (g *GuardedLedger) BuildTransfer(ctx context.Context, from, to string, amount decimal.Decimal, class asset.Class) (*UnsignedTx, error) {
	if !g.breaker.Allow("build") {
		return nil, ErrCircuitOpen
	}
	tx, err := g.inner.BuildTransfer(ctx, from, to, amount, class)
	g.record("build", err)
	return tx, err
}

func (g *GuardedLedger) SubmitSigned(ctx context.Context, tx *SignedTx) (string, error) {
	if !g.breaker.Allow("submit") {
		return "", ErrCircuitOpen
	}
	ref, err := g.inner.SubmitSigned(ctx, tx)
	g.record("submit", err)
	return ref, err
}

func (g *GuardedLedger) AwaitConfirmation(ctx context.Context, txRef string) error {
	if !g.breaker.Allow("confirm") {
		return ErrCircuitOpen
	}
	err := g.inner.AwaitConfirmation(ctx, txRef)
	g.record("confirm", err)
	return err
}

func (g *GuardedLedger) Close() error {
	return g.inner.Close()
}

func (g *GuardedLedger) record(op string, err error) {
	switch {
	case err == nil:
		g.breaker.RecordSuccess(op)
	case errors.Is(err, ErrTransient):
		g.breaker.RecordFailure(op)
	default:
		// Definitive outcome: the endpoint answered.
		g.breaker.RecordSuccess(op)
	}
}

var _ Ledger = (*GuardedLedger)(nil)
