package chain

import (
	"errors"
	"fmt"
)

// Typed errors for programmatic handling. Callers branch on these with
// errors.Is; the concrete failure detail travels in a wrapping ChainError.
var (
	// ErrUserRejected means the external signer declined or the user
	// cancelled. Terminal for the current attempt; never retried.
	ErrUserRejected = errors.New("chain: rejected by signer")

	// ErrInsufficientFunds means the sending account cannot cover the
	// transfer plus fees.
	ErrInsufficientFunds = errors.New("chain: insufficient funds")

	// ErrTransient covers RPC failures, timeouts, and simulation errors
	// with no definitive outcome. Safe to retry with backoff; must never
	// be interpreted as success.
	ErrTransient = errors.New("chain: transient ledger error")

	// ErrInvalidAddress means an account identifier failed validation.
	ErrInvalidAddress = errors.New("chain: invalid address")

	// ErrInvalidAmount means an amount could not be converted to
	// minimal units.
	ErrInvalidAmount = errors.New("chain: invalid amount")

	// ErrConfirmationTimeout means the confirmation wait expired with no
	// definitive outcome. Wraps ErrTransient so retry policies treat it
	// as retryable.
	ErrConfirmationTimeout = fmt.Errorf("%w: confirmation wait expired", ErrTransient)
)

// ChainError wraps a ledger operation failure with context.
type ChainError struct {
	Op    string // operation that failed ("balance", "build", "submit", "confirm")
	TxRef string // transaction reference, if one exists yet
	Err   error
}

func (e *ChainError) Error() string {
	if e.TxRef != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxRef, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }
