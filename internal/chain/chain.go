// Package chain is the adapter for the external public ledger that holds
// escrowed funds.
//
// The ledger is an opaque JSON-RPC service addressed by base58 account
// identifiers. Two asset classes exist: the native asset (9 decimals) and a
// token asset (6 decimals). Token balances live in per-owner associated
// accounts that must be created before the owner can receive the token.
//
// Amounts cross this boundary in human units; conversion to minimal units
// happens here and always floors so a transfer can never move more than the
// caller asked for.
package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"github.com/loompay/loompay/internal/asset"
	"github.com/loompay/loompay/internal/validation"
)

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// RPC abstracts the JSON-RPC transport so tests can inject a fake.
// *rpc.Client from go-ethereum satisfies it.
type RPC interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// BalanceReader reads custodial account balances.
type BalanceReader interface {
	Balance(ctx context.Context, account string, class asset.Class) (decimal.Decimal, error)
}

// TransferBuilder constructs unsigned transfer instructions.
type TransferBuilder interface {
	BuildTransfer(ctx context.Context, from, to string, amount decimal.Decimal, class asset.Class) (*UnsignedTx, error)
}

// Submitter submits signed transactions and awaits their confirmation.
type Submitter interface {
	SubmitSigned(ctx context.Context, tx *SignedTx) (string, error)
	AwaitConfirmation(ctx context.Context, txRef string) error
}

// Ledger combines every ledger capability the engines need.
type Ledger interface {
	BalanceReader
	TransferBuilder
	Submitter
	Close() error
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// DefaultConfirmationTimeout bounds how long AwaitConfirmation polls
	// before giving up with a retryable error.
	DefaultConfirmationTimeout = 30 * time.Second

	// DefaultPollInterval between confirmation status checks.
	DefaultPollInterval = 2 * time.Second
)

// ValidAddress reports whether s looks like a ledger account identifier.
func ValidAddress(s string) bool {
	return validation.IsValidLedgerAddress(s)
}

// -----------------------------------------------------------------------------
// Transaction types
// -----------------------------------------------------------------------------

// InstructionKind identifies the operation an instruction performs.
type InstructionKind string

const (
	InstrNativeTransfer     InstructionKind = "native_transfer"
	InstrTokenTransfer      InstructionKind = "token_transfer"
	InstrCreateTokenAccount InstructionKind = "create_token_account"
)

// Instruction is one operation inside a transaction.
type Instruction struct {
	Kind   InstructionKind `json:"kind"`
	From   string          `json:"from,omitempty"`
	To     string          `json:"to"`
	Mint   string          `json:"mint,omitempty"`
	Amount *big.Int        `json:"amount,omitempty"` // minimal units
}

// UnsignedTx is a transfer instruction set awaiting a signature. The
// checkpoint is the ledger's replay-protection value; it is only valid for
// a short window, so unsigned transactions must be signed and submitted
// promptly.
type UnsignedTx struct {
	FeePayer     string        `json:"feePayer"`
	Checkpoint   string        `json:"checkpoint"`
	Instructions []Instruction `json:"instructions"`
}

// SignedTx is an UnsignedTx plus its authorizing signature.
type SignedTx struct {
	Tx        *UnsignedTx `json:"tx"`
	Signature string      `json:"signature"` // base64
	Signer    string      `json:"signer"`
}

// Encode serializes the signed transaction to the wire format the ledger's
// sendTransaction method accepts.
func (s *SignedTx) Encode() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// SigningBytes returns the canonical byte serialization a signer must sign.
func (u *UnsignedTx) SigningBytes() ([]byte, error) {
	return json.Marshal(u)
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// Config for creating a ledger client.
type Config struct {
	RPCURL              string
	TokenMint           string // token asset's mint account
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithRPC sets a custom RPC transport (useful for testing).
func WithRPC(r RPC) Option {
	return func(c *Client) { c.rpc = r }
}

// Client talks to the external ledger over JSON-RPC.
type Client struct {
	rpc            RPC
	tokenMint      string
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

// Compile-time interface check.
var _ Ledger = (*Client)(nil)

// New creates a ledger client. Dials the RPC endpoint unless a transport
// was injected via WithRPC.
func New(cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		tokenMint:      cfg.TokenMint,
		confirmTimeout: cfg.ConfirmationTimeout,
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = DefaultConfirmationTimeout
	}
	c.pollInterval = cfg.PollInterval
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.rpc == nil {
		if cfg.RPCURL == "" {
			return nil, &ChainError{Op: "dial", Err: errors.New("RPC URL required")}
		}
		client, err := rpc.Dial(cfg.RPCURL)
		if err != nil {
			return nil, &ChainError{Op: "dial", Err: fmt.Errorf("%w: %v", ErrTransient, err)}
		}
		c.rpc = client
	}

	if cfg.TokenMint != "" && !ValidAddress(cfg.TokenMint) {
		return nil, &ChainError{Op: "config", Err: fmt.Errorf("%w: token mint %q", ErrInvalidAddress, cfg.TokenMint)}
	}

	return c, nil
}

// balanceResult is the wire shape of balance queries. Minimal units travel
// as a decimal string because they can exceed float precision.
type balanceResult struct {
	Amount string `json:"amount"`
}

// Balance reads an account's balance for the given asset class, in human
// units. A token account that has never received the token reads as zero
// rather than an error.
func (c *Client) Balance(ctx context.Context, account string, class asset.Class) (decimal.Decimal, error) {
	if !ValidAddress(account) {
		return decimal.Zero, &ChainError{Op: "balance", Err: fmt.Errorf("%w: %q", ErrInvalidAddress, account)}
	}

	var (
		res balanceResult
		err error
	)
	switch class {
	case asset.Native:
		err = c.rpc.CallContext(ctx, &res, "getBalance", account)
	case asset.Token:
		err = c.rpc.CallContext(ctx, &res, "getTokenAccountBalance", account, c.tokenMint)
		if err != nil && isAccountNotFound(err) {
			// No associated token account yet: balance is simply zero.
			return decimal.Zero, nil
		}
	default:
		return decimal.Zero, &ChainError{Op: "balance", Err: fmt.Errorf("unknown asset class %q", class)}
	}
	if err != nil {
		return decimal.Zero, &ChainError{Op: "balance", Err: fmt.Errorf("%w: %v", ErrTransient, err)}
	}

	units, ok := new(big.Int).SetString(res.Amount, 10)
	if !ok {
		return decimal.Zero, &ChainError{Op: "balance", Err: fmt.Errorf("malformed balance %q", res.Amount)}
	}
	return asset.FromMinimal(units, class), nil
}

// BuildTransfer constructs an unsigned transfer of amount (human units)
// from one account to another. The sender pays fees. For token transfers
// to a destination with no associated token account yet, a create-account
// instruction is prepended, funded by the fee payer.
func (c *Client) BuildTransfer(ctx context.Context, from, to string, amount decimal.Decimal, class asset.Class) (*UnsignedTx, error) {
	if !ValidAddress(from) {
		return nil, &ChainError{Op: "build", Err: fmt.Errorf("%w: from %q", ErrInvalidAddress, from)}
	}
	if !ValidAddress(to) {
		return nil, &ChainError{Op: "build", Err: fmt.Errorf("%w: to %q", ErrInvalidAddress, to)}
	}

	units, err := asset.ToMinimal(amount, class)
	if err != nil {
		return nil, &ChainError{Op: "build", Err: fmt.Errorf("%w: %v", ErrInvalidAmount, err)}
	}
	if units.Sign() <= 0 {
		return nil, &ChainError{Op: "build", Err: fmt.Errorf("%w: %s is below minimal unit", ErrInvalidAmount, amount)}
	}

	var instructions []Instruction
	switch class {
	case asset.Native:
		instructions = []Instruction{{
			Kind:   InstrNativeTransfer,
			From:   from,
			To:     to,
			Amount: units,
		}}
	case asset.Token:
		exists, err := c.hasTokenAccount(ctx, to)
		if err != nil {
			return nil, err
		}
		if !exists {
			instructions = append(instructions, Instruction{
				Kind: InstrCreateTokenAccount,
				To:   to,
				Mint: c.tokenMint,
			})
		}
		instructions = append(instructions, Instruction{
			Kind:   InstrTokenTransfer,
			From:   from,
			To:     to,
			Mint:   c.tokenMint,
			Amount: units,
		})
	default:
		return nil, &ChainError{Op: "build", Err: fmt.Errorf("unknown asset class %q", class)}
	}

	checkpoint, err := c.latestCheckpoint(ctx)
	if err != nil {
		return nil, err
	}

	return &UnsignedTx{
		FeePayer:     from,
		Checkpoint:   checkpoint,
		Instructions: instructions,
	}, nil
}

// SubmitSigned submits a signed transaction and returns its reference.
func (c *Client) SubmitSigned(ctx context.Context, tx *SignedTx) (string, error) {
	encoded, err := tx.Encode()
	if err != nil {
		return "", &ChainError{Op: "submit", Err: err}
	}

	var txRef string
	if err := c.rpc.CallContext(ctx, &txRef, "sendTransaction", encoded); err != nil {
		return "", &ChainError{Op: "submit", Err: classifySubmitError(err)}
	}
	return txRef, nil
}

// txStatus is the wire shape of getTransactionStatus.
type txStatus struct {
	Status string   `json:"status"` // "pending", "confirmed", "failed"
	Error  string   `json:"error,omitempty"`
	Logs   []string `json:"logs,omitempty"`
}

// AwaitConfirmation polls the transaction status until it is confirmed,
// definitively failed, or the bounded wait expires. Expiry surfaces
// ErrConfirmationTimeout (retryable), never success.
func (c *Client) AwaitConfirmation(ctx context.Context, txRef string) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &ChainError{Op: "confirm", TxRef: txRef, Err: ErrConfirmationTimeout}
			}
			return ctx.Err()

		case <-ticker.C:
			var st txStatus
			if err := c.rpc.CallContext(ctx, &st, "getTransactionStatus", txRef); err != nil {
				// RPC hiccup; keep polling until the deadline.
				continue
			}

			switch st.Status {
			case "confirmed":
				return nil
			case "failed":
				return &ChainError{Op: "confirm", TxRef: txRef, Err: classifyFailure(st)}
			default:
				// Still pending.
			}
		}
	}
}

// Close releases the RPC connection.
func (c *Client) Close() error {
	if c.rpc != nil {
		c.rpc.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

func (c *Client) hasTokenAccount(ctx context.Context, owner string) (bool, error) {
	var exists bool
	if err := c.rpc.CallContext(ctx, &exists, "hasTokenAccount", owner, c.tokenMint); err != nil {
		if isAccountNotFound(err) {
			return false, nil
		}
		return false, &ChainError{Op: "build", Err: fmt.Errorf("%w: %v", ErrTransient, err)}
	}
	return exists, nil
}

func (c *Client) latestCheckpoint(ctx context.Context) (string, error) {
	var checkpoint string
	if err := c.rpc.CallContext(ctx, &checkpoint, "getLatestCheckpoint"); err != nil {
		return "", &ChainError{Op: "build", Err: fmt.Errorf("%w: %v", ErrTransient, err)}
	}
	if checkpoint == "" {
		return "", &ChainError{Op: "build", Err: fmt.Errorf("%w: empty checkpoint", ErrTransient)}
	}
	return checkpoint, nil
}

func isAccountNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not find account") ||
		strings.Contains(msg, "account not found")
}

func classifySubmitError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rejected") || strings.Contains(msg, "declined") || strings.Contains(msg, "cancelled"):
		return fmt.Errorf("%w: %v", ErrUserRejected, err)
	case strings.Contains(msg, "insufficient"):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
}

func classifyFailure(st txStatus) error {
	msg := strings.ToLower(st.Error)
	switch {
	case strings.Contains(msg, "insufficient"):
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, st.Error)
	case strings.Contains(msg, "simulation"):
		return fmt.Errorf("%w: simulation failed: %s (logs: %s)", ErrTransient, st.Error, strings.Join(st.Logs, "; "))
	default:
		return fmt.Errorf("transaction failed: %s", st.Error)
	}
}
