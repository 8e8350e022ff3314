package chain

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/loompay/loompay/internal/validation"
)

// ErrInvalidKey means the vault signing key could not be parsed.
var ErrInvalidKey = errors.New("chain: invalid signing key")

// Signer signs unsigned transactions. The custodial vault signer implements
// it; deposits are signed by the customer's external wallet and never pass
// through here.
type Signer interface {
	Sign(tx *UnsignedTx) (*SignedTx, error)
	Address() string
}

// VaultSigner holds the custodial signing key. It is a singular shared
// resource: callers must serialize submissions (see payout.Engine) because
// the ledger's replay-protection checkpoint is issued serially.
type VaultSigner struct {
	key     ed25519.PrivateKey
	address string
}

// NewVaultSigner parses a hex-encoded ed25519 seed (with or without a 0x
// prefix) and derives the vault address it authorizes.
func NewVaultSigner(hexSeed, address string) (*VaultSigner, error) {
	if !validation.IsValidHex(hexSeed) {
		return nil, fmt.Errorf("%w: seed is not hex", ErrInvalidKey)
	}
	seed, err := hex.DecodeString(strings.TrimPrefix(hexSeed, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidKey, ed25519.SeedSize, len(seed))
	}
	if !ValidAddress(address) {
		return nil, fmt.Errorf("%w: vault address %q", ErrInvalidAddress, address)
	}
	return &VaultSigner{
		key:     ed25519.NewKeyFromSeed(seed),
		address: address,
	}, nil
}

// Address returns the vault account this signer authorizes.
func (v *VaultSigner) Address() string { return v.address }

// Sign produces a signed transaction over the canonical serialization.
func (v *VaultSigner) Sign(tx *UnsignedTx) (*SignedTx, error) {
	if tx.FeePayer != v.address {
		return nil, fmt.Errorf("%w: fee payer %s is not the vault", ErrUserRejected, tx.FeePayer)
	}
	raw, err := tx.SigningBytes()
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(v.key, raw)
	return &SignedTx{
		Tx:        tx,
		Signature: base64.StdEncoding.EncodeToString(sig),
		Signer:    v.address,
	}, nil
}

// Compile-time interface check.
var _ Signer = (*VaultSigner)(nil)
