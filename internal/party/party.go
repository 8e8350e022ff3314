// Package party resolves customer and designer profiles to the display
// names and wallet addresses the escrow engine needs. Profile capture
// itself (KYC, registration) is owned by an external system; this is a
// read-only directory over its table.
package party

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

var ErrProfileNotFound = errors.New("profile not found")

// Profile is the slice of a marketplace profile the engine cares about.
type Profile struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName"`
	WalletAddress string `json:"walletAddress,omitempty"`
}

// Directory looks up profiles by ID.
type Directory interface {
	Get(ctx context.Context, id string) (*Profile, error)
}

// PostgresDirectory reads profiles from the marketplace database.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (p *PostgresDirectory) Get(ctx context.Context, id string) (*Profile, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, display_name, wallet_address FROM profiles WHERE id = $1`, id)

	prof := &Profile{}
	var wallet sql.NullString
	err := row.Scan(&prof.ID, &prof.DisplayName, &wallet)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	prof.WalletAddress = wallet.String
	return prof, nil
}

// MemoryDirectory is an in-memory Directory for tests.
type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{profiles: make(map[string]*Profile)}
}

// Put registers a profile.
func (m *MemoryDirectory) Put(p *Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.profiles[p.ID] = &cp
}

func (m *MemoryDirectory) Get(ctx context.Context, id string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

var (
	_ Directory = (*PostgresDirectory)(nil)
	_ Directory = (*MemoryDirectory)(nil)
)
