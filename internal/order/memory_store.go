package order

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewMemoryStore creates an empty in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneOrder(o)
	m.orders[o.ID] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryStore) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Order, error) {
	return m.list(func(o *Order) bool { return o.CustomerID == customerID }, limit)
}

func (m *MemoryStore) ListByDesigner(ctx context.Context, designerID string, limit int) ([]*Order, error) {
	return m.list(func(o *Order) bool { return o.DesignerID == designerID }, limit)
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from []Status, mutate func(*Order) error) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if !statusIn(o.Status, from) {
		return nil, ErrStatusConflict
	}

	cp := cloneOrder(o)
	if err := mutate(cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now()
	m.orders[id] = cp
	return cloneOrder(cp), nil
}

func (m *MemoryStore) list(match func(*Order) bool, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if match(o) {
			result = append(result, cloneOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func cloneOrder(o *Order) *Order {
	cp := *o
	if o.ActualAmountReceived != nil {
		v := *o.ActualAmountReceived
		cp.ActualAmountReceived = &v
	}
	if o.VaultBalanceBefore != nil {
		v := *o.VaultBalanceBefore
		cp.VaultBalanceBefore = &v
	}
	if o.VaultBalanceAfter != nil {
		v := *o.VaultBalanceAfter
		cp.VaultBalanceAfter = &v
	}
	cp.ProofImages = append([]string(nil), o.ProofImages...)
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
