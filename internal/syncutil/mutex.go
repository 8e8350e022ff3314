// Package syncutil provides context-aware locking primitives.
package syncutil

import (
	"context"
	"sync"
)

// Mutex is a channel-based mutex whose acquisition respects context
// cancellation. The custodial signer is guarded by one of these: the
// ledger's replay-protection checkpoint is issued serially, so only one
// vault-signed transaction may be in flight at a time, and a caller whose
// request is cancelled must be able to stop waiting.
type Mutex struct {
	once sync.Once
	ch   chan struct{}
}

// NewMutex creates an unlocked mutex.
func NewMutex() *Mutex {
	m := &Mutex{}
	m.init()
	return m
}

func (m *Mutex) init() {
	m.once.Do(func() {
		m.ch = make(chan struct{}, 1)
		m.ch <- struct{}{} // start unlocked
	})
}

// Lock acquires the mutex or gives up when ctx is cancelled. On success it
// returns an unlock function the caller MUST invoke when done.
func (m *Mutex) Lock(ctx context.Context) (func(), error) {
	m.init()
	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex without blocking. It returns the unlock
// function and true, or nil and false if the mutex is held.
func (m *Mutex) TryLock() (func(), bool) {
	m.init()
	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, true
	default:
		return nil, false
	}
}
