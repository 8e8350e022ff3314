// Package health aggregates readiness probes for the server's subsystems
// (database, ledger endpoint) into a single report.
package health

import (
	"context"
	"fmt"
	"sync"
)

// Status is the outcome of probing one subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes a single subsystem. It must honor ctx cancellation.
type Checker func(ctx context.Context) Status

// Registry runs registered checkers on demand, in registration order.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	checks map[string]Checker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker)}
}

// Register adds a checker under a name. Re-registering a name replaces
// the previous checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[name]; !ok {
		r.names = append(r.names, name)
	}
	r.checks[name] = check
}

// CheckAll probes every subsystem and reports whether all are healthy.
// A panicking checker counts as unhealthy rather than taking the
// readiness endpoint down with it.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	names := make([]string, len(r.names))
	copy(names, r.names)
	checks := make(map[string]Checker, len(r.checks))
	for name, check := range r.checks {
		checks[name] = check
	}
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, 0, len(names))

	for _, name := range names {
		st := runCheck(ctx, name, checks[name])
		if st.Name == "" {
			st.Name = name
		}
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}

	return healthy, statuses
}

func runCheck(ctx context.Context, name string, check Checker) (st Status) {
	defer func() {
		if rec := recover(); rec != nil {
			st = Status{Name: name, Healthy: false, Detail: fmt.Sprintf("checker panicked: %v", rec)}
		}
	}()
	return check(ctx)
}
