package ratelimit

import (
	"context"
	"time"

	"github.com/zombor/receipt-ledger/internal/kvstore"
)

// Limits is the per-endpoint request budget
type Limits struct {
	Window    time.Duration
	Default   int
	Endpoints map[string]int
}

// DefaultLimits returns the budgets of the HTTP API, per minute
func DefaultLimits() Limits {
	return Limits{
		Window:  time.Minute,
		Default: 60,
		Endpoints: map[string]int{
			"/api/scan":         20,
			"/api/scan/batch":   5,
			"/api/sheets/write": 30,
			"/api/auth/me":      100,
		},
	}
}

// For returns the budget of an endpoint
func (l Limits) For(endpoint string) int {
	if n, ok := l.Endpoints[endpoint]; ok {
		return n
	}
	return l.Default
}

// Registry holds one limiter per distinct budget, all sharing a store
type Registry struct {
	limits   Limits
	limiters map[int]*Limiter
	clock    TimeSource
	store    kvstore.Store
}

// NewRegistry creates limiters for every budget in limits
func NewRegistry(store kvstore.Store, limits Limits) *Registry {
	return NewRegistryWithClock(store, limits, systemClock{})
}

// NewRegistryWithClock creates a registry with a custom time source for testing
func NewRegistryWithClock(store kvstore.Store, limits Limits, clock TimeSource) *Registry {
	if limits.Window <= 0 {
		limits.Window = time.Minute
	}
	r := &Registry{
		limits:   limits,
		limiters: make(map[int]*Limiter),
		clock:    clock,
		store:    store,
	}
	r.limiter(limits.Default)
	for _, n := range limits.Endpoints {
		r.limiter(n)
	}
	return r
}

func (r *Registry) limiter(n int) *Limiter {
	l, ok := r.limiters[n]
	if !ok {
		l = NewLimiterWithClock(r.store, n, r.limits.Window, r.clock)
		r.limiters[n] = l
	}
	return l
}

// Check counts a request of identifier against endpoint. Each endpoint keeps
// its own window.
func (r *Registry) Check(ctx context.Context, identifier, endpoint string) Result {
	return r.limiters[r.limits.For(endpoint)].Check(ctx, endpoint+"|"+identifier)
}

// Cleanup sweeps stale windows of every limiter
func (r *Registry) Cleanup(ctx context.Context) (int, error) {
	// all limiters share the key prefix and window
	return r.limiter(r.limits.Default).Cleanup(ctx)
}
