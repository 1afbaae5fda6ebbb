package approval

import (
	"context"
	"sort"
	"sync"
)

// Mutator changes an order in place. Returning an error aborts the update and
// leaves the stored order untouched. Mutators may be re-run by registries that
// use optimistic concurrency, so they must not have side effects beyond the
// order and variables captured from the caller.
type Mutator func(*Order) error

// Registry stores orders and serialises mutations per order. Implementations
// must never hold a lock spanning more than one order.
type Registry interface {
	Put(ctx context.Context, order *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, id string, mutate Mutator) (*Order, error)
	Remove(ctx context.Context, id string) error
	List(ctx context.Context, filter Filter) ([]*Order, error)
}

type registryEntry struct {
	mu      sync.Mutex
	order   *Order
	removed bool
}

// MemoryRegistry keeps orders for the lifetime of the process. The map lock
// guards membership only; each order has its own mutex so mutations on
// different orders never block each other.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

// NewMemoryRegistry constructs an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]*registryEntry)}
}

func (r *MemoryRegistry) Put(_ context.Context, order *Order) error {
	if order == nil || order.ID == "" {
		return invalidRequest("order id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[order.ID]; exists {
		return ErrDuplicateOrder
	}
	stored := order.Clone()
	stored.Version = 1
	r.entries[order.ID] = &registryEntry{order: stored}
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*Order, error) {
	entry := r.lookup(id)
	if entry == nil {
		return nil, ErrOrderNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return nil, ErrOrderNotFound
	}
	return entry.order.Clone(), nil
}

// Update applies mutate to a copy of the order under the order's lock and
// commits the copy only when mutate succeeds.
func (r *MemoryRegistry) Update(_ context.Context, id string, mutate Mutator) (*Order, error) {
	entry := r.lookup(id)
	if entry == nil {
		return nil, ErrOrderNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return nil, ErrOrderNotFound
	}
	working := entry.order.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.ID = entry.order.ID
	working.Version = entry.order.Version + 1
	entry.order = working
	return working.Clone(), nil
}

func (r *MemoryRegistry) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrOrderNotFound
	}
	entry.mu.Lock()
	entry.removed = true
	entry.mu.Unlock()
	return nil
}

// List returns clones of matching orders ordered by creation time.
func (r *MemoryRegistry) List(_ context.Context, filter Filter) ([]*Order, error) {
	r.mu.RLock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	orders := make([]*Order, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		if !entry.removed && filter.Matches(entry.order) {
			orders = append(orders, entry.order.Clone())
		}
		entry.mu.Unlock()
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

// Len reports the number of registered orders.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *MemoryRegistry) lookup(id string) *registryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}
