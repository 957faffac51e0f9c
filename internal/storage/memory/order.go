// Package memory implements the order store in process memory. It backs local
// runs and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/xenking/invoice-reconciler/internal/domain/order"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository with a mutex-guarded map.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]order.Order
	now    func() time.Time
}

// NewOrderRepository creates an empty store.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders: make(map[string]order.Order),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create implements order.Repository.
func (r *OrderRepository) Create(_ context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[o.ID]; ok {
		return fmt.Errorf("creating order %q: duplicate id", o.ID)
	}
	r.orders[o.ID] = clone(*o)
	return nil
}

// Get implements order.Repository.
func (r *OrderRepository) Get(_ context.Context, id string) (*order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	c := clone(o)
	return &c, nil
}

// SetStatus implements order.Repository.
func (r *OrderRepository) SetStatus(_ context.Context, id string, to order.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	if !order.CanTransition(o.Status, to) {
		return order.ErrConditionFailed
	}
	o.Status = to
	o.UpdatedAt = r.now()
	r.orders[id] = o
	return nil
}

// ListStale implements order.Repository.
func (r *OrderRepository) ListStale(_ context.Context, status order.Status, before time.Time, limit int) ([]order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []order.Order
	for _, o := range r.orders {
		if o.Status == status && o.CreatedAt.Before(before) {
			out = append(out, clone(o))
		}
	}
	slices.SortFunc(out, func(a, b order.Order) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (r *OrderRepository) Ping(context.Context) error { return nil }

func clone(o order.Order) order.Order {
	o.Items = slices.Clone(o.Items)
	return o
}
