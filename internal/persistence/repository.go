// Package persistence implements the durable-write collaborator boundary.
// The core's in-memory state is authoritative for the lifetime of the
// process; every save is best-effort and never rolls back an in-memory
// transition. Each engine declares the narrow store interface it consumes;
// Repository composes them for wiring.
package persistence

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/quanta-exchange/quanta/internal/positions"
	"github.com/quanta-exchange/quanta/internal/registry"
	"github.com/quanta-exchange/quanta/internal/trading/model"
)

// Repository is implemented by the external storage collaborator.
type Repository interface {
	registry.Store
	model.Store
	positions.Store
}

var _ Repository = (*InMemoryRepository)(nil)

// InMemoryRepository keeps saved records in process memory. It backs tests
// and single-process deployments where durability is delegated elsewhere.
type InMemoryRepository struct {
	mu        sync.RWMutex
	options   map[uuid.UUID]*registry.OptionContract
	orders    map[uuid.UUID]*model.Order
	trades    map[uuid.UUID]*model.Trade
	positions map[uuid.UUID]*positions.Position
}

// NewInMemoryRepository returns an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		options:   make(map[uuid.UUID]*registry.OptionContract),
		orders:    make(map[uuid.UUID]*model.Order),
		trades:    make(map[uuid.UUID]*model.Trade),
		positions: make(map[uuid.UUID]*positions.Position),
	}
}

func (r *InMemoryRepository) SaveOption(ctx context.Context, c *registry.OptionContract) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.options[c.ID] = &cp
	return nil
}

func (r *InMemoryRepository) SaveOrder(ctx context.Context, o *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *o
	r.orders[o.ID] = &cp
	return nil
}

func (r *InMemoryRepository) SaveTrade(ctx context.Context, t *model.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.trades[t.ID] = &cp
	return nil
}

func (r *InMemoryRepository) SavePosition(ctx context.Context, p *positions.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.positions[p.ID] = &cp
	return nil
}

// GetOption returns a saved option snapshot, for tests and recovery tools.
func (r *InMemoryRepository) GetOption(id uuid.UUID) (*registry.OptionContract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.options[id]
	return c, ok
}

// TradeCount reports how many trades have been persisted.
func (r *InMemoryRepository) TradeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trades)
}
