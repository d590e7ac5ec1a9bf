// Package orders is the dispatcher's view of the order lifecycle. The
// lifecycle itself belongs to the order service; the dispatcher only reads
// assignment requests and drives choose_captain -> processing.
package orders

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/captain-dispatch/internal/models"
)

var (
	ErrUnknownOrder  = errors.New("unknown order")
	ErrNotAssignable = errors.New("order is not waiting for a captain")
)

type Store interface {
	Lookup(ctx context.Context, orderID int64) (models.Order, error)
	// AssignCaptain moves the order from choose_captain to processing with
	// captainID set. Any other starting status returns ErrNotAssignable.
	AssignCaptain(ctx context.Context, orderID, captainID int64) error
	Cancel(ctx context.Context, orderID int64) error
	// Upsert records an order handed over by the order service. Status never
	// moves back along the lifecycle and an assigned captain is kept.
	Upsert(ctx context.Context, o models.Order) error
}

// MemoryStore keeps orders in process.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[int64]models.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[int64]models.Order)}
}

// Put inserts or replaces an order.
func (m *MemoryStore) Put(o models.Order) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.orders[o.ID] = o
	m.mu.Unlock()
}

// Upsert merges o onto the stored order; see models.MergeIntake.
func (m *MemoryStore) Upsert(_ context.Context, o models.Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.orders[o.ID]; ok {
		o = models.MergeIntake(prev, o)
	}
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryStore) Lookup(_ context.Context, orderID int64) (models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return models.Order{}, ErrUnknownOrder
	}
	return o, nil
}

func (m *MemoryStore) AssignCaptain(_ context.Context, orderID, captainID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrUnknownOrder
	}
	if !o.Assignable() {
		return ErrNotAssignable
	}
	id := captainID
	o.CaptainID = &id
	o.Status = models.OrderProcessing
	m.orders[orderID] = o
	return nil
}

func (m *MemoryStore) Cancel(_ context.Context, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrUnknownOrder
	}
	o.Status = models.OrderCancelled
	m.orders[orderID] = o
	return nil
}
