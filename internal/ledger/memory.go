package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/captain-dispatch/internal/models"
)

// Memory keeps the log in process. Used for local runs and tests.
type Memory struct {
	mu      sync.RWMutex
	events  []models.OfferEvent
	byOrder map[int64][]int
	byOffer map[string][]int
	byKey   map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		byOrder: make(map[int64][]int),
		byOffer: make(map[string][]int),
		byKey:   make(map[string]string),
	}
}

func (m *Memory) Append(_ context.Context, e models.OfferEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.From == "" {
		if _, dup := m.byOffer[e.OfferID]; dup {
			return fmt.Errorf("offer %s already created", e.OfferID)
		}
		if e.IdempotencyKey != "" {
			if _, dup := m.byKey[e.IdempotencyKey]; dup {
				return fmt.Errorf("idempotency key %q already used", e.IdempotencyKey)
			}
			m.byKey[e.IdempotencyKey] = e.OfferID
		}
	}
	e.Seq = int64(len(m.events) + 1)
	i := len(m.events)
	m.events = append(m.events, e)
	m.byOrder[e.OrderID] = append(m.byOrder[e.OrderID], i)
	m.byOffer[e.OfferID] = append(m.byOffer[e.OfferID], i)
	return nil
}

func (m *Memory) OffersForOrder(_ context.Context, orderID int64) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.FoldOffers(m.pick(m.byOrder[orderID])), nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return models.Offer{}, models.ErrNotFound
	}
	offers := models.FoldOffers(m.pick(m.byOffer[id]))
	return offers[0], nil
}

func (m *Memory) Offer(_ context.Context, offerID string) (models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byOffer[offerID]
	if !ok {
		return models.Offer{}, models.ErrNotFound
	}
	return models.FoldOffers(m.pick(idx))[0], nil
}

func (m *Memory) Events(_ context.Context) ([]models.OfferEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.OfferEvent, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (m *Memory) RecentOrders(_ context.Context, captainID int64, n int) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, 0, n)
	for i := len(m.events) - 1; i >= 0 && len(out) < n; i-- {
		e := m.events[i]
		if e.CaptainID == captainID && e.To == models.OfferAccepted {
			out = append(out, e.OrderID)
		}
	}
	return out, nil
}

func (m *Memory) pick(idx []int) []models.OfferEvent {
	out := make([]models.OfferEvent, 0, len(idx))
	for _, i := range idx {
		out = append(out, m.events[i])
	}
	return out
}
