package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/captain-dispatch/internal/geo"
	"github.com/example/captain-dispatch/internal/models"
)

// Memory is an in-process Registry.
type Memory struct {
	opts     Options
	mu       sync.RWMutex
	captains map[int64]models.Captain
	// latest ping time per captain; survives Sweep so late pings stay stale
	latest map[int64]time.Time
}

func NewMemory(opts Options) *Memory {
	return &Memory{opts: opts.withDefaults(), captains: make(map[int64]models.Captain), latest: make(map[int64]time.Time)}
}

func (m *Memory) UpdatePosition(_ context.Context, captainID int64, lat, lng float64, at time.Time) (bool, error) {
	if !geo.ValidCoord(lat, lng) {
		return false, models.Invalid("position", "coordinates out of range")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.captains[captainID]
	if !ok {
		c = models.Captain{ID: captainID, Status: models.CaptainActive}
	}
	if last, seen := m.latest[captainID]; seen && !at.After(last) {
		recordUpdate(false)
		return false, nil
	}
	c.Position = &models.Position{Lat: lat, Lng: lng, At: at}
	m.captains[captainID] = c
	m.latest[captainID] = at
	recordUpdate(true)
	return true, nil
}

func (m *Memory) GetPosition(_ context.Context, captainID int64) (models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.captains[captainID]
	if !ok || c.Position == nil {
		return models.Position{}, models.ErrNotFound
	}
	return *c.Position, nil
}

// naive scan; fine for a single city fleet
func (m *Memory) ListActive(_ context.Context, radiusKm, lat, lng float64) ([]models.CaptainSnapshot, error) {
	now := m.opts.Now()
	m.mu.RLock()
	out := make([]models.CaptainSnapshot, 0, len(m.captains))
	for _, c := range m.captains {
		if !c.Status.Dispatchable() || c.Position == nil {
			continue
		}
		if now.Sub(c.Position.At) >= m.opts.Freshness {
			continue
		}
		d := geo.HaversineKm(lat, lng, c.Position.Lat, c.Position.Lng)
		if d > radiusKm {
			continue
		}
		pos := *c.Position
		c.Position = &pos
		out = append(out, models.CaptainSnapshot{Captain: c, DistanceKm: d})
	}
	m.mu.RUnlock()
	sortSnapshots(out)
	return out, nil
}

func (m *Memory) Upsert(_ context.Context, c models.Captain) error {
	if c.Status == "" {
		c.Status = models.CaptainActive
	}
	if !c.Status.IsValid() {
		return models.Invalid("status", string(c.Status))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.captains[c.ID]
	if ok {
		c.Position = prev.Position
	} else {
		c.Position = nil
	}
	m.captains[c.ID] = c
	return nil
}

func (m *Memory) Get(_ context.Context, captainID int64) (models.Captain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.captains[captainID]
	if !ok {
		return models.Captain{}, models.ErrNotFound
	}
	if c.Position != nil {
		pos := *c.Position
		c.Position = &pos
	}
	return c, nil
}

func (m *Memory) SetStatus(_ context.Context, captainID int64, status models.CaptainStatus) error {
	if !status.IsValid() {
		return models.Invalid("status", string(status))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.captains[captainID]
	if !ok {
		return models.ErrNotFound
	}
	c.Status = status
	m.captains[captainID] = c
	return nil
}

func (m *Memory) AdjustActiveOrders(_ context.Context, captainID int64, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.captains[captainID]
	if !ok {
		return models.ErrNotFound
	}
	c.ActiveOrders += delta
	if c.ActiveOrders < 0 {
		c.ActiveOrders = 0
	}
	m.captains[captainID] = c
	return nil
}

// Sweep drops stale positions. The ping watermark stays.
func (m *Memory) Sweep(_ context.Context, olderThan time.Duration) (int, error) {
	now := m.opts.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.captains {
		if c.Position != nil && now.Sub(c.Position.At) >= olderThan {
			c.Position = nil
			m.captains[id] = c
			n++
		}
	}
	return n, nil
}

func sortSnapshots(s []models.CaptainSnapshot) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].DistanceKm != s[j].DistanceKm {
			return s[i].DistanceKm < s[j].DistanceKm
		}
		return s[i].ID < s[j].ID
	})
}
