// Package selector ranks captains for an order awaiting dispatch.
package selector

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/example/captain-dispatch/internal/geo"
	"github.com/example/captain-dispatch/internal/models"
	"github.com/example/captain-dispatch/internal/observability"
)

const (
	DefaultLimit = 20
	// RecentOrders is how many past orders each candidate carries.
	RecentOrders = 3
)

type Locations interface {
	ListActive(ctx context.Context, radiusKm, lat, lng float64) ([]models.CaptainSnapshot, error)
}

// Pending tells which order a captain currently holds an offer for.
type Pending interface {
	PendingOrderFor(captainID int64) (int64, bool)
}

type History interface {
	RecentOrders(ctx context.Context, captainID int64, n int) ([]int64, error)
}

type Service struct {
	Locations Locations
	Pending   Pending
	// History is optional; without it candidates carry no recent orders.
	History History
	Log     zerolog.Logger
}

// SelectCandidates returns captains within radiusKm of the restaurant,
// nearest first and least loaded on ties. Captains busy with an offer for
// another order are left out. No candidates is an empty list.
func (s *Service) SelectCandidates(ctx context.Context, orderID int64, restaurant models.Coord, radiusKm float64, limit int) ([]models.Candidate, error) {
	if radiusKm <= 0 {
		return nil, models.Invalid("radius_km", "must be positive")
	}
	if !geo.ValidCoord(restaurant.Lat, restaurant.Lng) {
		return nil, models.Invalid("restaurant", "coordinates out of range")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	snaps, err := s.Locations.ListActive(ctx, radiusKm, restaurant.Lat, restaurant.Lng)
	if err != nil {
		return nil, fmt.Errorf("list captains near order %d: %w", orderID, err)
	}

	kept := make([]models.CaptainSnapshot, 0, len(snaps))
	for _, c := range snaps {
		if s.Pending != nil {
			if other, ok := s.Pending.PendingOrderFor(c.ID); ok && other != orderID {
				continue
			}
		}
		kept = append(kept, c)
	}
	rank(kept)
	if len(kept) > limit {
		kept = kept[:limit]
	}

	out := make([]models.Candidate, 0, len(kept))
	for _, c := range kept {
		out = append(out, s.candidate(ctx, c))
	}
	observability.CandidatesReturned.Observe(float64(len(out)))
	return out, nil
}

func (s *Service) candidate(ctx context.Context, c models.CaptainSnapshot) models.Candidate {
	cand := models.Candidate{
		CaptainID:    c.ID,
		CaptainName:  c.Name,
		LastLat:      c.Position.Lat,
		LastLng:      c.Position.Lng,
		DistanceKm:   c.DistanceKm,
		ActiveOrders: c.ActiveOrders,
		EtaSec:       geo.EtaSeconds(c.DistanceKm),
		Rating:       c.Rating,
		LastOrderIDs: []int64{},
	}
	if s.History == nil {
		return cand
	}
	ids, err := s.History.RecentOrders(ctx, c.ID, RecentOrders)
	if err != nil {
		// history is decoration; rank without it
		s.Log.Warn().Err(err).Int64("captain_id", c.ID).Msg("recent orders")
		return cand
	}
	cand.LastOrderIDs = ids
	return cand
}

// rank orders by distance, then active orders, then id so equal inputs
// always produce the same list.
func rank(c []models.CaptainSnapshot) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].DistanceKm != c[j].DistanceKm {
			return c[i].DistanceKm < c[j].DistanceKm
		}
		if c[i].ActiveOrders != c[j].ActiveOrders {
			return c[i].ActiveOrders < c[j].ActiveOrders
		}
		return c[i].ID < c[j].ID
	})
}
