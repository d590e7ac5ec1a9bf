package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// CaptainStatus is the live availability of a captain.
type CaptainStatus string

const (
	CaptainActive  CaptainStatus = "active"
	CaptainBusy    CaptainStatus = "busy"
	CaptainOffline CaptainStatus = "offline"
)

func (s CaptainStatus) IsValid() bool {
	switch s {
	case CaptainActive, CaptainBusy, CaptainOffline:
		return true
	default:
		return false
	}
}

// Dispatchable reports whether captains in this status may receive offers.
func (s CaptainStatus) Dispatchable() bool {
	return s == CaptainActive || s == CaptainBusy
}

type Position struct {
	Lat float64   `json:"lat"`
	Lng float64   `json:"lng"`
	At  time.Time `json:"at"`
}

type Captain struct {
	ID           int64         `json:"captain_id"`
	Name         string        `json:"captain_name"`
	Status       CaptainStatus `json:"status"`
	Position     *Position     `json:"position,omitempty"`
	ActiveOrders int           `json:"active_orders"`
	Delivered    int           `json:"orders_delivered"`
	Rating       float64       `json:"rating"` // 0..5
}

// CaptainSnapshot is a registry read of one captain plus its distance to the
// queried center.
type CaptainSnapshot struct {
	Captain
	DistanceKm float64 `json:"distance_km"`
}

// Candidate is computed per request and never persisted.
type Candidate struct {
	CaptainID    int64   `json:"captain_id"`
	CaptainName  string  `json:"captain_name"`
	LastLat      float64 `json:"last_lat"`
	LastLng      float64 `json:"last_lng"`
	DistanceKm   float64 `json:"distance_km"`
	ActiveOrders int     `json:"active_orders"`
	EtaSec       int     `json:"eta_sec"`
	Rating       float64 `json:"rating"`
	LastOrderIDs []int64 `json:"last_order_ids"`
}

// PositionPing is what captain clients send, over REST, websocket or kafka.
type PositionPing struct {
	CaptainID int64     `json:"captain_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	At        time.Time `json:"at"`
}

// StampedAt returns the time the ping is recorded under: now when the client
// sent none or a time ahead of the server clock.
func (p PositionPing) StampedAt(now time.Time) time.Time {
	if p.At.IsZero() || p.At.After(now) {
		return now
	}
	return p.At
}

type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

func (d Decision) IsValid() bool { return d == DecisionAccept || d == DecisionReject }
