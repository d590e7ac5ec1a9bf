package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/example/captain-dispatch/internal/geo"
	"github.com/example/captain-dispatch/internal/models"
)

func (s *Server) handleCaptainLocation(w http.ResponseWriter, r *http.Request) {
	var p models.PositionPing
	if err := decode(w, r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	applied, err := s.applyPing(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

// applyPing stores a ping and mirrors it to the position stream when one is
// configured. Mirror failures do not fail the ping.
func (s *Server) applyPing(ctx context.Context, p models.PositionPing) (bool, error) {
	if p.CaptainID <= 0 {
		return false, models.Invalid("captain_id", "must be positive")
	}
	p.At = p.StampedAt(time.Now())
	applied, err := s.Registry.UpdatePosition(ctx, p.CaptainID, p.Lat, p.Lng, p.At)
	if err != nil {
		return false, err
	}
	if applied && s.Positions != nil {
		if err := s.Positions.PublishPosition(ctx, p); err != nil {
			s.logger.Warn().Err(err).Int64("captain_id", p.CaptainID).Msg("publish position")
		}
	}
	return applied, nil
}

type captainProfile struct {
	Name         string               `json:"captain_name"`
	Status       models.CaptainStatus `json:"status"`
	ActiveOrders int                  `json:"active_orders"`
	Delivered    int                  `json:"orders_delivered"`
	Rating       float64              `json:"rating"`
}

func (s *Server) handleCaptainProfile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "captainId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req captainProfile
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Status == "" {
		req.Status = models.CaptainActive
	}
	if !req.Status.IsValid() {
		s.writeError(w, r, models.Invalid("status", string(req.Status)))
		return
	}
	if req.Rating < 0 || req.Rating > 5 {
		s.writeError(w, r, models.Invalid("rating", "must be within 0..5"))
		return
	}
	if req.ActiveOrders < 0 || req.Delivered < 0 {
		s.writeError(w, r, models.Invalid("counts", "must not be negative"))
		return
	}
	c := models.Captain{ID: id, Name: req.Name, Status: req.Status, ActiveOrders: req.ActiveOrders, Delivered: req.Delivered, Rating: req.Rating}
	if err := s.Registry.Upsert(r.Context(), c); err != nil {
		s.writeError(w, r, err)
		return
	}
	got, err := s.Registry.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

type orderIntake struct {
	Restaurant models.Coord `json:"restaurant"`
	Customer   models.Coord `json:"customer"`
	RadiusKm   float64      `json:"radius_km"`
	Status     string       `json:"status"`
}

// handleOrderIntake lets the order service hand an order to dispatch, usually
// when it enters choose_captain. An order that left dispatch loses its
// pending offers.
func (s *Server) handleOrderIntake(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "orderId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req orderIntake
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !geo.ValidCoord(req.Restaurant.Lat, req.Restaurant.Lng) {
		s.writeError(w, r, models.Invalid("restaurant", "coordinates out of range"))
		return
	}
	if req.RadiusKm < 0 {
		s.writeError(w, r, models.Invalid("radius_km", "must not be negative"))
		return
	}
	status := models.OrderChooseCaptain
	if req.Status != "" {
		status = models.NormalizeOrderStatus(req.Status)
	}
	o := models.Order{ID: id, Restaurant: req.Restaurant, Customer: req.Customer, RadiusKm: req.RadiusKm, Status: status, CreatedAt: time.Now()}
	stored, err := s.Coordinator.Intake(r.Context(), o)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

type captainSession struct {
	CaptainID      int64  `json:"captain_id"`
	Connected      bool   `json:"connected"`
	PendingOrderID *int64 `json:"pending_order_id,omitempty"`
}

func (s *Server) handleCaptainSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "captainId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := captainSession{CaptainID: id, Connected: s.Hub.Connected(id)}
	if orderID, ok := s.Coordinator.PendingOrderFor(id); ok {
		out.PendingOrderID = &orderID
	}
	writeJSON(w, http.StatusOK, out)
}

type dispatchState struct {
	Dashboards int `json:"dashboards"`
	// captain id to the order it holds an offer for
	Busy map[int64]int64 `json:"busy_captains"`
}

func (s *Server) handleDispatchState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dispatchState{Dashboards: s.Hub.Dashboards(), Busy: s.Coordinator.PendingCaptains()})
}
