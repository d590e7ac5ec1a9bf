package models

import (
	"strings"
	"time"
)

// OrderStatus values used by the dashboards. The dispatcher only drives
// choose_captain -> processing; the rest belong to the order lifecycle.
type OrderStatus string

const (
	OrderPending        OrderStatus = "pending"
	OrderChooseCaptain  OrderStatus = "choose_captain"
	OrderProcessing     OrderStatus = "processing"
	OrderOutForDelivery OrderStatus = "out_for_delivery"
	OrderDelivered      OrderStatus = "delivered"
	OrderCancelled      OrderStatus = "cancelled"
	OrderProblem        OrderStatus = "problem"
	OrderDeferred       OrderStatus = "deferred"
	OrderPickup         OrderStatus = "pickup"
)

var validOrderStatus = map[OrderStatus]struct{}{
	OrderPending: {}, OrderChooseCaptain: {}, OrderProcessing: {}, OrderOutForDelivery: {},
	OrderDelivered: {}, OrderCancelled: {}, OrderProblem: {}, OrderDeferred: {}, OrderPickup: {},
}

// legacy names still written by older clients
var orderStatusAliases = map[string]OrderStatus{
	"issue":                         OrderProblem,
	"accepted":                      OrderChooseCaptain,
	"waiting_restaurant_acceptance": OrderChooseCaptain,
	"preparing":                     OrderProcessing,
	"pick_up_ready":                 OrderProcessing,
}

// NormalizeOrderStatus lowercases, applies aliases and falls back to pending
// for anything unknown.
func NormalizeOrderStatus(raw string) OrderStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return OrderPending
	}
	if a, ok := orderStatusAliases[s]; ok {
		return a
	}
	if _, ok := validOrderStatus[OrderStatus(s)]; ok {
		return OrderStatus(s)
	}
	return OrderPending
}

// Order is the assignment request view of an order.
type Order struct {
	ID         int64       `json:"order_id"`
	Restaurant Coord       `json:"restaurant"`
	Customer   Coord       `json:"customer"`
	RadiusKm   float64     `json:"radius_km,omitempty"`
	Status     OrderStatus `json:"status"`
	CaptainID  *int64      `json:"captain_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Assignable reports whether the order is still waiting for a captain.
func (o Order) Assignable() bool { return o.Status == OrderChooseCaptain }

// Stage ranks statuses along the lifecycle. Terminal statuses share the top.
func (s OrderStatus) Stage() int {
	switch s {
	case OrderPending, OrderDeferred:
		return 0
	case OrderChooseCaptain:
		return 1
	case OrderProcessing, OrderPickup:
		return 2
	case OrderOutForDelivery:
		return 3
	case OrderDelivered, OrderCancelled, OrderProblem:
		return 4
	}
	return 0
}

// MergeIntake applies an order handed over again onto the stored copy.
// Location fields follow the incoming copy; status never moves back along
// the lifecycle and an assigned captain is kept.
func MergeIntake(stored, incoming Order) Order {
	out := incoming
	out.CreatedAt = stored.CreatedAt
	if incoming.Status.Stage() < stored.Status.Stage() {
		out.Status = stored.Status
	}
	if incoming.CaptainID == nil {
		out.CaptainID = stored.CaptainID
	}
	return out
}
