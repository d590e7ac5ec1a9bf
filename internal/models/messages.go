package models

import "time"

// Message types on the captain and dashboard channels.
const (
	MsgAssign          = "assign"
	MsgWithdrawn       = "withdrawn"
	MsgPos             = "pos"
	MsgAccepted        = "accepted"
	MsgRejected        = "rejected"
	MsgOfferExpired    = "offer_expired"
	MsgOfferSuperseded = "offer_superseded"
	MsgOfferAccepted   = "offer_accepted"
	MsgOfferRejected   = "offer_rejected"
	MsgError           = "error"
)

// Message is the JSON envelope pushed to captain and dashboard channels.
type Message struct {
	Type      string     `json:"type"`
	OrderID   int64      `json:"order_id,omitempty"`
	CaptainID int64      `json:"captain_id,omitempty"`
	OfferID   string     `json:"offer_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// CaptainInbound is what captain apps send on their channel.
type CaptainInbound struct {
	Type    string  `json:"type"`
	OrderID int64   `json:"order_id,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lng     float64 `json:"lng,omitempty"`
}

func AssignMessage(o Offer) Message {
	exp := o.ExpiresAt
	return Message{Type: MsgAssign, OrderID: o.OrderID, CaptainID: o.CaptainID, OfferID: o.ID, ExpiresAt: &exp}
}

func OfferMessage(kind string, o Offer) Message {
	return Message{Type: kind, OrderID: o.OrderID, CaptainID: o.CaptainID, OfferID: o.ID}
}
