package models

import "time"

type OfferState string

const (
	OfferPending    OfferState = "pending"
	OfferAccepted   OfferState = "accepted"
	OfferRejected   OfferState = "rejected"
	OfferExpired    OfferState = "expired"
	OfferSuperseded OfferState = "superseded"
)

func (s OfferState) IsValid() bool {
	switch s {
	case OfferPending, OfferAccepted, OfferRejected, OfferExpired, OfferSuperseded:
		return true
	default:
		return false
	}
}

// Terminal states are final: nothing transitions out of them.
func (s OfferState) Terminal() bool {
	return s.IsValid() && s != OfferPending
}

type Offer struct {
	ID             string     `json:"offer_id"`
	OrderID        int64      `json:"order_id"`
	CaptainID      int64      `json:"captain_id"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	State          OfferState `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Version        int        `json:"version"`
}

// Actor records who caused a ledger transition.
type Actor string

const (
	ActorOperator Actor = "operator"
	ActorCaptain  Actor = "captain"
	ActorTimer    Actor = "timer"
	ActorSystem   Actor = "system"
)

// OfferEvent is one append-only ledger record. Creation events have an empty
// From state.
type OfferEvent struct {
	Seq            int64      `json:"seq"`
	OfferID        string     `json:"offer_id"`
	OrderID        int64      `json:"order_id"`
	CaptainID      int64      `json:"captain_id"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	From           OfferState `json:"from,omitempty"`
	To             OfferState `json:"to"`
	Actor          Actor      `json:"actor"`
	At             time.Time  `json:"at"`
	CreatedAt      time.Time  `json:"offer_created_at"`
	ExpiresAt      time.Time  `json:"offer_expires_at"`
}

// EventFor builds the event that moves o into state to.
func EventFor(o Offer, from, to OfferState, actor Actor, at time.Time) OfferEvent {
	return OfferEvent{
		OfferID:        o.ID,
		OrderID:        o.OrderID,
		CaptainID:      o.CaptainID,
		IdempotencyKey: o.IdempotencyKey,
		From:           from,
		To:             to,
		Actor:          actor,
		At:             at,
		CreatedAt:      o.CreatedAt,
		ExpiresAt:      o.ExpiresAt,
	}
}

// Apply folds an event into the offer it describes.
func (o Offer) Apply(e OfferEvent) Offer {
	if o.ID == "" {
		o = Offer{
			ID:             e.OfferID,
			OrderID:        e.OrderID,
			CaptainID:      e.CaptainID,
			IdempotencyKey: e.IdempotencyKey,
			CreatedAt:      e.CreatedAt,
			ExpiresAt:      e.ExpiresAt,
		}
	}
	o.State = e.To
	o.UpdatedAt = e.At
	o.Version++
	return o
}

// FoldOffers rebuilds offers from events in ledger order, preserving first
// appearance order.
func FoldOffers(events []OfferEvent) []Offer {
	idx := make(map[string]int)
	out := make([]Offer, 0)
	for _, e := range events {
		i, ok := idx[e.OfferID]
		if !ok {
			idx[e.OfferID] = len(out)
			out = append(out, Offer{}.Apply(e))
			continue
		}
		out[i] = out[i].Apply(e)
	}
	return out
}
