package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFoldOffers(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	o := Offer{ID: "a", OrderID: 1, CaptainID: 7, CreatedAt: now, ExpiresAt: now.Add(5 * time.Second)}
	b := Offer{ID: "b", OrderID: 1, CaptainID: 8, CreatedAt: now, ExpiresAt: now.Add(5 * time.Second)}
	events := []OfferEvent{
		EventFor(o, "", OfferPending, ActorOperator, now),
		EventFor(o, OfferPending, OfferSuperseded, ActorOperator, now.Add(time.Second)),
		EventFor(b, "", OfferPending, ActorOperator, now.Add(time.Second)),
		EventFor(b, OfferPending, OfferAccepted, ActorCaptain, now.Add(2*time.Second)),
	}

	offers := FoldOffers(events)
	require.Len(t, offers, 2)
	assert.Equal(t, "a", offers[0].ID)
	assert.Equal(t, OfferSuperseded, offers[0].State)
	assert.Equal(t, 2, offers[0].Version)
	assert.Equal(t, OfferAccepted, offers[1].State)
	assert.Equal(t, int64(8), offers[1].CaptainID)
	assert.Equal(t, now.Add(5*time.Second), offers[1].ExpiresAt)
}

func TestOfferStateTerminal(t *testing.T) {
	assert.False(t, OfferPending.Terminal())
	for _, s := range []OfferState{OfferAccepted, OfferRejected, OfferExpired, OfferSuperseded} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, OfferState("bogus").Terminal())
}

func TestNormalizeOrderStatus(t *testing.T) {
	cases := map[string]OrderStatus{
		"":                              OrderPending,
		" Choose_Captain ":              OrderChooseCaptain,
		"waiting_restaurant_acceptance": OrderChooseCaptain,
		"preparing":                     OrderProcessing,
		"issue":                         OrderProblem,
		"whatever":                      OrderPending,
		"delivered":                     OrderDelivered,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeOrderStatus(in), in)
	}
}

func TestMergeIntakeKeepsLifecycleProgress(t *testing.T) {
	created := time.Unix(1700000000, 0).UTC()
	captain := int64(10)
	stored := Order{ID: 1, Status: OrderProcessing, CaptainID: &captain, CreatedAt: created}

	replay := MergeIntake(stored, Order{ID: 1, Status: OrderChooseCaptain, Restaurant: Coord{Lat: 1, Lng: 2}, CreatedAt: created.Add(time.Hour)})
	assert.Equal(t, OrderProcessing, replay.Status)
	require.NotNil(t, replay.CaptainID)
	assert.Equal(t, captain, *replay.CaptainID)
	assert.Equal(t, Coord{Lat: 1, Lng: 2}, replay.Restaurant)
	assert.Equal(t, created, replay.CreatedAt)

	forward := MergeIntake(stored, Order{ID: 1, Status: OrderDelivered})
	assert.Equal(t, OrderDelivered, forward.Status)
	assert.Equal(t, &captain, forward.CaptainID)

	fresh := MergeIntake(Order{ID: 2, Status: OrderPending}, Order{ID: 2, Status: OrderChooseCaptain})
	assert.Equal(t, OrderChooseCaptain, fresh.Status)
	assert.Nil(t, fresh.CaptainID)
}

func TestPingStampedAtClampsFutureTimes(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	assert.Equal(t, now, PositionPing{}.StampedAt(now))
	assert.Equal(t, now, PositionPing{At: now.Add(time.Hour)}.StampedAt(now))
	past := now.Add(-time.Minute)
	assert.Equal(t, past, PositionPing{At: past}.StampedAt(now))
}
