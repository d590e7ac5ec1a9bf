package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/captain-dispatch/internal/ledger"
	"github.com/example/captain-dispatch/internal/models"
	"github.com/example/captain-dispatch/internal/notify"
	"github.com/example/captain-dispatch/internal/offer"
	"github.com/example/captain-dispatch/internal/orders"
	"github.com/example/captain-dispatch/internal/registry"
	"github.com/example/captain-dispatch/internal/selector"
)

var restaurant = models.Coord{Lat: 33.5138, Lng: 36.2765}

type publisher struct {
	mu    sync.Mutex
	pings []models.PositionPing
}

func (p *publisher) PublishPosition(_ context.Context, ping models.PositionPing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings = append(p.pings, ping)
	return nil
}

type fixture struct {
	srv    *Server
	reg    *registry.Memory
	orders *orders.MemoryStore
	hub    *notify.Hub
	coord  *offer.Coordinator
	pub    *publisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:    registry.NewMemory(registry.Options{}),
		orders: orders.NewMemoryStore(),
		hub:    notify.NewHub(),
		pub:    &publisher{},
	}
	l := ledger.NewMemory()
	f.coord = offer.NewCoordinator(offer.Config{Timeout: time.Minute}, l, f.orders, f.hub, f.reg, zerolog.Nop())
	t.Cleanup(f.coord.Close)
	f.srv = NewServer(Deps{
		Coordinator: f.coord,
		Selector:    &selector.Service{Locations: f.reg, Pending: f.coord, History: l, Log: zerolog.Nop()},
		Registry:    f.reg,
		Orders:      f.orders,
		Hub:         f.hub,
		Positions:   f.pub,
		Log:         zerolog.Nop(),
	})
	return f
}

func (f *fixture) captain(t *testing.T, id int64, northKm float64, active int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.reg.Upsert(ctx, models.Captain{ID: id, Name: fmt.Sprintf("captain %d", id), Status: models.CaptainActive, ActiveOrders: active, Rating: 4.5}))
	_, err := f.reg.UpdatePosition(ctx, id, restaurant.Lat+northKm/111.19, restaurant.Lng, time.Now())
	require.NoError(t, err)
}

func (f *fixture) order(id int64) {
	f.orders.Put(models.Order{ID: id, Restaurant: restaurant, Status: models.OrderChooseCaptain})
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCandidatesEndpoint(t *testing.T) {
	f := newFixture(t)
	f.order(1)
	f.captain(t, 10, 2, 0)
	f.captain(t, 11, 1, 3)
	f.captain(t, 12, 9, 0)

	rec := f.do(t, http.MethodGet, "/api/v1/assign/orders/1/candidates?radius_km=5", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[[]models.Candidate](t, rec)
	require.Len(t, got, 2)
	assert.Equal(t, int64(11), got[0].CaptainID)
	assert.Equal(t, int64(10), got[1].CaptainID)
	assert.Equal(t, "captain 11", got[0].CaptainName)

	rec = f.do(t, http.MethodGet, "/api/v1/assign/orders/1/candidates?radius_km=20&max_candidates=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]models.Candidate](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/api/v1/assign/orders/1/candidates?radius_km=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/assign/orders/1/candidates?radius_km=far", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/assign/orders/1/candidates?max_candidates=-2", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/assign/orders/404/candidates", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssignAndRespondFlow(t *testing.T) {
	f := newFixture(t)
	f.order(1)
	f.order(2)

	rec := f.do(t, http.MethodPost, "/api/v1/assign/orders/1/assign", assignRequest{CaptainID: 10}, "Idempotency-Key", "req-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeBody[assignResponse](t, rec)
	assert.True(t, first.OK)
	assert.False(t, first.Duplicate)
	assert.Equal(t, models.OfferPending, first.State)
	assert.NotEmpty(t, first.OfferID)

	rec = f.do(t, http.MethodPost, "/api/v1/assign/orders/1/assign", assignRequest{CaptainID: 10}, "Idempotency-Key", "req-1")
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeBody[assignResponse](t, rec)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.OfferID, again.OfferID)

	rec = f.do(t, http.MethodPost, "/api/v1/assign/orders/1/assign", assignRequest{CaptainID: 11}, "Idempotency-Key", "req-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "idempotency_conflict", decodeBody[errorBody](t, rec).Error)

	rec = f.do(t, http.MethodPost, "/api/v1/assign/orders/2/assign", assignRequest{CaptainID: 10})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "captain_busy", decodeBody[errorBody](t, rec).Error)

	respond := "/api/v1/assign/offers/" + first.OfferID + "/respond"
	rec = f.do(t, http.MethodPost, respond, respondRequest{CaptainID: 11, Decision: models.DecisionAccept})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(t, http.MethodPost, respond, respondRequest{CaptainID: 10, Decision: "later"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, respond, respondRequest{CaptainID: 10, Decision: models.DecisionAccept})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, respond, respondRequest{CaptainID: 10, Decision: models.DecisionAccept})
	assert.Equal(t, http.StatusGone, rec.Code)

	ord, err := f.orders.Lookup(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.OrderProcessing, ord.Status)

	rec = f.do(t, http.MethodGet, "/api/v1/assign/orders/1/offers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	offers := decodeBody[[]models.Offer](t, rec)
	require.Len(t, offers, 1)
	assert.Equal(t, models.OfferAccepted, offers[0].State)

	rec = f.do(t, http.MethodGet, "/api/v1/assign/offers/"+first.OfferID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/assign/offers/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/assign/orders/1/assign", assignRequest{CaptainID: 12})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "order_not_assignable", decodeBody[errorBody](t, rec).Error)

	rec = f.do(t, http.MethodPost, "/api/v1/assign/orders/9/assign", assignRequest{CaptainID: 12})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssignRejectsBadBody(t *testing.T) {
	f := newFixture(t)
	f.order(1)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/assign/orders/1/assign", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/assign/orders/1/assign", assignRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelWithdrawsOffer(t *testing.T) {
	f := newFixture(t)
	f.order(1)
	rec := f.do(t, http.MethodPost, "/api/v1/assign/orders/1/assign", assignRequest{CaptainID: 10})
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeBody[assignResponse](t, rec).OfferID

	rec = f.do(t, http.MethodPost, "/api/v1/assign/orders/1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	o, err := f.coord.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.OfferSuperseded, o.State)
	ord, err := f.orders.Lookup(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, ord.Status)

	rec = f.do(t, http.MethodPost, "/api/v1/assign/orders/77/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCaptainLocationAndProfile(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/internal/captains/10", captainProfile{Name: "Sami", Status: models.CaptainActive, Rating: 4.9})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Sami", decodeBody[models.Captain](t, rec).Name)

	rec = f.do(t, http.MethodPut, "/internal/captains/10", captainProfile{Status: "napping"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	now := time.Now()
	rec = f.do(t, http.MethodPost, "/internal/captains/locations", models.PositionPing{CaptainID: 10, Lat: 33.5, Lng: 36.3, At: now})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["applied"])

	rec = f.do(t, http.MethodPost, "/internal/captains/locations", models.PositionPing{CaptainID: 10, Lat: 1, Lng: 1, At: now.Add(-time.Minute)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody[map[string]any](t, rec)["applied"])

	rec = f.do(t, http.MethodPost, "/internal/captains/locations", models.PositionPing{CaptainID: 10, Lat: 100, Lng: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.pub.mu.Lock()
	assert.Len(t, f.pub.pings, 1, "only applied pings are mirrored")
	f.pub.mu.Unlock()

	c, err := f.reg.Get(context.Background(), 10)
	require.NoError(t, err)
	require.NotNil(t, c.Position)
	assert.Equal(t, "Sami", c.Name)
	assert.Equal(t, 33.5, c.Position.Lat)
}

func TestCaptainLocationClampsFutureTimestamp(t *testing.T) {
	f := newFixture(t)
	before := time.Now()
	rec := f.do(t, http.MethodPost, "/internal/captains/locations", models.PositionPing{CaptainID: 10, Lat: 33.5, Lng: 36.3, At: before.Add(24 * time.Hour)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	c, err := f.reg.Get(context.Background(), 10)
	require.NoError(t, err)
	require.NotNil(t, c.Position)
	assert.False(t, c.Position.At.After(time.Now()), "stored time is clamped to the server clock")

	time.Sleep(2 * time.Millisecond)
	rec = f.do(t, http.MethodPost, "/internal/captains/locations", models.PositionPing{CaptainID: 10, Lat: 33.6, Lng: 36.4})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["applied"], "a later real ping is not locked out")
}

func TestOrderIntake(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPut, "/internal/orders/5", orderIntake{Restaurant: restaurant, RadiusKm: 3})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ord, err := f.orders.Lookup(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, models.OrderChooseCaptain, ord.Status)

	rec = f.do(t, http.MethodPost, "/api/v1/assign/orders/5/assign", assignRequest{CaptainID: 10})
	require.Equal(t, http.StatusOK, rec.Code)

	// order service moved the order on; the pending offer is withdrawn
	rec = f.do(t, http.MethodPut, "/internal/orders/5", orderIntake{Restaurant: restaurant, Status: "issue"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.OrderProblem, decodeBody[models.Order](t, rec).Status)
	_, pending := f.coord.PendingForCaptain(10)
	assert.False(t, pending)

	rec = f.do(t, http.MethodPut, "/internal/orders/6", orderIntake{Restaurant: models.Coord{Lat: 200}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadyAndHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.srv.Ready = map[string]ReadyCheck{"redis": func(context.Context) error { return errors.New("connection refused") }}
	rec = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil, "X-Request-ID", "abc")
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
	rec = f.do(t, http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{models.Invalid("x", "y"), http.StatusBadRequest},
		{orders.ErrUnknownOrder, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", offer.ErrOfferNotFound), http.StatusNotFound},
		{offer.ErrNotOfferCaptain, http.StatusForbidden},
		{offer.ErrCaptainBusy, http.StatusConflict},
		{offer.ErrIdempotencyConflict, http.StatusConflict},
		{orders.ErrNotAssignable, http.StatusConflict},
		{offer.ErrOfferNotPending, http.StatusGone},
		{fmt.Errorf("%w: boom", offer.ErrLedger), http.StatusInternalServerError},
		{offer.ErrClosed, http.StatusServiceUnavailable},
	}
	for _, c := range cases {
		got, _ := statusFor(c.err)
		assert.Equal(t, c.code, got, c.err.Error())
	}
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) models.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m models.Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestCaptainChannel(t *testing.T) {
	f := newFixture(t)
	f.order(1)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	dash := dial(t, ts, "/ws/dashboard")
	captain := dial(t, ts, "/ws/captain/10")
	require.Eventually(t, func() bool { return f.hub.Connected(10) && f.hub.Dashboards() == 1 }, time.Second, 5*time.Millisecond)

	rec := f.do(t, http.MethodPost, "/api/v1/assign/orders/1/assign", assignRequest{CaptainID: 10})
	require.Equal(t, http.StatusOK, rec.Code)
	offerID := decodeBody[assignResponse](t, rec).OfferID

	m := readMessage(t, captain)
	assert.Equal(t, models.MsgAssign, m.Type)
	assert.Equal(t, offerID, m.OfferID)
	require.NotNil(t, m.ExpiresAt)

	require.NoError(t, captain.WriteJSON(models.CaptainInbound{Type: models.MsgPos, Lat: 33.52, Lng: 36.28}))
	require.NoError(t, captain.WriteJSON(models.CaptainInbound{Type: "dance"}))
	m = readMessage(t, captain)
	assert.Equal(t, models.MsgError, m.Type)
	assert.Equal(t, "validation", m.Reason)

	require.NoError(t, captain.WriteJSON(models.CaptainInbound{Type: models.MsgAccepted, OrderID: 1}))
	m = readMessage(t, dash)
	assert.Equal(t, models.MsgOfferAccepted, m.Type)
	assert.Equal(t, int64(10), m.CaptainID)

	ord, err := f.orders.Lookup(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.OrderProcessing, ord.Status)
	pos, err := f.reg.GetPosition(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 33.52, pos.Lat)

	require.NoError(t, captain.WriteJSON(models.CaptainInbound{Type: models.MsgAccepted, OrderID: 1}))
	m = readMessage(t, captain)
	assert.Equal(t, models.MsgError, m.Type)
	assert.Equal(t, "offer_not_pending", m.Reason)
}

func TestCaptainReconnectGetsPendingOffer(t *testing.T) {
	f := newFixture(t)
	f.order(3)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	rec := f.do(t, http.MethodPost, "/api/v1/assign/orders/3/assign", assignRequest{CaptainID: 20})
	require.Equal(t, http.StatusOK, rec.Code)
	offerID := decodeBody[assignResponse](t, rec).OfferID

	conn := dial(t, ts, "/ws/captain/20")
	m := readMessage(t, conn)
	assert.Equal(t, models.MsgAssign, m.Type)
	assert.Equal(t, offerID, m.OfferID)

	require.NoError(t, conn.WriteJSON(models.CaptainInbound{Type: models.MsgRejected, OrderID: 3}))
	require.Eventually(t, func() bool {
		o, err := f.coord.Get(context.Background(), offerID)
		return err == nil && o.State == models.OfferRejected
	}, time.Second, 5*time.Millisecond)
}

func TestDispatchStateEndpoints(t *testing.T) {
	f := newFixture(t)
	f.order(1)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	rec := f.do(t, http.MethodGet, "/internal/captains/10/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, captainSession{CaptainID: 10}, decodeBody[captainSession](t, rec))

	dial(t, ts, "/ws/dashboard")
	dial(t, ts, "/ws/captain/10")
	require.Eventually(t, func() bool { return f.hub.Connected(10) && f.hub.Dashboards() == 1 }, time.Second, 5*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/api/v1/assign/orders/1/offers/pending", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/assign/orders/1/assign", assignRequest{CaptainID: 10})
	require.Equal(t, http.StatusOK, rec.Code)
	offerID := decodeBody[assignResponse](t, rec).OfferID

	rec = f.do(t, http.MethodGet, "/api/v1/assign/orders/1/offers/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, offerID, decodeBody[models.Offer](t, rec).ID)

	rec = f.do(t, http.MethodGet, "/internal/captains/10/session", nil)
	sess := decodeBody[captainSession](t, rec)
	assert.True(t, sess.Connected)
	require.NotNil(t, sess.PendingOrderID)
	assert.Equal(t, int64(1), *sess.PendingOrderID)

	rec = f.do(t, http.MethodGet, "/internal/dispatch", nil)
	state := decodeBody[dispatchState](t, rec)
	assert.Equal(t, 1, state.Dashboards)
	assert.Equal(t, map[int64]int64{10: 1}, state.Busy)
}
