package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/captain-dispatch/internal/models"
)

// flakyGateway fails the first failN calls.
type flakyGateway struct {
	mu    sync.Mutex
	failN int
	err   error
	calls int
}

func (f *flakyGateway) NotifyCaptain(context.Context, int64, models.Message) error { return f.call() }
func (f *flakyGateway) NotifyDashboard(context.Context, models.Message) error      { return f.call() }

func (f *flakyGateway) call() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		if f.err != nil {
			return f.err
		}
		return errors.New("transport down")
	}
	return nil
}

func fastRetry() RetryConfig {
	return RetryConfig{Attempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetryingSucceedsAfterTransientFailures(t *testing.T) {
	g := &flakyGateway{failN: 2}
	r := NewRetrying(g, fastRetry(), zerolog.Nop())
	require.NoError(t, r.NotifyCaptain(context.Background(), 1, models.Message{Type: models.MsgAssign}))
	assert.Equal(t, 3, g.calls)
}

func TestRetryingGivesUpAfterAttempts(t *testing.T) {
	g := &flakyGateway{failN: 10}
	r := NewRetrying(g, fastRetry(), zerolog.Nop())
	assert.Error(t, r.NotifyDashboard(context.Background(), models.Message{Type: models.MsgOfferExpired}))
	assert.Equal(t, 3, g.calls)
}

func TestRetryingDoesNotRetryMissingSession(t *testing.T) {
	g := &flakyGateway{failN: 10, err: ErrNoSession}
	r := NewRetrying(g, fastRetry(), zerolog.Nop())
	err := r.NotifyCaptain(context.Background(), 1, models.Message{Type: models.MsgAssign})
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, 1, g.calls)
}

func TestFanoutFailsOnlyWhenAllFail(t *testing.T) {
	ok := &flakyGateway{}
	bad := &flakyGateway{failN: 10}
	assert.NoError(t, Fanout{bad, ok}.NotifyCaptain(context.Background(), 1, models.Message{}))
	assert.Error(t, Fanout{bad, &flakyGateway{failN: 10}}.NotifyDashboard(context.Background(), models.Message{}))
	assert.NoError(t, Fanout{}.NotifyDashboard(context.Background(), models.Message{}))
}

func TestRetryingOverFanoutRetriesTransportBehindMissingSession(t *testing.T) {
	redisLike := &flakyGateway{failN: 2, err: errors.New("redis: connection reset")}
	r := NewRetrying(Fanout{NewHub(), redisLike}, RetryConfig{Attempts: 5, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, zerolog.Nop())

	require.NoError(t, r.NotifyCaptain(context.Background(), 7, models.Message{Type: models.MsgAssign}))
	assert.Equal(t, 3, redisLike.calls)
}

func TestFanoutMissingSessionOnlyWhenNoGatewayHasOne(t *testing.T) {
	none := Fanout{NewHub(), &flakyGateway{failN: 10, err: ErrNoSession}}
	assert.ErrorIs(t, none.NotifyCaptain(context.Background(), 7, models.Message{}), ErrNoSession)

	mixed := Fanout{NewHub(), &flakyGateway{failN: 10}}
	err := mixed.NotifyCaptain(context.Background(), 7, models.Message{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoSession)
}

func wsPair(t *testing.T, onServer func(*websocket.Conn)) *websocket.Conn {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		onServer(c)
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestHubDeliversToCaptainAndDashboard(t *testing.T) {
	hub := NewHub()
	registered := make(chan struct{}, 2)
	captain := wsPair(t, func(c *websocket.Conn) { hub.AddCaptain(7, c); registered <- struct{}{} })
	dash := wsPair(t, func(c *websocket.Conn) { hub.AddDashboard(c); registered <- struct{}{} })
	<-registered
	<-registered

	assert.True(t, hub.Connected(7))
	assert.False(t, hub.Connected(8))
	assert.ErrorIs(t, hub.NotifyCaptain(context.Background(), 8, models.Message{Type: models.MsgAssign}), ErrNoSession)

	require.NoError(t, hub.NotifyCaptain(context.Background(), 7, models.Message{Type: models.MsgAssign, OrderID: 3}))
	var got models.Message
	require.NoError(t, captain.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, captain.ReadJSON(&got))
	assert.Equal(t, models.MsgAssign, got.Type)
	assert.Equal(t, int64(3), got.OrderID)

	require.NoError(t, hub.NotifyDashboard(context.Background(), models.Message{Type: models.MsgOfferExpired, OrderID: 3}))
	require.NoError(t, dash.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, dash.ReadJSON(&got))
	assert.Equal(t, models.MsgOfferExpired, got.Type)
}

func TestHubRemoveCaptain(t *testing.T) {
	hub := NewHub()
	sessions := make(chan *Session, 1)
	wsPair(t, func(c *websocket.Conn) { sessions <- hub.AddCaptain(1, c) })
	s := <-sessions
	hub.RemoveCaptain(1, s)
	assert.False(t, hub.Connected(1))
	assert.NoError(t, hub.NotifyDashboard(context.Background(), models.Message{}), "no dashboards is fine")
}

func TestRedisPubSubPublishesOnCaptainChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c.Close()
	ctx := context.Background()

	sub := c.Subscribe(ctx, CaptainChannel(5))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	p := NewRedisPubSub(c)
	require.NoError(t, p.NotifyCaptain(ctx, 5, models.Message{Type: models.MsgAssign, OrderID: 11}))

	select {
	case m := <-sub.Channel():
		var got models.Message
		require.NoError(t, json.Unmarshal([]byte(m.Payload), &got))
		assert.Equal(t, int64(11), got.OrderID)
		assert.Equal(t, "captain:5", m.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
	assert.NoError(t, p.NotifyDashboard(ctx, models.Message{Type: models.MsgOfferExpired}), "no subscribers is fine")
}

func TestHTTPPush(t *testing.T) {
	var got pushBody
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewHTTPPush(srv.URL, "secret")
	require.NoError(t, p.NotifyCaptain(context.Background(), 4, models.Message{Type: models.MsgAssign, OrderID: 2}))
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "captain", got.Audience)
	assert.Equal(t, int64(4), got.CaptainID)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	assert.Error(t, NewHTTPPush(failing.URL, "").NotifyDashboard(context.Background(), models.Message{}))
}
