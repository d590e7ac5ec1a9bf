package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/captain-dispatch/internal/ingest"
	"github.com/example/captain-dispatch/internal/models"
	"github.com/example/captain-dispatch/internal/registry"
)

func TestMetricsAddrFlagDefault(t *testing.T) {
	f := newRootCmd().Flags().Lookup("metrics-addr")
	require.NotNil(t, f)
	assert.Equal(t, ":2112", f.DefValue)
}

func TestOpsMuxReadiness(t *testing.T) {
	var down bool
	h := opsMux(func(context.Context) error {
		if down {
			return errors.New("dial tcp: refused")
		}
		return nil
	})

	for _, tc := range []struct {
		path string
		down bool
		want int
	}{
		{"/healthz", true, http.StatusOK},
		{"/ready", false, http.StatusOK},
		{"/ready", true, http.StatusServiceUnavailable},
		{"/metrics", false, http.StatusOK},
	} {
		down = tc.down
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		assert.Equal(t, tc.want, rec.Code, tc.path)
	}
}

// ApplyPing against a real registry backed by miniredis, the same path the
// consumer takes for each message.
func TestApplyPingUpdatesRedisRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	reg := registry.NewRedis(rc, "captains_geo", registry.Options{Freshness: time.Minute})
	ctx := context.Background()

	now := time.Now()
	applied, err := ingest.ApplyPing(ctx, reg, models.PositionPing{CaptainID: 7, Lat: 33.51, Lng: 36.27, At: now}, 3, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, applied)

	pos, err := reg.GetPosition(ctx, 7)
	require.NoError(t, err)
	assert.InDelta(t, 33.51, pos.Lat, 1e-4)

	applied, err = ingest.ApplyPing(ctx, reg, models.PositionPing{CaptainID: 7, Lat: 1, Lng: 1, At: now.Add(-time.Second)}, 3, time.Millisecond)
	require.NoError(t, err)
	assert.False(t, applied, "older pings are ignored")
}
