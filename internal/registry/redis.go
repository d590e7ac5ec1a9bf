package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/captain-dispatch/internal/geo"
	"github.com/example/captain-dispatch/internal/models"
)

// Redis implements Registry with a GEO set for positions and one hash per
// captain for metadata.
type Redis struct {
	client *redis.Client
	key    string
	opts   Options
}

// KEYS[1] geo set, KEYS[2] meta hash; ARGV member, lng, lat, unix millis.
var updatePositionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[2], 'pos_at')
if cur and tonumber(cur) >= tonumber(ARGV[4]) then
  return 0
end
redis.call('GEOADD', KEYS[1], ARGV[2], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[2], 'lat', ARGV[3], 'lng', ARGV[2], 'pos_at', ARGV[4])
redis.call('HSETNX', KEYS[2], 'status', 'active')
return 1
`)

// KEYS[1] geo set, KEYS[2] meta hash; ARGV member, cutoff unix millis.
var sweepScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[2], 'pos_at')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], 'lat', 'lng')
return 1
`)

func NewRedis(client *redis.Client, key string, opts Options) *Redis {
	if key == "" {
		key = "captains_geo"
	}
	return &Redis{client: client, key: key, opts: opts.withDefaults()}
}

func metaKey(id int64) string { return "captain:meta:" + strconv.FormatInt(id, 10) }

func member(id int64) string { return strconv.FormatInt(id, 10) }

func (r *Redis) UpdatePosition(ctx context.Context, captainID int64, lat, lng float64, at time.Time) (bool, error) {
	if !geo.ValidCoord(lat, lng) {
		return false, models.Invalid("position", "coordinates out of range")
	}
	res, err := updatePositionScript.Run(ctx, r.client, []string{r.key, metaKey(captainID)},
		member(captainID), lng, lat, at.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("update position %d: %w", captainID, err)
	}
	recordUpdate(res == 1)
	return res == 1, nil
}

func (r *Redis) GetPosition(ctx context.Context, captainID int64) (models.Position, error) {
	vals, err := r.client.HMGet(ctx, metaKey(captainID), "lat", "lng", "pos_at").Result()
	if err != nil {
		return models.Position{}, fmt.Errorf("get position %d: %w", captainID, err)
	}
	pos, ok := positionFrom(vals)
	if !ok {
		return models.Position{}, models.ErrNotFound
	}
	return pos, nil
}

func (r *Redis) ListActive(ctx context.Context, radiusKm, lat, lng float64) ([]models.CaptainSnapshot, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lng, lat, &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", Sort: "ASC"}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo radius: %w", err)
	}
	if len(res) == 0 {
		return []models.CaptainSnapshot{}, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		cmds[i] = pipe.HGetAll(ctx, "captain:meta:"+g.Name)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("captain metadata: %w", err)
	}
	now := r.opts.Now()
	out := make([]models.CaptainSnapshot, 0, len(res))
	for i, g := range res {
		id, err := strconv.ParseInt(g.Name, 10, 64)
		if err != nil {
			continue
		}
		c := captainFrom(id, cmds[i].Val())
		if !c.Status.Dispatchable() || c.Position == nil {
			continue
		}
		if now.Sub(c.Position.At) >= r.opts.Freshness {
			continue
		}
		// recompute with our own haversine so both registries agree
		d := geo.HaversineKm(lat, lng, c.Position.Lat, c.Position.Lng)
		if d > radiusKm {
			continue
		}
		out = append(out, models.CaptainSnapshot{Captain: c, DistanceKm: d})
	}
	sortSnapshots(out)
	return out, nil
}

func (r *Redis) Upsert(ctx context.Context, c models.Captain) error {
	if c.Status == "" {
		c.Status = models.CaptainActive
	}
	if !c.Status.IsValid() {
		return models.Invalid("status", string(c.Status))
	}
	err := r.client.HSet(ctx, metaKey(c.ID), map[string]interface{}{
		"name":          c.Name,
		"status":        string(c.Status),
		"active_orders": c.ActiveOrders,
		"delivered":     c.Delivered,
		"rating":        strconv.FormatFloat(c.Rating, 'f', 2, 64),
	}).Err()
	if err != nil {
		return fmt.Errorf("upsert captain %d: %w", c.ID, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, captainID int64) (models.Captain, error) {
	m, err := r.client.HGetAll(ctx, metaKey(captainID)).Result()
	if err != nil {
		return models.Captain{}, fmt.Errorf("get captain %d: %w", captainID, err)
	}
	if len(m) == 0 {
		return models.Captain{}, models.ErrNotFound
	}
	return captainFrom(captainID, m), nil
}

func (r *Redis) SetStatus(ctx context.Context, captainID int64, status models.CaptainStatus) error {
	if !status.IsValid() {
		return models.Invalid("status", string(status))
	}
	if err := r.exists(ctx, captainID); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(captainID), "status", string(status)).Err()
}

func (r *Redis) AdjustActiveOrders(ctx context.Context, captainID int64, delta int) error {
	if err := r.exists(ctx, captainID); err != nil {
		return err
	}
	n, err := r.client.HIncrBy(ctx, metaKey(captainID), "active_orders", int64(delta)).Result()
	if err != nil {
		return fmt.Errorf("adjust active orders %d: %w", captainID, err)
	}
	if n < 0 {
		return r.client.HSet(ctx, metaKey(captainID), "active_orders", 0).Err()
	}
	return nil
}

// Sweep drops stale captains from the GEO set and clears their coordinates.
// pos_at is kept so a delayed older ping is still rejected.
func (r *Redis) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	members, err := r.client.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGet(ctx, "captain:meta:"+m, "pos_at")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("sweep metadata: %w", err)
	}
	cutoff := r.opts.Now().Add(-olderThan).UnixMilli()
	n := 0
	for i, m := range members {
		ms, err := cmds[i].Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			continue
		}
		if err == nil && ms > cutoff {
			continue
		}
		// re-checked in the script: a ping may have landed since the read
		removed, err := sweepScript.Run(ctx, r.client, []string{r.key, "captain:meta:" + m}, m, cutoff).Int()
		if err != nil {
			return n, fmt.Errorf("sweep remove %s: %w", m, err)
		}
		n += removed
	}
	return n, nil
}

// Ping reports redis reachability for readiness checks.
func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) exists(ctx context.Context, captainID int64) error {
	n, err := r.client.Exists(ctx, metaKey(captainID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func captainFrom(id int64, m map[string]string) models.Captain {
	c := models.Captain{ID: id, Name: m["name"], Status: models.CaptainStatus(m["status"])}
	if c.Status == "" {
		c.Status = models.CaptainActive
	}
	if v, err := strconv.Atoi(m["active_orders"]); err == nil {
		c.ActiveOrders = v
	}
	if v, err := strconv.Atoi(m["delivered"]); err == nil {
		c.Delivered = v
	}
	if v, err := strconv.ParseFloat(m["rating"], 64); err == nil {
		c.Rating = v
	}
	if pos, ok := positionFrom([]interface{}{m["lat"], m["lng"], m["pos_at"]}); ok {
		c.Position = &pos
	}
	return c
}

func positionFrom(vals []interface{}) (models.Position, bool) {
	if len(vals) != 3 {
		return models.Position{}, false
	}
	strs := make([]string, 3)
	for i, v := range vals {
		s, ok := v.(string)
		if !ok || s == "" {
			return models.Position{}, false
		}
		strs[i] = s
	}
	lat, err1 := strconv.ParseFloat(strs[0], 64)
	lng, err2 := strconv.ParseFloat(strs[1], 64)
	ms, err3 := strconv.ParseInt(strs[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return models.Position{}, false
	}
	return models.Position{Lat: lat, Lng: lng, At: time.UnixMilli(ms)}, true
}
