package notify

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/example/captain-dispatch/internal/models"
)

const DashboardChannel = "dashboard"

// CaptainChannel is the pub/sub topic captain edge servers subscribe to.
func CaptainChannel(captainID int64) string { return "captain:" + strconv.FormatInt(captainID, 10) }

// RedisPubSub publishes messages on redis channels so other processes holding
// the sockets can forward them. Zero subscribers is not an error.
type RedisPubSub struct {
	client *redis.Client
}

func NewRedisPubSub(client *redis.Client) *RedisPubSub { return &RedisPubSub{client: client} }

func (r *RedisPubSub) NotifyCaptain(ctx context.Context, captainID int64, msg models.Message) error {
	return r.publish(ctx, CaptainChannel(captainID), msg)
}

func (r *RedisPubSub) NotifyDashboard(ctx context.Context, msg models.Message) error {
	return r.publish(ctx, DashboardChannel, msg)
}

func (r *RedisPubSub) publish(ctx context.Context, channel string, msg models.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, b).Err()
}
