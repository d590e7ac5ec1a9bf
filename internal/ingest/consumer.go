package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/captain-dispatch/internal/geo"
	"github.com/example/captain-dispatch/internal/models"
	"github.com/example/captain-dispatch/internal/observability"
)

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// PositionSink is the registry write the consumer needs.
type PositionSink interface {
	UpdatePosition(ctx context.Context, captainID int64, lat, lng float64, at time.Time) (bool, error)
}

func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
}

type Consumer struct {
	Reader MessageReader
	Sink   PositionSink
	Log    zerolog.Logger

	// Attempts bounds retries of one registry write.
	Attempts     int
	InitialDelay time.Duration
	// MaxReadBackoff caps the wait after a failed read.
	MaxReadBackoff time.Duration
}

// Run reads until ctx is cancelled. Bad messages are counted and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	readBackoff := backoff.NewExponentialBackOff()
	readBackoff.MaxInterval = c.maxReadBackoff()
	readBackoff.InitialInterval = min(time.Second, readBackoff.MaxInterval)
	readBackoff.MaxElapsedTime = 0
	readBackoff.Reset()

	for {
		m, err := c.Reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.Log.Info().Msg("shutting down consumer")
				return nil
			}
			wait := readBackoff.NextBackOff()
			c.Log.Warn().Err(err).Dur("backoff", wait).Msg("kafka read")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		readBackoff.Reset()
		if err := c.Handle(ctx, m); err != nil {
			c.Log.Warn().Err(err).Str("key", string(m.Key)).Int64("offset", m.Offset).Msg("position message dropped")
		}
	}
}

// Handle decodes one message and applies it to the sink.
func (c *Consumer) Handle(ctx context.Context, m kafka.Message) error {
	observability.ConsumerMessages.WithLabelValues("consumed").Inc()
	ping, err := DecodePing(m)
	if err != nil {
		observability.ConsumerMessages.WithLabelValues("invalid").Inc()
		return err
	}
	if _, err := ApplyPing(ctx, c.Sink, ping, c.Attempts, c.InitialDelay); err != nil {
		observability.ConsumerMessages.WithLabelValues("failed").Inc()
		return fmt.Errorf("captain %d: %w", ping.CaptainID, err)
	}
	return nil
}

// DecodePing parses a ping, taking the message time when the body has none.
// Times ahead of the local clock are clamped to now.
func DecodePing(m kafka.Message) (models.PositionPing, error) {
	var p models.PositionPing
	if err := json.Unmarshal(m.Value, &p); err != nil {
		return models.PositionPing{}, models.Invalid("message", err.Error())
	}
	if p.CaptainID <= 0 {
		return models.PositionPing{}, models.Invalid("captain_id", "must be positive")
	}
	if !geo.ValidCoord(p.Lat, p.Lng) {
		return models.PositionPing{}, models.Invalid("position", "coordinates out of range")
	}
	if p.At.IsZero() {
		p.At = m.Time
	}
	p.At = p.StampedAt(time.Now())
	return p, nil
}

// ApplyPing writes a ping with exponential backoff. Validation errors are
// not retried.
func ApplyPing(ctx context.Context, sink PositionSink, p models.PositionPing, attempts int, delay time.Duration) (bool, error) {
	if attempts <= 0 {
		attempts = 1
	}
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = delay
	eb.MaxElapsedTime = 0
	eb.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	var applied bool
	err := backoff.Retry(func() error {
		ok, err := sink.UpdatePosition(ctx, p.CaptainID, p.Lat, p.Lng, p.At)
		if err != nil {
			if models.IsValidation(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		applied = ok
		return nil
	}, policy)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return applied, err
}

func (c *Consumer) maxReadBackoff() time.Duration {
	if c.MaxReadBackoff > 0 {
		return c.MaxReadBackoff
	}
	return 30 * time.Second
}
