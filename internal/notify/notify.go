// Package notify delivers offer messages to captain channels and state
// changes to dashboards.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/example/captain-dispatch/internal/models"
	"github.com/example/captain-dispatch/internal/observability"
)

// ErrNoSession means the captain has no open channel on this transport.
var ErrNoSession = errors.New("no captain session")

type Gateway interface {
	NotifyCaptain(ctx context.Context, captainID int64, msg models.Message) error
	NotifyDashboard(ctx context.Context, msg models.Message) error
}

// Fanout sends through every gateway. It fails only when all of them fail,
// and reports ErrNoSession only when no gateway had a session.
type Fanout []Gateway

func (f Fanout) NotifyCaptain(ctx context.Context, captainID int64, msg models.Message) error {
	return f.each(func(g Gateway) error { return g.NotifyCaptain(ctx, captainID, msg) })
}

func (f Fanout) NotifyDashboard(ctx context.Context, msg models.Message) error {
	return f.each(func(g Gateway) error { return g.NotifyDashboard(ctx, msg) })
}

func (f Fanout) each(send func(Gateway) error) error {
	if len(f) == 0 {
		return nil
	}
	var failed, transport []error
	for _, g := range f {
		if err := send(g); err != nil {
			failed = append(failed, err)
			if !errors.Is(err, ErrNoSession) {
				transport = append(transport, err)
			}
		}
	}
	if len(failed) < len(f) {
		return nil
	}
	// a real transport failure hides the missing sessions so it gets retried
	if len(transport) > 0 {
		return errors.Join(transport...)
	}
	return errors.Join(failed...)
}

type RetryConfig struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Retrying retries transport errors with exponential backoff. ErrNoSession is
// not retried: the captain app reconciles on reconnect.
type Retrying struct {
	next Gateway
	cfg  RetryConfig
	log  zerolog.Logger
}

func NewRetrying(next Gateway, cfg RetryConfig, log zerolog.Logger) *Retrying {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Second
	}
	return &Retrying{next: next, cfg: cfg, log: log}
}

func (r *Retrying) NotifyCaptain(ctx context.Context, captainID int64, msg models.Message) error {
	err := r.retry(ctx, func() error { return r.next.NotifyCaptain(ctx, captainID, msg) })
	if err != nil {
		observability.NotifyFailures.WithLabelValues("captain").Inc()
		r.log.Warn().Err(err).Int64("captain_id", captainID).Str("type", msg.Type).Int64("order_id", msg.OrderID).Msg("captain notification not delivered")
		return fmt.Errorf("notify captain %d: %w", captainID, err)
	}
	return nil
}

func (r *Retrying) NotifyDashboard(ctx context.Context, msg models.Message) error {
	err := r.retry(ctx, func() error { return r.next.NotifyDashboard(ctx, msg) })
	if err != nil {
		observability.NotifyFailures.WithLabelValues("dashboard").Inc()
		r.log.Warn().Err(err).Str("type", msg.Type).Int64("order_id", msg.OrderID).Msg("dashboard notification not delivered")
		return fmt.Errorf("notify dashboard: %w", err)
	}
	return nil
}

func (r *Retrying) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialDelay
	b.MaxInterval = r.cfg.MaxDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.Attempts-1)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, ErrNoSession) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// Nop drops every message.
type Nop struct{}

func (Nop) NotifyCaptain(context.Context, int64, models.Message) error { return nil }
func (Nop) NotifyDashboard(context.Context, models.Message) error      { return nil }
