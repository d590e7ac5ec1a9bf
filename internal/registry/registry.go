package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/captain-dispatch/internal/models"
	"github.com/example/captain-dispatch/internal/observability"
)

// DefaultFreshness is how old a position may be before the captain drops out
// of candidate lists.
const DefaultFreshness = 2 * time.Minute

// Registry tracks captain profiles and their last known positions.
type Registry interface {
	// UpdatePosition stores the position only when at is newer than the stored
	// one. Stale pings return applied=false and a nil error.
	UpdatePosition(ctx context.Context, captainID int64, lat, lng float64, at time.Time) (applied bool, err error)
	GetPosition(ctx context.Context, captainID int64) (models.Position, error)
	// ListActive returns active or busy captains with a fresh position inside
	// radiusKm of the center, nearest first.
	ListActive(ctx context.Context, radiusKm, lat, lng float64) ([]models.CaptainSnapshot, error)
	Upsert(ctx context.Context, c models.Captain) error
	Get(ctx context.Context, captainID int64) (models.Captain, error)
	SetStatus(ctx context.Context, captainID int64, status models.CaptainStatus) error
	AdjustActiveOrders(ctx context.Context, captainID int64, delta int) error
	// Sweep forgets positions older than olderThan. Profiles are kept.
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
}

type Options struct {
	Freshness time.Duration
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Freshness <= 0 {
		o.Freshness = DefaultFreshness
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func recordUpdate(applied bool) {
	if applied {
		observability.PositionUpdates.WithLabelValues("applied").Inc()
		return
	}
	observability.PositionUpdates.WithLabelValues("stale").Inc()
}

// RunJanitor sweeps stale positions every interval until ctx is done.
func RunJanitor(ctx context.Context, r Registry, interval, olderThan time.Duration, log zerolog.Logger) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := r.Sweep(ctx, olderThan)
			if err != nil {
				log.Warn().Err(err).Msg("position sweep failed")
				continue
			}
			if n > 0 {
				observability.PositionsSwept.Add(float64(n))
				log.Debug().Int("swept", n).Msg("stale positions removed")
			}
		}
	}
}
