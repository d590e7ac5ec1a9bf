// Package ledger is the append-only record of offer transitions. It backs
// idempotency lookups, the audit trail and recovery after a restart.
package ledger

import (
	"context"

	"github.com/example/captain-dispatch/internal/models"
)

type Ledger interface {
	// Append durably records one transition. A returned error means the
	// transition must not be treated as having happened.
	Append(ctx context.Context, e models.OfferEvent) error
	OffersForOrder(ctx context.Context, orderID int64) ([]models.Offer, error)
	// FindByIdempotencyKey returns models.ErrNotFound for unknown keys.
	FindByIdempotencyKey(ctx context.Context, key string) (models.Offer, error)
	// Offer folds the events of one offer; models.ErrNotFound when unknown.
	Offer(ctx context.Context, offerID string) (models.Offer, error)
	// Events returns the whole log in append order, for recovery.
	Events(ctx context.Context) ([]models.OfferEvent, error)
	// RecentOrders lists the last n orders the captain accepted, newest first.
	RecentOrders(ctx context.Context, captainID int64, n int) ([]int64, error)
}
