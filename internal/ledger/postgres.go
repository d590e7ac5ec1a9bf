package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/example/captain-dispatch/internal/models"
)

// Postgres stores offer events in the offer_events table.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const eventColumns = `seq, offer_id, order_id, captain_id, COALESCE(idempotency_key, ''), from_state, to_state, actor, at, offer_created_at, offer_expires_at`

func (p *Postgres) Append(ctx context.Context, e models.OfferEvent) error {
	var key any
	if e.IdempotencyKey != "" {
		key = e.IdempotencyKey
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO offer_events(offer_id, order_id, captain_id, idempotency_key, from_state, to_state, actor, at, offer_created_at, offer_expires_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.OfferID, e.OrderID, e.CaptainID, key, string(e.From), string(e.To), string(e.Actor), e.At, e.CreatedAt, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("append offer event %s->%s: %w", e.OfferID, e.To, err)
	}
	return nil
}

func (p *Postgres) OffersForOrder(ctx context.Context, orderID int64) ([]models.Offer, error) {
	events, err := p.query(ctx, `SELECT `+eventColumns+` FROM offer_events WHERE order_id=$1 ORDER BY seq`, orderID)
	if err != nil {
		return nil, err
	}
	return models.FoldOffers(events), nil
}

func (p *Postgres) FindByIdempotencyKey(ctx context.Context, key string) (models.Offer, error) {
	events, err := p.query(ctx, `SELECT `+eventColumns+` FROM offer_events WHERE offer_id = (SELECT offer_id FROM offer_events WHERE idempotency_key=$1 AND from_state='' LIMIT 1) ORDER BY seq`, key)
	if err != nil {
		return models.Offer{}, err
	}
	if len(events) == 0 {
		return models.Offer{}, models.ErrNotFound
	}
	return models.FoldOffers(events)[0], nil
}

func (p *Postgres) Offer(ctx context.Context, offerID string) (models.Offer, error) {
	events, err := p.query(ctx, `SELECT `+eventColumns+` FROM offer_events WHERE offer_id=$1 ORDER BY seq`, offerID)
	if err != nil {
		return models.Offer{}, err
	}
	if len(events) == 0 {
		return models.Offer{}, models.ErrNotFound
	}
	return models.FoldOffers(events)[0], nil
}

func (p *Postgres) Events(ctx context.Context) ([]models.OfferEvent, error) {
	return p.query(ctx, `SELECT `+eventColumns+` FROM offer_events ORDER BY seq`)
}

func (p *Postgres) RecentOrders(ctx context.Context, captainID int64, n int) ([]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT order_id FROM offer_events WHERE captain_id=$1 AND to_state='accepted' ORDER BY seq DESC LIMIT $2`, captainID, n)
	if err != nil {
		return nil, fmt.Errorf("recent orders %d: %w", captainID, err)
	}
	defer rows.Close()
	out := make([]int64, 0, n)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *Postgres) query(ctx context.Context, q string, args ...any) ([]models.OfferEvent, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query offer events: %w", err)
	}
	defer rows.Close()
	var out []models.OfferEvent
	for rows.Next() {
		var e models.OfferEvent
		var from, to, actor string
		if err := rows.Scan(&e.Seq, &e.OfferID, &e.OrderID, &e.CaptainID, &e.IdempotencyKey, &from, &to, &actor, &e.At, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan offer event: %w", err)
		}
		e.From, e.To, e.Actor = models.OfferState(from), models.OfferState(to), models.Actor(actor)
		out = append(out, e)
	}
	return out, rows.Err()
}
