package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/captain-dispatch/internal/models"
)

// PostgresStore reads and updates the dispatch_orders table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Lookup(ctx context.Context, orderID int64) (models.Order, error) {
	var o models.Order
	var status string
	var captain sql.NullInt64
	err := p.db.QueryRowContext(ctx, `SELECT order_id, restaurant_lat, restaurant_lng, customer_lat, customer_lng, radius_km, status, captain_id, created_at FROM dispatch_orders WHERE order_id=$1`, orderID).
		Scan(&o.ID, &o.Restaurant.Lat, &o.Restaurant.Lng, &o.Customer.Lat, &o.Customer.Lng, &o.RadiusKm, &status, &captain, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, ErrUnknownOrder
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("lookup order %d: %w", orderID, err)
	}
	o.Status = models.NormalizeOrderStatus(status)
	if captain.Valid {
		id := captain.Int64
		o.CaptainID = &id
	}
	return o, nil
}

// Upsert merges the incoming order onto the stored row under a row lock, so a
// replayed intake cannot move an assigned order back to choose_captain.
func (p *PostgresStore) Upsert(ctx context.Context, o models.Order) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert order %d: %w", o.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var stored sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT status, captain_id FROM dispatch_orders WHERE order_id=$1 FOR UPDATE`, o.ID).Scan(&status, &stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("upsert order %d: %w", o.ID, err)
	default:
		prev := models.Order{ID: o.ID, Status: models.NormalizeOrderStatus(status)}
		if stored.Valid {
			id := stored.Int64
			prev.CaptainID = &id
		}
		o = models.MergeIntake(prev, o)
	}

	var captain any
	if o.CaptainID != nil {
		captain = *o.CaptainID
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO dispatch_orders(order_id, restaurant_lat, restaurant_lng, customer_lat, customer_lng, radius_km, status, captain_id)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (order_id) DO UPDATE SET restaurant_lat=EXCLUDED.restaurant_lat, restaurant_lng=EXCLUDED.restaurant_lng,
customer_lat=EXCLUDED.customer_lat, customer_lng=EXCLUDED.customer_lng, radius_km=EXCLUDED.radius_km,
status=EXCLUDED.status, captain_id=EXCLUDED.captain_id, updated_at=now()`,
		o.ID, o.Restaurant.Lat, o.Restaurant.Lng, o.Customer.Lat, o.Customer.Lng, o.RadiusKm, string(o.Status), captain)
	if err != nil {
		return fmt.Errorf("upsert order %d: %w", o.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert order %d: %w", o.ID, err)
	}
	return nil
}

func (p *PostgresStore) AssignCaptain(ctx context.Context, orderID, captainID int64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE dispatch_orders SET captain_id=$1, status=$2, updated_at=now() WHERE order_id=$3 AND status=$4`,
		captainID, string(models.OrderProcessing), orderID, string(models.OrderChooseCaptain))
	if err != nil {
		return fmt.Errorf("assign captain %d to order %d: %w", captainID, orderID, err)
	}
	return p.checkUpdated(ctx, res, orderID)
}

func (p *PostgresStore) Cancel(ctx context.Context, orderID int64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE dispatch_orders SET status=$1, updated_at=now() WHERE order_id=$2`, string(models.OrderCancelled), orderID)
	if err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownOrder
	}
	return nil
}

// checkUpdated tells a missing order apart from one in the wrong status.
func (p *PostgresStore) checkUpdated(ctx context.Context, res sql.Result, orderID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = p.db.QueryRowContext(ctx, `SELECT 1 FROM dispatch_orders WHERE order_id=$1`, orderID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknownOrder
	}
	if err != nil {
		return err
	}
	return ErrNotAssignable
}
