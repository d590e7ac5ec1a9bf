// Package offer runs the lifecycle of captain offers: dispatch, captain
// response, timer expiry and withdrawal. Every transition on an order runs
// under that order's lock, so double accepts or an accept racing an expiry
// can never both win.
package offer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/captain-dispatch/internal/ledger"
	"github.com/example/captain-dispatch/internal/models"
	"github.com/example/captain-dispatch/internal/notify"
	"github.com/example/captain-dispatch/internal/observability"
	"github.com/example/captain-dispatch/internal/orders"
)

const (
	DefaultTimeout     = 5 * time.Second
	defaultExpiryRetry = time.Second
)

var (
	ErrCaptainBusy         = errors.New("captain already holds a pending offer")
	ErrOfferNotFound       = errors.New("offer not found")
	ErrOfferNotPending     = errors.New("offer is no longer pending")
	ErrNotOfferCaptain     = errors.New("offer belongs to another captain")
	ErrIdempotencyConflict = errors.New("idempotency key already used for a different assignment")
	ErrLedger              = errors.New("ledger write failed")
	ErrClosed              = errors.New("coordinator closed")
)

// Workload is told when a captain picks up an order.
type Workload interface {
	AdjustActiveOrders(ctx context.Context, captainID int64, delta int) error
}

type Config struct {
	// Timeout is how long a captain has to answer an offer.
	Timeout time.Duration
	// ExpiryRetry re-arms an expiry whose ledger write failed.
	ExpiryRetry time.Duration
	Now         func() time.Time
	NewID       func() string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ExpiryRetry <= 0 {
		c.ExpiryRetry = defaultExpiryRetry
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	return c
}

type entry struct {
	offer models.Offer
	timer *time.Timer
}

// note is a message to send once the order lock is released.
type note struct {
	dashboard bool
	captainID int64
	msg       models.Message
}

type Coordinator struct {
	cfg      Config
	ledger   ledger.Ledger
	orders   orders.Store
	gw       notify.Gateway
	workload Workload
	log      zerolog.Logger

	locks *keyedMutex

	// mu guards the pending index. It is always taken after an order lock,
	// never before, and never held across I/O.
	mu        sync.Mutex
	offers    map[string]*entry
	byOrder   map[int64]string
	byCaptain map[int64]string
	byKey     map[string]string
	closed    bool
}

func NewCoordinator(cfg Config, l ledger.Ledger, o orders.Store, gw notify.Gateway, w Workload, log zerolog.Logger) *Coordinator {
	if gw == nil {
		gw = notify.Nop{}
	}
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		ledger:    l,
		orders:    o,
		gw:        gw,
		workload:  w,
		log:       log,
		locks:     newKeyedMutex(),
		offers:    make(map[string]*entry),
		byOrder:   make(map[int64]string),
		byCaptain: make(map[int64]string),
		byKey:     make(map[string]string),
	}
}

// Timeout is the configured answer window.
func (c *Coordinator) Timeout() time.Duration { return c.cfg.Timeout }

// Dispatched is the outcome of a dispatch. Duplicate is set when an
// idempotency key replay returned the offer it created earlier.
type Dispatched struct {
	Offer     models.Offer
	Duplicate bool
}

// Dispatch offers orderID to captainID. Replaying an idempotency key returns
// the offer it created without touching the ledger.
func (c *Coordinator) Dispatch(ctx context.Context, orderID, captainID int64, idempotencyKey string) (Dispatched, error) {
	start := time.Now()
	d, notes, err := c.dispatch(ctx, orderID, captainID, idempotencyKey)
	c.deliver(ctx, notes)
	if err != nil {
		observability.DispatchErrors.WithLabelValues(errorReason(err)).Inc()
		return Dispatched{}, err
	}
	observability.DispatchLatency.Observe(time.Since(start).Seconds())
	return d, nil
}

func (c *Coordinator) dispatch(ctx context.Context, orderID, captainID int64, key string) (Dispatched, []note, error) {
	if orderID <= 0 {
		return Dispatched{}, nil, models.Invalid("order_id", "must be positive")
	}
	if captainID <= 0 {
		return Dispatched{}, nil, models.Invalid("captain_id", "must be positive")
	}
	unlock := c.locks.Lock(orderID)
	defer unlock()

	if key != "" {
		existing, found, err := c.findKey(ctx, key)
		if err != nil {
			return Dispatched{}, nil, err
		}
		if found {
			if existing.OrderID != orderID || existing.CaptainID != captainID {
				return Dispatched{}, nil, ErrIdempotencyConflict
			}
			observability.OffersDeduped.Inc()
			return Dispatched{Offer: existing, Duplicate: true}, nil, nil
		}
	}

	ord, err := c.orders.Lookup(ctx, orderID)
	if err != nil {
		return Dispatched{}, nil, err
	}
	if !ord.Assignable() {
		return Dispatched{}, nil, orders.ErrNotAssignable
	}

	now := c.cfg.Now()
	e := &entry{offer: models.Offer{
		ID:             c.cfg.NewID(),
		OrderID:        orderID,
		CaptainID:      captainID,
		IdempotencyKey: key,
		State:          models.OfferPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.cfg.Timeout),
		UpdatedAt:      now,
		Version:        1,
	}}

	// Reserve the captain, the key and the order slot in one step so a
	// dispatch for another order cannot slip in while we write the ledger.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Dispatched{}, nil, ErrClosed
	}
	if id, ok := c.byCaptain[captainID]; ok && c.offers[id].offer.OrderID != orderID {
		c.mu.Unlock()
		return Dispatched{}, nil, ErrCaptainBusy
	}
	if _, ok := c.byKey[key]; ok && key != "" {
		c.mu.Unlock()
		return Dispatched{}, nil, ErrIdempotencyConflict
	}
	prev := c.offers[c.byOrder[orderID]]
	c.install(e)
	c.mu.Unlock()

	var notes []note
	if prev != nil {
		err := c.append(ctx, models.EventFor(prev.offer, models.OfferPending, models.OfferSuperseded, models.ActorOperator, now))
		if err != nil {
			c.mu.Lock()
			c.remove(e)
			c.byOrder[orderID] = prev.offer.ID
			c.byCaptain[prev.offer.CaptainID] = prev.offer.ID
			c.mu.Unlock()
			return Dispatched{}, nil, err
		}
		c.mu.Lock()
		gone := c.retire(prev, models.OfferSuperseded, now)
		c.mu.Unlock()
		notes = append(notes, withdrawn(gone), toDashboard(models.MsgOfferSuperseded, gone))
		c.log.Info().Int64("order_id", orderID).Str("offer_id", gone.ID).Int64("captain_id", gone.CaptainID).Msg("offer superseded")
	}

	if err := c.append(ctx, models.EventFor(e.offer, "", models.OfferPending, models.ActorOperator, now)); err != nil {
		c.mu.Lock()
		c.remove(e)
		c.mu.Unlock()
		return Dispatched{}, notes, err
	}
	c.mu.Lock()
	c.arm(e, e.offer.ExpiresAt.Sub(c.cfg.Now()))
	c.mu.Unlock()

	observability.OffersCreated.Inc()
	observability.OffersPending.Inc()
	c.log.Info().Int64("order_id", orderID).Int64("captain_id", captainID).Str("offer_id", e.offer.ID).Time("expires_at", e.offer.ExpiresAt).Msg("offer dispatched")
	notes = append(notes, note{captainID: captainID, msg: models.AssignMessage(e.offer)})
	return Dispatched{Offer: e.offer}, notes, nil
}

// Respond records a captain's decision on an offer.
func (c *Coordinator) Respond(ctx context.Context, offerID string, captainID int64, d models.Decision) (models.Offer, error) {
	return c.respond(ctx, models.ActorCaptain, offerID, captainID, d)
}

// RespondOnBehalf is Respond for an operator relaying the captain's answer.
func (c *Coordinator) RespondOnBehalf(ctx context.Context, offerID string, captainID int64, d models.Decision) (models.Offer, error) {
	return c.respond(ctx, models.ActorOperator, offerID, captainID, d)
}

// RespondForOrder resolves the captain's pending offer for orderID. This is
// the shape captain apps use on their channel.
func (c *Coordinator) RespondForOrder(ctx context.Context, orderID, captainID int64, d models.Decision) (models.Offer, error) {
	c.mu.Lock()
	id, ok := c.byCaptain[captainID]
	if ok && c.offers[id].offer.OrderID != orderID {
		ok = false
	}
	c.mu.Unlock()
	if ok {
		return c.respond(ctx, models.ActorCaptain, id, captainID, d)
	}
	offers, err := c.ledger.OffersForOrder(ctx, orderID)
	if err != nil {
		return models.Offer{}, fmt.Errorf("%w: %v", ErrLedger, err)
	}
	for i := len(offers) - 1; i >= 0; i-- {
		if offers[i].CaptainID == captainID {
			return offers[i], ErrOfferNotPending
		}
	}
	return models.Offer{}, ErrOfferNotFound
}

func (c *Coordinator) respond(ctx context.Context, actor models.Actor, offerID string, captainID int64, d models.Decision) (models.Offer, error) {
	if !d.IsValid() {
		return models.Offer{}, models.Invalid("decision", string(d))
	}
	c.mu.Lock()
	e, ok := c.offers[offerID]
	var orderID int64
	if ok {
		orderID = e.offer.OrderID
	}
	c.mu.Unlock()
	if !ok {
		return c.settled(ctx, offerID, captainID)
	}
	o, notes, err := c.respondLocked(ctx, actor, orderID, offerID, captainID, d)
	c.deliver(ctx, notes)
	return o, err
}

func (c *Coordinator) respondLocked(ctx context.Context, actor models.Actor, orderID int64, offerID string, captainID int64, d models.Decision) (models.Offer, []note, error) {
	unlock := c.locks.Lock(orderID)
	defer unlock()

	c.mu.Lock()
	e, ok := c.offers[offerID]
	c.mu.Unlock()
	if !ok {
		o, err := c.settled(ctx, offerID, captainID)
		return o, nil, err
	}
	if e.offer.CaptainID != captainID {
		return models.Offer{}, nil, ErrNotOfferCaptain
	}

	now := c.cfg.Now()
	if d == models.DecisionReject {
		if err := c.append(ctx, models.EventFor(e.offer, models.OfferPending, models.OfferRejected, actor, now)); err != nil {
			return models.Offer{}, nil, err
		}
		c.mu.Lock()
		o := c.retire(e, models.OfferRejected, now)
		c.mu.Unlock()
		c.log.Info().Int64("order_id", orderID).Int64("captain_id", captainID).Str("offer_id", offerID).Msg("offer rejected")
		return o, []note{toDashboard(models.MsgOfferRejected, o)}, nil
	}

	// The order flips to processing before the ledger records the accept, so
	// a cancel that got in first turns this accept into a supersede.
	if err := c.claimOrder(ctx, orderID, captainID); err != nil {
		if !errors.Is(err, orders.ErrNotAssignable) {
			return models.Offer{}, nil, err
		}
		if err := c.append(ctx, models.EventFor(e.offer, models.OfferPending, models.OfferSuperseded, models.ActorSystem, now)); err != nil {
			return models.Offer{}, nil, err
		}
		c.mu.Lock()
		o := c.retire(e, models.OfferSuperseded, now)
		c.mu.Unlock()
		return o, []note{withdrawn(o), toDashboard(models.MsgOfferSuperseded, o)}, ErrOfferNotPending
	}

	if err := c.append(ctx, models.EventFor(e.offer, models.OfferPending, models.OfferAccepted, actor, now)); err != nil {
		// The order already carries this captain; a retried accept claims it
		// again without a second assignment.
		return models.Offer{}, nil, err
	}
	c.mu.Lock()
	o := c.retire(e, models.OfferAccepted, now)
	others := c.pendingForOrderLocked(orderID)
	c.mu.Unlock()

	notes := []note{toDashboard(models.MsgOfferAccepted, o)}
	for _, other := range others {
		if err := c.append(ctx, models.EventFor(other.offer, models.OfferPending, models.OfferSuperseded, models.ActorSystem, now)); err != nil {
			c.log.Error().Err(err).Str("offer_id", other.offer.ID).Msg("supersede after accept")
			continue
		}
		c.mu.Lock()
		gone := c.retire(other, models.OfferSuperseded, now)
		c.mu.Unlock()
		notes = append(notes, withdrawn(gone), toDashboard(models.MsgOfferSuperseded, gone))
	}

	c.bumpWorkload(ctx, captainID)
	c.log.Info().Int64("order_id", orderID).Int64("captain_id", captainID).Str("offer_id", offerID).Msg("offer accepted")
	return o, notes, nil
}

// claimOrder assigns captainID on the order. An order that already went to
// the same captain counts as claimed.
func (c *Coordinator) claimOrder(ctx context.Context, orderID, captainID int64) error {
	err := c.orders.AssignCaptain(ctx, orderID, captainID)
	if !errors.Is(err, orders.ErrNotAssignable) {
		return err
	}
	ord, lerr := c.orders.Lookup(ctx, orderID)
	if lerr != nil {
		return lerr
	}
	if ord.Status == models.OrderProcessing && ord.CaptainID != nil && *ord.CaptainID == captainID {
		return nil
	}
	return err
}

// settled explains why offerID is not pending in memory.
func (c *Coordinator) settled(ctx context.Context, offerID string, captainID int64) (models.Offer, error) {
	o, err := c.ledger.Offer(ctx, offerID)
	if errors.Is(err, models.ErrNotFound) {
		return models.Offer{}, ErrOfferNotFound
	}
	if err != nil {
		return models.Offer{}, fmt.Errorf("%w: %v", ErrLedger, err)
	}
	if o.CaptainID != captainID {
		return models.Offer{}, ErrNotOfferCaptain
	}
	return o, ErrOfferNotPending
}

// Cancel withdraws the pending offer of an order that left dispatch, for
// example because the customer cancelled. No pending offer is not an error.
func (c *Coordinator) Cancel(ctx context.Context, orderID int64) error {
	unlock := c.locks.Lock(orderID)
	notes, err := c.withdrawLocked(ctx, orderID)
	unlock()
	c.deliver(ctx, notes)
	return err
}

// CancelOrder marks the order cancelled and withdraws its pending offers in
// one step, so no accept can land in between.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID int64) error {
	unlock := c.locks.Lock(orderID)
	if err := c.orders.Cancel(ctx, orderID); err != nil {
		unlock()
		return err
	}
	notes, err := c.withdrawLocked(ctx, orderID)
	unlock()
	c.deliver(ctx, notes)
	return err
}

// Intake records an order handed over by the order service. An order that is
// no longer waiting for a captain loses its pending offers.
func (c *Coordinator) Intake(ctx context.Context, o models.Order) (models.Order, error) {
	unlock := c.locks.Lock(o.ID)
	if err := c.orders.Upsert(ctx, o); err != nil {
		unlock()
		return models.Order{}, err
	}
	stored, err := c.orders.Lookup(ctx, o.ID)
	if err != nil {
		unlock()
		return models.Order{}, err
	}
	var notes []note
	if !stored.Assignable() {
		notes, err = c.withdrawLocked(ctx, o.ID)
	}
	unlock()
	c.deliver(ctx, notes)
	return stored, err
}

// withdrawLocked supersedes every pending offer of orderID. The order lock
// must be held.
func (c *Coordinator) withdrawLocked(ctx context.Context, orderID int64) ([]note, error) {
	c.mu.Lock()
	pending := c.pendingForOrderLocked(orderID)
	c.mu.Unlock()

	var notes []note
	now := c.cfg.Now()
	for _, e := range pending {
		if err := c.append(ctx, models.EventFor(e.offer, models.OfferPending, models.OfferSuperseded, models.ActorSystem, now)); err != nil {
			return notes, err
		}
		c.mu.Lock()
		o := c.retire(e, models.OfferSuperseded, now)
		c.mu.Unlock()
		notes = append(notes, withdrawn(o), toDashboard(models.MsgOfferSuperseded, o))
		c.log.Info().Int64("order_id", orderID).Str("offer_id", o.ID).Msg("offer withdrawn")
	}
	return notes, nil
}

func (c *Coordinator) expire(orderID int64, offerID string) {
	notes := c.expireLocked(orderID, offerID)
	c.deliver(context.Background(), notes)
}

func (c *Coordinator) expireLocked(orderID int64, offerID string) []note {
	unlock := c.locks.Lock(orderID)
	defer unlock()

	c.mu.Lock()
	e, ok := c.offers[offerID]
	if c.closed || !ok || e.offer.State != models.OfferPending {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	now := c.cfg.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.append(ctx, models.EventFor(e.offer, models.OfferPending, models.OfferExpired, models.ActorTimer, now)); err != nil {
		c.log.Error().Err(err).Str("offer_id", offerID).Dur("retry_in", c.cfg.ExpiryRetry).Msg("expire offer")
		c.mu.Lock()
		if cur, ok := c.offers[offerID]; ok && !c.closed {
			c.arm(cur, c.cfg.ExpiryRetry)
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Lock()
	o := c.retire(e, models.OfferExpired, now)
	c.mu.Unlock()
	c.log.Info().Int64("order_id", orderID).Int64("captain_id", o.CaptainID).Str("offer_id", offerID).Msg("offer expired")
	return []note{toDashboard(models.MsgOfferExpired, o), withdrawn(o)}
}

// Recover rebuilds the pending index from the ledger. Offers past their
// deadline expire at once; accepted offers whose order never got the captain
// are assigned again. Call it before serving traffic.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	events, err := c.ledger.Events(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLedger, err)
	}
	restored := 0
	for _, o := range models.FoldOffers(events) {
		switch o.State {
		case models.OfferPending:
			if c.restore(ctx, o) {
				restored++
			}
		case models.OfferAccepted:
			c.reconcileAccepted(ctx, o)
		}
	}
	c.log.Info().Int("pending", restored).Int("events", len(events)).Msg("offers recovered")
	return restored, nil
}

func (c *Coordinator) restore(ctx context.Context, o models.Offer) bool {
	unlock := c.locks.Lock(o.OrderID)
	defer unlock()

	c.mu.Lock()
	var clash []*entry
	if id, ok := c.byOrder[o.OrderID]; ok {
		clash = append(clash, c.offers[id])
	}
	if id, ok := c.byCaptain[o.CaptainID]; ok && id != c.byOrder[o.OrderID] {
		clash = append(clash, c.offers[id])
	}
	c.mu.Unlock()

	// the log is in order, so anything already indexed is older
	now := c.cfg.Now()
	for _, old := range clash {
		if !c.supersedeOlder(ctx, o.OrderID, old, now) {
			return false
		}
	}

	e := &entry{offer: o}
	c.mu.Lock()
	c.install(e)
	c.arm(e, o.ExpiresAt.Sub(now))
	c.mu.Unlock()
	observability.OffersPending.Inc()
	return true
}

func (c *Coordinator) supersedeOlder(ctx context.Context, holding int64, old *entry, now time.Time) bool {
	if old.offer.OrderID != holding {
		unlock := c.locks.Lock(old.offer.OrderID)
		defer unlock()
	}
	c.mu.Lock()
	_, live := c.offers[old.offer.ID]
	c.mu.Unlock()
	if !live {
		return true
	}
	if err := c.append(ctx, models.EventFor(old.offer, models.OfferPending, models.OfferSuperseded, models.ActorSystem, now)); err != nil {
		c.log.Error().Err(err).Str("offer_id", old.offer.ID).Msg("recover: supersede older offer")
		return false
	}
	c.mu.Lock()
	c.retire(old, models.OfferSuperseded, now)
	c.mu.Unlock()
	return true
}

func (c *Coordinator) reconcileAccepted(ctx context.Context, o models.Offer) {
	ord, err := c.orders.Lookup(ctx, o.OrderID)
	if err != nil || !ord.Assignable() {
		return
	}
	if err := c.orders.AssignCaptain(ctx, o.OrderID, o.CaptainID); err != nil {
		c.log.Error().Err(err).Int64("order_id", o.OrderID).Msg("recover: assign captain")
		return
	}
	c.bumpWorkload(ctx, o.CaptainID)
	c.log.Info().Int64("order_id", o.OrderID).Int64("captain_id", o.CaptainID).Msg("recover: captain assigned")
}

// Get returns an offer from memory if pending, else from the ledger.
func (c *Coordinator) Get(ctx context.Context, offerID string) (models.Offer, error) {
	c.mu.Lock()
	e, ok := c.offers[offerID]
	var o models.Offer
	if ok {
		o = e.offer
	}
	c.mu.Unlock()
	if ok {
		return o, nil
	}
	o, err := c.ledger.Offer(ctx, offerID)
	if errors.Is(err, models.ErrNotFound) {
		return models.Offer{}, ErrOfferNotFound
	}
	return o, err
}

// OffersForOrder is the audit view of one order.
func (c *Coordinator) OffersForOrder(ctx context.Context, orderID int64) ([]models.Offer, error) {
	return c.ledger.OffersForOrder(ctx, orderID)
}

// PendingForCaptain returns the captain's outstanding offer, if any.
func (c *Coordinator) PendingForCaptain(captainID int64) (models.Offer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byCaptain[captainID]
	if !ok {
		return models.Offer{}, false
	}
	return c.offers[id].offer, true
}

// PendingOrderFor returns the order the captain currently has an offer for.
func (c *Coordinator) PendingOrderFor(captainID int64) (int64, bool) {
	o, ok := c.PendingForCaptain(captainID)
	return o.OrderID, ok
}

// PendingForOrder returns the order's outstanding offer, if any.
func (c *Coordinator) PendingForOrder(orderID int64) (models.Offer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byOrder[orderID]
	if !ok {
		return models.Offer{}, false
	}
	return c.offers[id].offer, true
}

// PendingCaptains maps every captain holding a pending offer to its order.
func (c *Coordinator) PendingCaptains() map[int64]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]int64, len(c.byCaptain))
	for captainID, id := range c.byCaptain {
		out[captainID] = c.offers[id].offer.OrderID
	}
	return out
}

// Close stops every expiry timer. Pending offers stay pending in the ledger
// and are picked up by Recover on the next start.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, e := range c.offers {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}

// index helpers, all called with c.mu held

func (c *Coordinator) install(e *entry) {
	o := e.offer
	c.offers[o.ID] = e
	c.byOrder[o.OrderID] = o.ID
	c.byCaptain[o.CaptainID] = o.ID
	if o.IdempotencyKey != "" {
		c.byKey[o.IdempotencyKey] = o.ID
	}
}

func (c *Coordinator) remove(e *entry) {
	o := e.offer
	delete(c.offers, o.ID)
	if c.byOrder[o.OrderID] == o.ID {
		delete(c.byOrder, o.OrderID)
	}
	if c.byCaptain[o.CaptainID] == o.ID {
		delete(c.byCaptain, o.CaptainID)
	}
	if o.IdempotencyKey != "" && c.byKey[o.IdempotencyKey] == o.ID {
		delete(c.byKey, o.IdempotencyKey)
	}
}

// retire stops the timer and drops a pending offer that reached state to.
func (c *Coordinator) retire(e *entry, to models.OfferState, at time.Time) models.Offer {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	c.remove(e)
	e.offer.State = to
	e.offer.UpdatedAt = at
	e.offer.Version++
	observability.OffersPending.Dec()
	return e.offer
}

func (c *Coordinator) arm(e *entry, d time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	orderID, offerID := e.offer.OrderID, e.offer.ID
	e.timer = time.AfterFunc(d, func() { c.expire(orderID, offerID) })
}

func (c *Coordinator) pendingForOrderLocked(orderID int64) []*entry {
	var out []*entry
	for _, e := range c.offers {
		if e.offer.OrderID == orderID && e.offer.State == models.OfferPending {
			out = append(out, e)
		}
	}
	return out
}

func (c *Coordinator) findKey(ctx context.Context, key string) (models.Offer, bool, error) {
	c.mu.Lock()
	id, ok := c.byKey[key]
	var o models.Offer
	if ok {
		o = c.offers[id].offer
	}
	c.mu.Unlock()
	if ok {
		return o, true, nil
	}
	o, err := c.ledger.FindByIdempotencyKey(ctx, key)
	if errors.Is(err, models.ErrNotFound) {
		return models.Offer{}, false, nil
	}
	if err != nil {
		return models.Offer{}, false, fmt.Errorf("%w: %v", ErrLedger, err)
	}
	return o, true, nil
}

func (c *Coordinator) append(ctx context.Context, e models.OfferEvent) error {
	if err := c.ledger.Append(ctx, e); err != nil {
		observability.LedgerErrors.Inc()
		return fmt.Errorf("%w: %v", ErrLedger, err)
	}
	observability.OfferTransitions.WithLabelValues(string(e.To)).Inc()
	return nil
}

func (c *Coordinator) bumpWorkload(ctx context.Context, captainID int64) {
	if c.workload == nil {
		return
	}
	if err := c.workload.AdjustActiveOrders(ctx, captainID, 1); err != nil {
		c.log.Warn().Err(err).Int64("captain_id", captainID).Msg("adjust active orders")
	}
}

// deliver sends notes after the order lock is gone. Failures are delivery
// warnings only: the ledger is the source of truth and captain apps
// reconcile on reconnect.
func (c *Coordinator) deliver(ctx context.Context, notes []note) {
	if len(notes) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, n := range notes {
		var err error
		if n.dashboard {
			err = c.gw.NotifyDashboard(ctx, n.msg)
		} else {
			err = c.gw.NotifyCaptain(ctx, n.captainID, n.msg)
		}
		if err != nil {
			c.log.Debug().Err(err).Str("type", n.msg.Type).Int64("order_id", n.msg.OrderID).Msg("delivery warning")
		}
	}
}

func withdrawn(o models.Offer) note {
	msg := models.OfferMessage(models.MsgWithdrawn, o)
	msg.Reason = string(o.State)
	return note{captainID: o.CaptainID, msg: msg}
}

func toDashboard(kind string, o models.Offer) note {
	return note{dashboard: true, msg: models.OfferMessage(kind, o)}
}

func errorReason(err error) string {
	switch {
	case models.IsValidation(err):
		return "validation"
	case errors.Is(err, ErrCaptainBusy):
		return "captain_busy"
	case errors.Is(err, ErrIdempotencyConflict):
		return "idempotency_conflict"
	case errors.Is(err, orders.ErrUnknownOrder):
		return "unknown_order"
	case errors.Is(err, orders.ErrNotAssignable):
		return "not_assignable"
	case errors.Is(err, ErrLedger):
		return "ledger"
	default:
		return "other"
	}
}
