// Package mock provides a deterministic in-memory core.IExchange used by
// engine tests and local dry runs. It is not a simulator of order-book
// matching — fills are driven explicitly by test code via Fill
// — it exists to exercise the engine's idempotency and reconciliation
// handling without a network dependency, in the spirit of the teacher's
// internal/mock package.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/quantgrid/gridcore/pkg/errors"
	"github.com/quantgrid/gridcore/internal/core"
	"github.com/shopspring/decimal"
)

type order struct {
	id            string
	clientOrderID string
	symbol        string
	side          core.Side
	price         decimal.Decimal
	quantity      decimal.Decimal
	status        core.OrderStatus
	filledQty     decimal.Decimal
	avgPrice      decimal.Decimal
	fee           decimal.Decimal
}

// Exchange is a deterministic, mutex-guarded in-memory exchange. All
// methods are safe for concurrent use. Fault injection is controlled by
// setting the exported hooks before exercising the adapter; nothing here
// introduces nondeterminism on its own (no real clock, no randomness).
type Exchange struct {
	mu          sync.Mutex
	orders      map[string]*order // keyed by orderID
	byClientID  map[string]string // clientOrderID -> orderID
	nextOrderID int64
	ticker      core.Ticker

	fillSubscribers  []chan core.FillEvent
	tickerSubscribers []chan core.Ticker

	// FailNextPlaceOrder, when > 0, makes the next N PlaceOrder calls
	// return ErrNetwork without recording anything, then decrements.
	// Used to exercise the resilient decorator's retry path.
	FailNextPlaceOrder int

	// DropAcknowledgement, when true, places the order (it exists on the
	// exchange and can later be discovered by ListOpenOrders) but returns
	// ErrNetwork to the caller, simulating an orphan order (§4.5).
	DropAcknowledgement bool

	// DuplicateNextFill, when true, delivers the next fill event twice to
	// subscribers, exercising idempotent fill handling.
	DuplicateNextFill bool
}

// New returns an empty exchange with no open orders.
func New() *Exchange {
	return &Exchange{
		orders:     make(map[string]*order),
		byClientID: make(map[string]string),
	}
}

func (e *Exchange) PlaceOrder(ctx context.Context, clientOrderID, symbol string, side core.Side, price, quantity decimal.Decimal) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Idempotency: replaying the same client_order_id returns the
	// previously assigned order id rather than creating a duplicate,
	// mirroring a real exchange's dedup-on-client-id contract (§4.3).
	if existingID, ok := e.byClientID[clientOrderID]; ok {
		return existingID, nil
	}

	if e.FailNextPlaceOrder > 0 {
		e.FailNextPlaceOrder--
		return "", apperrors.ErrNetwork
	}

	e.nextOrderID++
	id := formatOrderID(e.nextOrderID)

	e.orders[id] = &order{
		id:            id,
		clientOrderID: clientOrderID,
		symbol:        symbol,
		side:          side,
		price:         price,
		quantity:      quantity,
		status:        core.OrderStatusNew,
		filledQty:     decimal.Zero,
		avgPrice:      decimal.Zero,
		fee:           decimal.Zero,
	}
	e.byClientID[clientOrderID] = id

	if e.DropAcknowledgement {
		e.DropAcknowledgement = false
		return "", apperrors.ErrNetwork
	}
	return id, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if o.status == core.OrderStatusFilled {
		return apperrors.ErrInvalidOrderParameter
	}
	o.status = core.OrderStatusCancelled
	return nil
}

func (e *Exchange) GetOrder(ctx context.Context, orderID string) (core.OrderSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok {
		return core.OrderSnapshot{}, apperrors.ErrOrderNotFound
	}
	return toSnapshot(o), nil
}

func (e *Exchange) GetOrderByClientID(ctx context.Context, clientOrderID string) (core.OrderSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.byClientID[clientOrderID]
	if !ok {
		return core.OrderSnapshot{}, apperrors.ErrOrderNotFound
	}
	return toSnapshot(e.orders[id]), nil
}

func (e *Exchange) ListOpenOrders(ctx context.Context, symbol string) ([]core.OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var open []core.OpenOrder
	for _, o := range e.orders {
		if o.symbol != symbol {
			continue
		}
		if o.status != core.OrderStatusNew && o.status != core.OrderStatusPartiallyFilled {
			continue
		}
		open = append(open, core.OpenOrder{
			OrderID:       o.id,
			ClientOrderID: o.clientOrderID,
			Symbol:        o.symbol,
			Side:          o.side,
			Price:         o.price,
			Quantity:      o.quantity,
		})
	}
	return open, nil
}

func (e *Exchange) SubscribeFills(ctx context.Context, symbol string) (<-chan core.FillEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan core.FillEvent, 64)
	e.fillSubscribers = append(e.fillSubscribers, ch)
	return ch, nil
}

func (e *Exchange) GetTicker(ctx context.Context, symbol string) (core.Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ticker, nil
}

func (e *Exchange) SubscribeTicker(ctx context.Context, symbol string) (<-chan core.Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan core.Ticker, 64)
	e.tickerSubscribers = append(e.tickerSubscribers, ch)
	return ch, nil
}

// SetTicker publishes a new last/bid/ask to every ticker subscriber and
// updates what GetTicker returns.
func (e *Exchange) SetTicker(t core.Ticker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ticker = t
	for _, ch := range e.tickerSubscribers {
		ch <- t
	}
}

// Fill marks orderID filled at fillPrice (the whole remaining quantity —
// partial fills are not modeled, matching the engine's stated scope) and
// publishes a FillEvent to every fill subscriber. If DuplicateNextFill is
// set, the event is published twice and the flag is cleared.
func (e *Exchange) Fill(orderID string, fillPrice, fee decimal.Decimal, ts time.Time) error {
	e.mu.Lock()
	o, ok := e.orders[orderID]
	if !ok {
		e.mu.Unlock()
		return apperrors.ErrOrderNotFound
	}
	o.status = core.OrderStatusFilled
	o.filledQty = o.quantity
	o.avgPrice = fillPrice
	o.fee = fee

	evt := core.FillEvent{
		OrderID:   o.id,
		Price:     fillPrice,
		Qty:       o.quantity,
		Timestamp: ts,
		Fee:     fee,
	}
	dup := e.DuplicateNextFill
	e.DuplicateNextFill = false
	subs := append([]chan core.FillEvent(nil), e.fillSubscribers...)
	e.mu.Unlock()

	for _, ch := range subs {
		ch <- evt
		if dup {
			ch <- evt
		}
	}
	return nil
}

// InjectOrphan places an order directly into exchange state without going
// through PlaceOrder, simulating an order the local store has no record of
// (§4.5 orphan case).
func (e *Exchange) InjectOrphan(symbol string, side core.Side, price, quantity decimal.Decimal) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextOrderID++
	id := formatOrderID(e.nextOrderID)
	e.orders[id] = &order{
		id:       id,
		symbol:   symbol,
		side:     side,
		price:    price,
		quantity: quantity,
		status:   core.OrderStatusNew,
	}
	return id
}

func toSnapshot(o *order) core.OrderSnapshot {
	return core.OrderSnapshot{
		OrderID:   o.id,
		Status:    o.status,
		FilledQty: o.filledQty,
		AvgPrice:  o.avgPrice,
		Fee:       o.fee,
	}
}

func formatOrderID(n int64) string {
	return fmt.Sprintf("mock-%d", n)
}

var _ core.IExchange = (*Exchange)(nil)
