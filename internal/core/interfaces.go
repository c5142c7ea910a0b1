package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IExchange is the exchange adapter contract (SPEC_FULL.md §4.3). The real
// implementation wraps a vendor client behind a resilience decorator; tests
// substitute a deterministic in-memory mock.
type IExchange interface {
	// PlaceOrder is idempotent on clientOrderID: repeated calls with the
	// same id return the same order id rather than placing a duplicate.
	PlaceOrder(ctx context.Context, clientOrderID, symbol string, side Side, price, quantity decimal.Decimal) (orderID string, err error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (OrderSnapshot, error)
	// GetOrderByClientID resolves an ambiguous (timed-out) placement back to
	// its terminal state without ever minting a new order id.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (OrderSnapshot, error)
	ListOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	SubscribeFills(ctx context.Context, symbol string) (<-chan FillEvent, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	SubscribeTicker(ctx context.Context, symbol string) (<-chan Ticker, error)
}

// Store persists and loads a GridState snapshot, keyed by strategy instance.
// Implementations must write atomically (SPEC_FULL.md §5/§6).
type Store interface {
	SaveState(ctx context.Context, state *GridState) error
	LoadState(ctx context.Context, instanceID string) (*GridState, error)
	DeleteState(ctx context.Context, instanceID string) error
}

// Engine is the capability-set surface a strategy instance exposes, in
// place of the class-hierarchy "polymorphic strategy family" the source
// codebase uses (SPEC_FULL.md §9).
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context, reason string) error
	OnTick(ctx context.Context, t Ticker) error
	OnFill(ctx context.Context, f FillEvent) error
	Snapshot() StatusSnapshot

	// Teardown cancels every open order and deletes the instance's
	// persisted snapshot. It is a one-way operation: the instance cannot
	// be resumed afterward (§6).
	Teardown(ctx context.Context) error
}

// ILogger defines the interface for logging.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
