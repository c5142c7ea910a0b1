// Package core defines the shared domain vocabulary and capability-set
// interfaces for the grid trading execution core.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// SpacingMode selects how grid price levels are distributed between
// lower_price and upper_price.
type SpacingMode string

const (
	SpacingArithmetic SpacingMode = "arithmetic"
	SpacingGeometric  SpacingMode = "geometric"
)

// OrderStatus mirrors the status vocabulary of the exchange adapter contract.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusUnknown         OrderStatus = "UNKNOWN"
)

// Status is the GridState lifecycle state machine.
type Status string

const (
	StatusInitializing      Status = "INITIALIZING"
	StatusRunning           Status = "RUNNING"
	StatusStoppedByRisk     Status = "STOPPED_BY_RISK"
	StatusStoppedByOperator Status = "STOPPED_BY_OPERATOR"
	StatusFailed            Status = "FAILED"
)

// Terminal reports whether the status is one of the terminal states in
// which no new orders may be placed (P6).
func (s Status) Terminal() bool {
	switch s {
	case StatusStoppedByRisk, StatusStoppedByOperator, StatusFailed:
		return true
	default:
		return false
	}
}

// GridConfig is the immutable configuration a grid strategy instance is
// started from.
type GridConfig struct {
	Symbol          string
	LowerPrice      decimal.Decimal
	UpperPrice      decimal.Decimal
	NumGrids        int
	TotalInvestment decimal.Decimal
	SpacingMode     SpacingMode
	StopLossPct     decimal.Decimal
	TakeProfitPct   decimal.Decimal // zero value means "not configured"
	HasTakeProfit   bool
	ReserveFraction decimal.Decimal
}

// GridLevel is a single discrete price point in the grid. The invariants on
// this type (at most one bound order id, sell-implies-filled-buy,
// buy-implies-not-filled-buy) are enforced exclusively by gridstate
// mutators; this struct itself is a plain value.
type GridLevel struct {
	Index  int
	Price  decimal.Decimal
	// Quantity is the base-asset amount this level trades in. Zero for
	// levels marked Inactive by the geometry package (below min-notional).
	Quantity decimal.Decimal
	Active   bool

	BuyOrderID  string
	SellOrderID string
	FilledBuy   bool

	// LastBuyFillPrice is the price the most recent buy at this level was
	// actually filled at; used to compute realized P&L on the matching
	// sell fill.
	LastBuyFillPrice decimal.Decimal

	// PlacementEpoch is incremented every time a new order is placed at
	// this level, so that repeated placements (including retries) at the
	// same level produce distinct, deterministic client order ids.
	PlacementEpoch int64

	// NeedsRetry marks a level whose most recent placement attempt failed
	// transiently and must be retried by the tick handler.
	NeedsRetry     bool
	RetryPendingBuy  bool
	RetryPendingSell bool
}

// Statistics accumulates realized results across the lifetime of a grid
// instance.
type Statistics struct {
	TotalProfit     decimal.Decimal
	TotalFees       decimal.Decimal
	CompletedCycles int64
	LastTickPrice   decimal.Decimal
}

// GridState is the durable per-instance data structure. All mutation must
// go through internal/gridstate's mutators, which enforce the invariants
// described in SPEC_FULL.md §3.
type GridState struct {
	InstanceID     string
	Config         GridConfig
	Levels         []GridLevel
	Statistics     Statistics
	Status         Status
	Version        int64
	LastKnownPrice decimal.Decimal
}

// FillEvent is delivered by the exchange adapter's fill stream.
type FillEvent struct {
	OrderID   string
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Fee       decimal.Decimal
	Timestamp time.Time
}

// OpenOrder is a single row returned by IExchange.ListOpenOrders.
type OpenOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Price         decimal.Decimal
	Quantity      decimal.Decimal
}

// OrderSnapshot is returned by IExchange.GetOrder.
type OrderSnapshot struct {
	OrderID   string
	Status    OrderStatus
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	Fee       decimal.Decimal
}

// Ticker is a last/bid/ask quote for a symbol.
type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

// StatusSnapshot is the read-only observer surface over a GridState
// (SPEC_FULL.md §6). It is never used to mutate the core.
type StatusSnapshot struct {
	InstanceID         string
	Symbol             string
	Status             Status
	OpenOrderCount      int
	DistanceToNextBuy  decimal.Decimal
	DistanceToTakeProfit decimal.Decimal
	RealizedProfit     decimal.Decimal
	TotalFees          decimal.Decimal
	CompletedCycles    int64
	LastKnownPrice     decimal.Decimal
	Version            int64
}
