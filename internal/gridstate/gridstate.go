// Package gridstate owns the GridState invariants (SPEC_FULL.md §3/§4.2).
// It exposes only mutators that preserve those invariants; any precondition
// violation surfaces as a core.InvariantViolationError, which the engine
// treats as fatal.
//
// Lock discipline mirrors the teacher's slot manager: a single mutex
// guards the whole level array and statistics, since grid instances are
// small (3-100 levels) and every mutation here is already serialized onto
// one event-queue consumer goroutine by the engine — this mutex exists to
// let introspection (Snapshot, status reads) happen safely from other
// goroutines, not to allow concurrent mutation.
package gridstate

import (
	"sync"

	"github.com/quantgrid/gridcore/internal/core"
	"github.com/shopspring/decimal"
)

// Manager wraps a core.GridState with invariant-preserving mutators.
type Manager struct {
	mu    sync.Mutex
	state *core.GridState
}

// New wraps an existing state (e.g. loaded from the persistence store or
// freshly built from geometry.GenerateLevels).
func New(state *core.GridState) *Manager {
	return &Manager{state: state}
}

// State returns a deep-enough copy of the underlying state for persistence
// or inspection. Callers must not mutate the returned levels slice's
// backing array concurrently with further Manager calls.
func (m *Manager) State() core.GridState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyLocked()
}

func (m *Manager) copyLocked() core.GridState {
	cp := *m.state
	cp.Levels = make([]core.GridLevel, len(m.state.Levels))
	copy(cp.Levels, m.state.Levels)
	return cp
}

func (m *Manager) level(idx int, mutator string) (*core.GridLevel, error) {
	if idx < 0 || idx >= len(m.state.Levels) {
		return nil, &core.InvariantViolationError{LevelIndex: idx, Mutator: mutator, Reason: "level index out of range"}
	}
	return &m.state.Levels[idx], nil
}

func (m *Manager) bump() {
	m.state.Version++
}

// BindBuy requires both order ids absent and filled_buy false (P1).
func (m *Manager) BindBuy(levelIdx int, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lvl, err := m.level(levelIdx, "bind_buy")
	if err != nil {
		return err
	}
	if lvl.BuyOrderID != "" || lvl.SellOrderID != "" {
		return &core.InvariantViolationError{LevelIndex: levelIdx, Mutator: "bind_buy", Reason: "an order is already bound"}
	}
	if lvl.FilledBuy {
		return &core.InvariantViolationError{LevelIndex: levelIdx, Mutator: "bind_buy", Reason: "filled_buy is true"}
	}
	if err := m.checkNoDuplicateOrderIDLocked(orderID); err != nil {
		return err
	}

	lvl.BuyOrderID = orderID
	lvl.NeedsRetry = false
	lvl.RetryPendingBuy = false
	m.bump()
	return nil
}

// BindSell requires both order ids absent and filled_buy true.
func (m *Manager) BindSell(levelIdx int, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lvl, err := m.level(levelIdx, "bind_sell")
	if err != nil {
		return err
	}
	if lvl.BuyOrderID != "" || lvl.SellOrderID != "" {
		return &core.InvariantViolationError{LevelIndex: levelIdx, Mutator: "bind_sell", Reason: "an order is already bound"}
	}
	if !lvl.FilledBuy {
		return &core.InvariantViolationError{LevelIndex: levelIdx, Mutator: "bind_sell", Reason: "filled_buy is false"}
	}
	if err := m.checkNoDuplicateOrderIDLocked(orderID); err != nil {
		return err
	}

	lvl.SellOrderID = orderID
	lvl.NeedsRetry = false
	lvl.RetryPendingSell = false
	m.bump()
	return nil
}

// RecordBuyFill requires a bound buy; clears the buy id, sets filled_buy,
// and records the fill price/fee for later P&L computation.
func (m *Manager) RecordBuyFill(levelIdx int, fillPrice, fee decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lvl, err := m.level(levelIdx, "record_buy_fill")
	if err != nil {
		return err
	}
	if lvl.BuyOrderID == "" {
		return &core.InvariantViolationError{LevelIndex: levelIdx, Mutator: "record_buy_fill", Reason: "no bound buy order"}
	}

	lvl.BuyOrderID = ""
	lvl.FilledBuy = true
	lvl.LastBuyFillPrice = fillPrice
	m.state.Statistics.TotalFees = m.state.Statistics.TotalFees.Add(fee)
	m.bump()
	return nil
}

// RecordSellFill requires a bound sell; clears the sell id and filled_buy,
// increments completed_cycles, and credits realized P&L (P4).
func (m *Manager) RecordSellFill(levelIdx int, fillPrice, fee decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lvl, err := m.level(levelIdx, "record_sell_fill")
	if err != nil {
		return err
	}
	if lvl.SellOrderID == "" {
		return &core.InvariantViolationError{LevelIndex: levelIdx, Mutator: "record_sell_fill", Reason: "no bound sell order"}
	}

	profit := fillPrice.Sub(lvl.LastBuyFillPrice).Mul(lvl.Quantity)

	lvl.SellOrderID = ""
	lvl.FilledBuy = false
	m.state.Statistics.CompletedCycles++
	m.state.Statistics.TotalProfit = m.state.Statistics.TotalProfit.Add(profit)
	m.state.Statistics.TotalFees = m.state.Statistics.TotalFees.Add(fee)
	m.bump()
	return nil
}

// ClearOrder is used when the exchange reports the order gone without a
// fill (cancelled, expired, rejected).
func (m *Manager) ClearOrder(levelIdx int, side core.Side) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lvl, err := m.level(levelIdx, "clear_order")
	if err != nil {
		return err
	}
	switch side {
	case core.SideBuy:
		lvl.BuyOrderID = ""
	case core.SideSell:
		lvl.SellOrderID = ""
	}
	m.bump()
	return nil
}

// SetStatus transitions the global state machine (§4.4). Transitions
// persist before external effect — the engine is responsible for calling
// Store.SaveState immediately after this returns, before issuing any
// exchange command that depends on the new status.
func (m *Manager) SetStatus(s core.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Status = s
	m.bump()
}

// SetLastKnownPrice updates the tick-driven price cursor.
func (m *Manager) SetLastKnownPrice(price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.LastKnownPrice = price
	m.state.Statistics.LastTickPrice = price
	m.bump()
}

// NextPlacementEpoch increments and returns the per-level placement epoch
// used to derive a deterministic client_order_id (§6). Retries of the same
// logical placement must reuse the epoch obtained for that attempt rather
// than calling this again.
func (m *Manager) NextPlacementEpoch(levelIdx int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lvl, err := m.level(levelIdx, "next_placement_epoch")
	if err != nil {
		return 0, err
	}
	lvl.PlacementEpoch++
	m.bump()
	return lvl.PlacementEpoch, nil
}

// MarkNeedsRetry flags a level whose placement attempt failed transiently.
func (m *Manager) MarkNeedsRetry(levelIdx int, side core.Side) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lvl, err := m.level(levelIdx, "mark_needs_retry")
	if err != nil {
		return err
	}
	lvl.NeedsRetry = true
	if side == core.SideBuy {
		lvl.RetryPendingBuy = true
	} else {
		lvl.RetryPendingSell = true
	}
	m.bump()
	return nil
}

// FindLevelByOrderID returns the level index and side an exchange order id
// is bound to, used by the fill handler and reconciliation.
func (m *Manager) FindLevelByOrderID(orderID string) (idx int, side core.Side, found bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.state.Levels {
		if m.state.Levels[i].BuyOrderID == orderID {
			return i, core.SideBuy, true
		}
		if m.state.Levels[i].SellOrderID == orderID {
			return i, core.SideSell, true
		}
	}
	return 0, "", false
}

// BoundOrderIDs returns every exchange order id currently bound in local
// state, used by reconciliation to compute set L (§4.5).
func (m *Manager) BoundOrderIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.state.Levels)*2)
	for _, lvl := range m.state.Levels {
		if lvl.BuyOrderID != "" {
			ids = append(ids, lvl.BuyOrderID)
		}
		if lvl.SellOrderID != "" {
			ids = append(ids, lvl.SellOrderID)
		}
	}
	return ids
}

// CommittedNotional sums committed capital across open buys and open
// sells valued at their recorded buy fill price (P3).
func (m *Manager) CommittedNotional() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, lvl := range m.state.Levels {
		if lvl.BuyOrderID != "" {
			total = total.Add(lvl.Quantity.Mul(lvl.Price))
		}
		if lvl.SellOrderID != "" {
			total = total.Add(lvl.Quantity.Mul(lvl.LastBuyFillPrice))
		}
	}
	return total
}

func (m *Manager) checkNoDuplicateOrderIDLocked(orderID string) error {
	for _, lvl := range m.state.Levels {
		if lvl.BuyOrderID == orderID || lvl.SellOrderID == orderID {
			return &core.InvariantViolationError{Mutator: "bind", Reason: "order id already bound to another level"}
		}
	}
	return nil
}

// Snapshot builds the read-only observer surface (§6).
func (m *Manager) Snapshot() core.StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	openOrders := 0
	var nextBuyDistance decimal.Decimal
	haveNextBuy := false
	for _, lvl := range m.state.Levels {
		if lvl.BuyOrderID != "" || lvl.SellOrderID != "" {
			openOrders++
		}
		if lvl.BuyOrderID != "" {
			dist := lvl.Price.Sub(m.state.LastKnownPrice).Abs()
			if !haveNextBuy || dist.LessThan(nextBuyDistance) {
				nextBuyDistance = dist
				haveNextBuy = true
			}
		}
	}

	var distToTP decimal.Decimal
	if m.state.Config.HasTakeProfit {
		tpPrice := m.state.Config.UpperPrice.Mul(decimal.NewFromInt(1).Add(m.state.Config.TakeProfitPct))
		distToTP = tpPrice.Sub(m.state.LastKnownPrice)
	}

	return core.StatusSnapshot{
		InstanceID:           m.state.InstanceID,
		Symbol:               m.state.Config.Symbol,
		Status:               m.state.Status,
		OpenOrderCount:       openOrders,
		DistanceToNextBuy:    nextBuyDistance,
		DistanceToTakeProfit: distToTP,
		RealizedProfit:       m.state.Statistics.TotalProfit,
		TotalFees:            m.state.Statistics.TotalFees,
		CompletedCycles:      m.state.Statistics.CompletedCycles,
		LastKnownPrice:       m.state.LastKnownPrice,
		Version:              m.state.Version,
	}
}
