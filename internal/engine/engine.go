// Package engine implements the grid strategy engine: initial placement,
// the tick and fill handlers, risk triggers, and the reconciliation
// protocol that runs on every startup (SPEC_FULL.md §4.4/§4.5/§5).
//
// State mutation is serialized on a single consumer goroutine per
// instance (queue.go); exchange I/O is issued concurrently from that
// goroutine but every placement is awaited and bound before the next
// queue event is processed, matching the teacher's
// lock-compute-execute-persist shape in gridengine/engine.go generalized
// to per-level bind/fill semantics instead of slot-diffing.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/quantgrid/gridcore/internal/core"
	"github.com/quantgrid/gridcore/internal/exchange"
	"github.com/quantgrid/gridcore/internal/geometry"
	"github.com/quantgrid/gridcore/internal/gridstate"
	"github.com/quantgrid/gridcore/pkg/concurrency"
	"github.com/shopspring/decimal"
)

const initialPlacementMaxWorkers = 8

// StrategyEngine is the grid trading core.Engine implementation.
type StrategyEngine struct {
	exchange core.IExchange
	store    core.Store
	logger   core.ILogger
	clock    Clock

	instanceShortID string

	state *gridstate.Manager
	q     *queue

	wg      sync.WaitGroup
	stopped chan struct{}
}

// New constructs an engine around a freshly generated or freshly-loaded
// GridState. id is the instance's full UUID; its first 8 hex characters
// are embedded in every client_order_id this engine mints.
func New(id uuid.UUID, state *core.GridState, ex core.IExchange, store core.Store, logger core.ILogger) *StrategyEngine {
	return &StrategyEngine{
		exchange:        ex,
		store:           store,
		logger:          logger.WithField("instance_id", state.InstanceID),
		clock:           RealClock,
		instanceShortID: exchange.ShortInstanceID(id),
		state:           gridstate.New(state),
		q:               newQueue(),
		stopped:         make(chan struct{}),
	}
}

// WithClock overrides the engine's clock, used by tests to make
// reconciliation's synthesized fill timestamps deterministic.
func (e *StrategyEngine) WithClock(c Clock) *StrategyEngine {
	e.clock = c
	return e
}

// NewFromConfig builds a fresh GridState from cfg via geometry.GenerateLevels
// and wraps it in a new engine. Returns core.ConfigInfeasibleError if the
// geometry is infeasible; no state is persisted in that case (§7).
func NewFromConfig(id uuid.UUID, cfg core.GridConfig, filters geometry.Filters, ex core.IExchange, store core.Store, logger core.ILogger) (*StrategyEngine, error) {
	levels, err := geometry.GenerateLevels(cfg, filters)
	if err != nil {
		return nil, err
	}
	state := &core.GridState{
		InstanceID: id.String(),
		Config:     cfg,
		Levels:     levels,
		Status:     core.StatusInitializing,
	}
	return New(id, state, ex, store, logger), nil
}

// Start loads no further state (the caller already supplied or restored
// it), runs reconciliation, performs initial placement if this is the
// instance's first start, and launches the consumer goroutine.
func (e *StrategyEngine) Start(ctx context.Context) error {
	if err := e.reconcile(ctx); err != nil {
		return fmt.Errorf("reconciliation: %w", err)
	}

	snap := e.state.State()
	if snap.Status == core.StatusInitializing {
		if err := e.initialPlacement(ctx); err != nil {
			return fmt.Errorf("initial placement: %w", err)
		}
		e.state.SetStatus(core.StatusRunning)
		if err := e.persist(ctx); err != nil {
			return fmt.Errorf("persist after initial placement: %w", err)
		}
	}

	symbol := e.state.State().Config.Symbol
	fills, err := e.exchange.SubscribeFills(ctx, symbol)
	if err != nil {
		return fmt.Errorf("subscribe fills: %w", err)
	}
	tickers, err := e.exchange.SubscribeTicker(ctx, symbol)
	if err != nil {
		return fmt.Errorf("subscribe ticker: %w", err)
	}

	e.wg.Add(1)
	go e.run(ctx)
	e.wg.Add(1)
	go e.pump(ctx, fills, tickers)
	return nil
}

// pump converts exchange subscription channels into queue events until
// the engine stops. The subscriptions themselves may drop events (§4.3);
// the queue's own coalescing and FIFO delivery is what the rest of the
// engine relies on, not completeness of the underlying stream.
func (e *StrategyEngine) pump(ctx context.Context, fills <-chan core.FillEvent, tickers <-chan core.Ticker) {
	defer e.wg.Done()
	for {
		select {
		case f, ok := <-fills:
			if !ok {
				return
			}
			e.q.pushFill(f)
		case t, ok := <-tickers:
			if !ok {
				return
			}
			e.q.pushTick(t)
		case <-e.stopped:
			return
		}
	}
}

// Stop cancels all open orders and transitions to StoppedByOperator (§6).
func (e *StrategyEngine) Stop(ctx context.Context, reason string) error {
	err := e.q.pushCommand(func() error {
		return e.stopLocked(ctx, core.StatusStoppedByOperator, reason)
	})
	e.q.close()
	e.wg.Wait()
	return err
}

func (e *StrategyEngine) stopLocked(ctx context.Context, status core.Status, reason string) error {
	snap := e.state.State()
	if snap.Status.Terminal() {
		return nil
	}
	e.logger.Warn("stopping strategy", "status", string(status), "reason", reason)
	e.cancelAllOpenOrders(ctx, &snap)
	e.state.SetStatus(status)
	return e.persist(ctx)
}

// Teardown cancels every open order bound in the current snapshot and
// then permanently deletes the persisted snapshot (§6: "teardown
// additionally deletes the persisted snapshot"). It is meant for an
// instance that is not running — callers must Stop a live instance
// first; Teardown does not go through the consumer queue.
func (e *StrategyEngine) Teardown(ctx context.Context) error {
	snap := e.state.State()
	e.cancelAllOpenOrders(ctx, &snap)
	e.recordActiveOrders()
	e.logger.Warn("tearing down instance, deleting persisted snapshot", "instance_id", snap.InstanceID)
	return e.store.DeleteState(ctx, snap.InstanceID)
}

func (e *StrategyEngine) cancelAllOpenOrders(ctx context.Context, snap *core.GridState) {
	for _, lvl := range snap.Levels {
		for _, orderID := range []string{lvl.BuyOrderID, lvl.SellOrderID} {
			if orderID == "" {
				continue
			}
			if err := e.exchange.CancelOrder(ctx, orderID); err != nil {
				e.logger.Warn("cancel on stop failed, continuing best-effort", "order_id", orderID, "error", err)
			}
		}
	}
}

// OnTick enqueues a ticker update; only the latest queued tick is kept.
func (e *StrategyEngine) OnTick(ctx context.Context, t core.Ticker) error {
	e.q.pushTick(t)
	return nil
}

// OnFill enqueues a fill event. Fills are never coalesced.
func (e *StrategyEngine) OnFill(ctx context.Context, f core.FillEvent) error {
	e.q.pushFill(f)
	return nil
}

func (e *StrategyEngine) Snapshot() core.StatusSnapshot {
	return e.state.Snapshot()
}

func (e *StrategyEngine) run(ctx context.Context) {
	defer e.wg.Done()
	defer close(e.stopped)
	for {
		evt, ok := e.q.pop()
		if !ok {
			return
		}
		switch evt.kind {
		case eventKindTick:
			e.handleTick(ctx, evt.tick)
		case eventKindFill:
			e.handleFill(ctx, evt.fill)
		case eventKindCommand:
			err := evt.cmd()
			if evt.done != nil {
				evt.done <- err
			}
		}
	}
}

func (e *StrategyEngine) persist(ctx context.Context) error {
	snap := e.state.State()
	return e.store.SaveState(ctx, &snap)
}

// handleTick implements §4.4's tick handler: update last_known_price,
// evaluate risk triggers, persist.
func (e *StrategyEngine) handleTick(ctx context.Context, t core.Ticker) {
	snap := e.state.State()
	if snap.Status.Terminal() {
		return
	}

	e.state.SetLastKnownPrice(t.Last)

	stopLossPrice := snap.Config.LowerPrice.Mul(decimal.NewFromInt(1).Sub(snap.Config.StopLossPct))
	if t.Last.LessThan(stopLossPrice) {
		e.recordRiskTriggered(true)
		_ = e.stopLocked(ctx, core.StatusStoppedByRisk, "stop_loss_triggered")
		return
	}
	if snap.Config.HasTakeProfit {
		takeProfitPrice := snap.Config.UpperPrice.Mul(decimal.NewFromInt(1).Add(snap.Config.TakeProfitPct))
		if t.Last.GreaterThan(takeProfitPrice) {
			e.recordRiskTriggered(true)
			_ = e.stopLocked(ctx, core.StatusStoppedByRisk, "take_profit_triggered")
			return
		}
	}
	e.recordRiskTriggered(false)

	e.placeMissingBuys(ctx, t.Last)

	if err := e.persist(ctx); err != nil {
		e.logger.Error("persist after tick failed", "error", err)
	}
}

// placeMissingBuys re-places a buy for any active, unbound, unfilled
// level priced below the current tick whenever one is absent — this is
// the "normal tick logic" §4.5 relies on to re-place a buy after
// reconciliation clears a phantom binding (scenario 5), and also covers
// a level previously marked needs_retry. A filled level whose counter-sell
// placement failed gets that sell placed again here.
func (e *StrategyEngine) placeMissingBuys(ctx context.Context, lastPrice decimal.Decimal) {
	snap := e.state.State()
	for _, lvl := range snap.Levels {
		if lvl.Active && lvl.FilledBuy && lvl.RetryPendingSell && lvl.SellOrderID == "" {
			sellIdx := lvl.Index + 1
			if sellIdx >= len(snap.Levels) {
				sellIdx = lvl.Index
			}
			e.placeCounterOrder(ctx, lvl.Index, core.SideSell, snap.Levels[sellIdx].Price, lvl.Quantity)
			continue
		}
		if !lvl.Active || lvl.FilledBuy || lvl.BuyOrderID != "" || lvl.SellOrderID != "" {
			continue
		}
		if !lvl.Price.LessThan(lastPrice) {
			continue
		}
		e.placeCounterOrder(ctx, lvl.Index, core.SideBuy, lvl.Price, lvl.Quantity)
	}
}

// handleFill implements §4.4's fill handler.
func (e *StrategyEngine) handleFill(ctx context.Context, f core.FillEvent) {
	snap := e.state.State()
	if snap.Status.Terminal() {
		return
	}

	idx, side, found := e.state.FindLevelByOrderID(f.OrderID)
	if !found {
		e.logger.Debug("fill for unknown order id, ignoring", "order_id", f.OrderID)
		return
	}

	switch side {
	case core.SideBuy:
		e.handleBuyFill(ctx, idx, f)
	case core.SideSell:
		e.handleSellFill(ctx, idx, f)
	}
}

func (e *StrategyEngine) handleBuyFill(ctx context.Context, idx int, f core.FillEvent) {
	if err := e.state.RecordBuyFill(idx, f.Price, f.Fee); err != nil {
		e.logger.Error("record buy fill failed", "level", idx, "error", err)
		return
	}
	e.recordOrderFilled(ctx)
	e.recordActiveOrders()
	if err := e.persist(ctx); err != nil {
		e.logger.Error("persist after buy fill failed", "level", idx, "error", err)
		return
	}

	snap := e.state.State()
	sellIdx := idx + 1
	if sellIdx >= len(snap.Levels) {
		// Topmost level: §9's Open Question decision — sell at the same
		// level rather than skipping the counter-order entirely.
		sellIdx = idx
	}
	sellPrice := snap.Levels[sellIdx].Price
	qty := snap.Levels[idx].Quantity

	e.placeCounterOrder(ctx, idx, core.SideSell, sellPrice, qty)
}

func (e *StrategyEngine) handleSellFill(ctx context.Context, idx int, f core.FillEvent) {
	before := e.state.State().Levels[idx]
	if err := e.state.RecordSellFill(idx, f.Price, f.Fee); err != nil {
		e.logger.Error("record sell fill failed", "level", idx, "error", err)
		return
	}
	e.recordOrderFilled(ctx)
	profit := f.Price.Sub(before.LastBuyFillPrice).Mul(before.Quantity)
	e.recordCycleCompleted(ctx, profit)
	e.recordActiveOrders()
	if err := e.persist(ctx); err != nil {
		e.logger.Error("persist after sell fill failed", "level", idx, "error", err)
		return
	}

	snap := e.state.State()
	e.placeCounterOrder(ctx, idx, core.SideBuy, snap.Levels[idx].Price, snap.Levels[idx].Quantity)
}

// placeCounterOrder places an order at levelIdx for side, using a
// deterministic client_order_id so retries of the same logical placement
// are idempotent (§4.4 "Counter-order placement").
func (e *StrategyEngine) placeCounterOrder(ctx context.Context, levelIdx int, side core.Side, price, qty decimal.Decimal) {
	if !e.state.State().Levels[levelIdx].Active {
		return
	}

	epoch, err := e.state.NextPlacementEpoch(levelIdx)
	if err != nil {
		e.logger.Error("failed to obtain placement epoch", "level", levelIdx, "error", err)
		return
	}
	clientOrderID := exchange.NewClientOrderID(e.instanceShortID, levelIdx, side, epoch)
	symbol := e.state.State().Config.Symbol

	orderID, err := e.exchange.PlaceOrder(ctx, clientOrderID, symbol, side, price, qty)
	if err != nil {
		if err := e.state.MarkNeedsRetry(levelIdx, side); err != nil {
			e.logger.Error("failed to mark level needing retry", "level", levelIdx, "error", err)
		}
		e.logger.Warn("counter-order placement failed, marked for retry", "level", levelIdx, "side", string(side), "error", err)
		_ = e.persist(ctx)
		return
	}
	e.recordOrderPlaced(ctx)

	var bindErr error
	if side == core.SideBuy {
		bindErr = e.state.BindBuy(levelIdx, orderID)
	} else {
		bindErr = e.state.BindSell(levelIdx, orderID)
	}
	if bindErr != nil {
		e.logger.Error("failed to bind placed order", "level", levelIdx, "order_id", orderID, "error", bindErr)
		return
	}
	e.recordActiveOrders()
	if err := e.persist(ctx); err != nil {
		e.logger.Error("persist after binding counter-order failed", "level", levelIdx, "error", err)
	}
}

// initialPlacement implements §4.4's "entered once on first start" rule:
// a buy is placed for every level strictly below last_known_price.
func (e *StrategyEngine) initialPlacement(ctx context.Context) error {
	snap := e.state.State()
	ticker, err := e.exchange.GetTicker(ctx, snap.Config.Symbol)
	if err != nil {
		return fmt.Errorf("fetch initial ticker: %w", err)
	}
	e.state.SetLastKnownPrice(ticker.Last)

	type placement struct {
		idx   int
		price decimal.Decimal
		qty   decimal.Decimal
	}
	var toPlace []placement
	for _, lvl := range snap.Levels {
		if !lvl.Active {
			continue
		}
		if lvl.Price.LessThan(ticker.Last) {
			toPlace = append(toPlace, placement{idx: lvl.Index, price: lvl.Price, qty: lvl.Quantity})
		}
	}

	// Placements fan out across a bounded worker pool rather than one
	// goroutine per level; the engine awaits every acknowledgement and
	// binds before persisting (§4.4). Initial placement runs before the
	// consumer goroutine starts, so this is the only place placements
	// happen outside the serialized queue.
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "initial-placement",
		MaxWorkers: initialPlacementMaxWorkers,
	}, e.logger)
	defer pool.Stop()

	var mu sync.Mutex
	var firstErr error
	var wg sync.WaitGroup
	for _, p := range toPlace {
		p := p
		wg.Add(1)
		_ = pool.Submit(func() {
			defer wg.Done()
			if err := e.placeInitialBuy(ctx, snap.Config.Symbol, p.idx, p.price, p.qty); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return firstErr
}

func (e *StrategyEngine) placeInitialBuy(ctx context.Context, symbol string, levelIdx int, price, qty decimal.Decimal) error {
	epoch, err := e.state.NextPlacementEpoch(levelIdx)
	if err != nil {
		return err
	}
	clientOrderID := exchange.NewClientOrderID(e.instanceShortID, levelIdx, core.SideBuy, epoch)
	orderID, err := e.exchange.PlaceOrder(ctx, clientOrderID, symbol, core.SideBuy, price, qty)
	if err != nil {
		if markErr := e.state.MarkNeedsRetry(levelIdx, core.SideBuy); markErr != nil {
			return markErr
		}
		e.logger.Warn("initial placement failed, marked for retry", "level", levelIdx, "error", err)
		return nil
	}
	e.recordOrderPlaced(ctx)
	if err := e.state.BindBuy(levelIdx, orderID); err != nil {
		return err
	}
	e.recordActiveOrders()
	return nil
}

var _ core.Engine = (*StrategyEngine)(nil)
