// Package durable provides a DBOS-backed variant of the strategy engine's
// order placement path. An operator who wants placements to survive a
// process crash mid-flight (order accepted by the exchange, but the
// process dies before the order gets bound into local state) can route
// placements through PlacementWorkflows.Execute instead of calling core.IExchange
// directly; DBOS durably records the outcome of each step so a restart
// resumes from whichever step didn't complete rather than re-running a
// step that already happened on the exchange.
//
// This mirrors the teacher's gridengine.DBOSGridEngine/ExecuteActionWorkflow
// pair: one step per externally-visible action, one step to apply the
// result to local state, both recorded by the DBOS runtime.
package durable

import (
	"context"
	"fmt"

	"github.com/quantgrid/gridcore/internal/core"
	"github.com/quantgrid/gridcore/internal/gridstate"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"
)

// PlacementAction describes a single order placement or cancellation to be
// carried out durably and then bound into grid state.
type PlacementAction struct {
	LevelIdx      int
	Side          core.Side
	Symbol        string
	ClientOrderID string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	// CancelOrderID is set instead of the fields above for a cancellation.
	CancelOrderID string
}

type placementResult struct {
	OrderID string
	Err     error
}

// PlacementWorkflows exposes the durable workflow an engine hands its order
// actions to. It holds no engine-specific scheduling logic; it only knows
// how to carry out one action against the exchange and bind the outcome.
type PlacementWorkflows struct {
	exchange core.IExchange
	state    *gridstate.Manager
	store    core.Store
	instance string
	logger   core.ILogger
}

// NewPlacementWorkflows wires a durable placement path for one strategy
// instance's grid state.
func NewPlacementWorkflows(exchange core.IExchange, state *gridstate.Manager, store core.Store, instanceID string, logger core.ILogger) *PlacementWorkflows {
	return &PlacementWorkflows{
		exchange: exchange,
		state:    state,
		store:    store,
		instance: instanceID,
		logger:   logger.WithField("component", "durable_placement"),
	}
}

// Execute runs a PlacementAction as a durable DBOS workflow and blocks for
// its result. The caller (an engine's tick handler) uses this in place of
// calling core.IExchange and gridstate.Manager directly whenever it wants
// crash safety across the exchange-call / state-bind boundary.
func (w *PlacementWorkflows) Execute(ctx context.Context, dbosCtx dbos.DBOSContext, action PlacementAction) error {
	handle, err := dbosCtx.RunWorkflow(dbosCtx, w.placementWorkflow, action)
	if err != nil {
		return fmt.Errorf("start placement workflow: %w", err)
	}
	_, err = handle.GetResult()
	return err
}

// placementWorkflow is registered with the DBOS runtime. Step 1 performs
// the externally-visible side effect (place or cancel on the exchange);
// step 2 binds the outcome into gridstate and persists the snapshot. If
// the process dies between the two, DBOS replays the workflow on restart,
// skips the already-completed step 1 (its result was durably recorded),
// and resumes at step 2 — so a placed-but-unbound order is never lost.
func (w *PlacementWorkflows) placementWorkflow(ctx dbos.DBOSContext, input any) (any, error) {
	action := input.(PlacementAction)

	resultRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return w.callExchange(stepCtx, action)
	})
	if err != nil {
		return nil, err
	}
	result := resultRaw.(placementResult)

	_, err = ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return nil, w.applyResult(stepCtx, action, result)
	})
	if err != nil {
		return nil, err
	}

	return nil, nil
}

func (w *PlacementWorkflows) callExchange(ctx context.Context, action PlacementAction) (placementResult, error) {
	if action.CancelOrderID != "" {
		err := w.exchange.CancelOrder(ctx, action.CancelOrderID)
		return placementResult{Err: err}, nil
	}
	orderID, err := w.exchange.PlaceOrder(ctx, action.ClientOrderID, action.Symbol, action.Side, action.Price, action.Quantity)
	return placementResult{OrderID: orderID, Err: err}, nil
}

func (w *PlacementWorkflows) applyResult(ctx context.Context, action PlacementAction, result placementResult) error {
	if action.CancelOrderID != "" {
		if result.Err != nil {
			w.logger.Warn("durable cancel failed", "order_id", action.CancelOrderID, "error", result.Err)
			return nil
		}
		return w.saveSnapshot(ctx)
	}

	if result.Err != nil {
		if err := w.state.MarkNeedsRetry(action.LevelIdx, action.Side); err != nil {
			return err
		}
		w.logger.Warn("durable placement failed, marked for retry", "level", action.LevelIdx, "side", action.Side, "error", result.Err)
		return w.saveSnapshot(ctx)
	}

	var bindErr error
	switch action.Side {
	case core.SideBuy:
		bindErr = w.state.BindBuy(action.LevelIdx, result.OrderID)
	case core.SideSell:
		bindErr = w.state.BindSell(action.LevelIdx, result.OrderID)
	}
	if bindErr != nil {
		return bindErr
	}
	return w.saveSnapshot(ctx)
}

func (w *PlacementWorkflows) saveSnapshot(ctx context.Context) error {
	snap := w.state.State()
	return w.store.SaveState(ctx, &snap)
}
