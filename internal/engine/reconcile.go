package engine

import (
	"context"
	"fmt"

	"github.com/quantgrid/gridcore/internal/core"
	"github.com/quantgrid/gridcore/internal/exchange"
)

const reconciliationMaxUnknownRetries = 10

// reconcile implements §4.5, executed once on every startup before the
// engine accepts tick or fill events. It is idempotent and safe to
// re-run (e.g. after a reconnect), mirroring the ghost-fill/zombie-
// clearing idiom of the teacher's trading.ReconcileOrders but keyed on
// exchange order id / client_order_id instead of price, since this
// spec's levels are index-addressed rather than price-addressed.
func (e *StrategyEngine) reconcile(ctx context.Context) error {
	snap := e.state.State()
	symbol := snap.Config.Symbol

	openOrders, err := e.exchange.ListOpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	exchangeSet := make(map[string]core.OpenOrder, len(openOrders))
	for _, o := range openOrders {
		exchangeSet[o.OrderID] = o
	}

	localIDs := e.state.BoundOrderIDs()
	localSet := make(map[string]bool, len(localIDs))
	for _, id := range localIDs {
		localSet[id] = true
	}

	if err := e.reconcilePhantoms(ctx, localIDs, exchangeSet); err != nil {
		return err
	}
	if err := e.reconcileOrphans(ctx, openOrders, localSet); err != nil {
		return err
	}

	e.logger.Info("reconciliation complete", "exchange_open_orders", len(openOrders), "local_bound_orders", len(localIDs))
	return nil
}

// reconcilePhantoms handles order ids bound locally but absent from the
// exchange's open-order list.
func (e *StrategyEngine) reconcilePhantoms(ctx context.Context, localIDs []string, exchangeSet map[string]core.OpenOrder) error {
	for _, orderID := range localIDs {
		if _, stillOpen := exchangeSet[orderID]; stillOpen {
			continue // matched: leave alone
		}

		snapshot, err := e.resolveUnknownWithRetry(ctx, orderID)
		if err != nil {
			return err
		}

		idx, side, found := e.state.FindLevelByOrderID(orderID)
		if !found {
			continue
		}

		switch snapshot.Status {
		case core.OrderStatusFilled:
			// Catches a fill that occurred while the process was dead.
			fillPrice := snapshot.AvgPrice
			fee := snapshot.Fee
			e.logger.Warn("reconciliation adopting phantom fill", "level", idx, "side", string(side), "order_id", orderID)
			if side == core.SideBuy {
				e.handleBuyFill(ctx, idx, core.FillEvent{OrderID: orderID, Price: fillPrice, Qty: snapshot.FilledQty, Fee: fee, Timestamp: e.clock.Now()})
			} else {
				e.handleSellFill(ctx, idx, core.FillEvent{OrderID: orderID, Price: fillPrice, Qty: snapshot.FilledQty, Fee: fee, Timestamp: e.clock.Now()})
			}
		case core.OrderStatusCancelled, core.OrderStatusExpired, core.OrderStatusRejected:
			e.logger.Warn("reconciliation clearing gone order", "level", idx, "side", string(side), "order_id", orderID, "status", string(snapshot.Status))
			if err := e.state.ClearOrder(idx, side); err != nil {
				return fmt.Errorf("clear phantom order at level %d: %w", idx, err)
			}
			if err := e.persist(ctx); err != nil {
				return fmt.Errorf("persist after clearing phantom: %w", err)
			}
		default:
			return &core.ReconciliationUnresolvedError{OrderID: orderID, Attempts: reconciliationMaxUnknownRetries}
		}
	}
	return nil
}

// resolveUnknownWithRetry repeatedly queries get_order until it returns a
// resolved status, retrying Unknown up to reconciliationMaxUnknownRetries
// times before surfacing a fatal error (§4.5, §7).
func (e *StrategyEngine) resolveUnknownWithRetry(ctx context.Context, orderID string) (core.OrderSnapshot, error) {
	for attempt := 0; attempt < reconciliationMaxUnknownRetries; attempt++ {
		snapshot, err := e.exchange.GetOrder(ctx, orderID)
		if err != nil {
			return core.OrderSnapshot{}, fmt.Errorf("get_order %s: %w", orderID, err)
		}
		if snapshot.Status != core.OrderStatusUnknown {
			return snapshot, nil
		}
	}
	return core.OrderSnapshot{}, &core.ReconciliationUnresolvedError{OrderID: orderID, Attempts: reconciliationMaxUnknownRetries}
}

// reconcileOrphans handles exchange orders with no local binding.
func (e *StrategyEngine) reconcileOrphans(ctx context.Context, openOrders []core.OpenOrder, localSet map[string]bool) error {
	for _, o := range openOrders {
		if localSet[o.OrderID] {
			continue
		}

		parsed, ok := exchange.ParseClientOrderID(o.ClientOrderID)
		if !ok || parsed.InstanceShortID != e.instanceShortID {
			e.logger.Warn("cancelling unrecognized orphan order", "order_id", o.OrderID, "client_order_id", o.ClientOrderID)
			if err := e.exchange.CancelOrder(ctx, o.OrderID); err != nil {
				e.logger.Error("failed to cancel orphan order", "order_id", o.OrderID, "error", err)
			}
			continue
		}

		// Crash between exchange acknowledgement and local persistence:
		// adopt the order rather than placing a duplicate.
		e.logger.Warn("adopting orphan order", "level", parsed.LevelIndex, "side", string(parsed.Side), "order_id", o.OrderID)
		var bindErr error
		if parsed.Side == core.SideBuy {
			bindErr = e.state.BindBuy(parsed.LevelIndex, o.OrderID)
		} else {
			bindErr = e.state.BindSell(parsed.LevelIndex, o.OrderID)
		}
		if bindErr != nil {
			e.logger.Error("failed to adopt orphan order, cancelling instead", "order_id", o.OrderID, "error", bindErr)
			if err := e.exchange.CancelOrder(ctx, o.OrderID); err != nil {
				e.logger.Error("failed to cancel unadoptable orphan order", "order_id", o.OrderID, "error", err)
			}
			continue
		}
		if err := e.persist(ctx); err != nil {
			return fmt.Errorf("persist after adopting orphan: %w", err)
		}
	}
	return nil
}
