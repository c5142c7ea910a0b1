package engine

import (
	"context"

	"github.com/quantgrid/gridcore/pkg/telemetry"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// pkg/telemetry's instruments are only initialized by Setup or InitMetrics,
// so an unconfigured deployment leaves them nil; the counter helpers here
// guard against recording into a nil instrument, and the gauge helpers only
// update the holder's per-instance maps.

func (e *StrategyEngine) instanceLabel() attribute.KeyValue {
	return attribute.String("instance_id", e.state.State().InstanceID)
}

func (e *StrategyEngine) recordOrderPlaced(ctx context.Context) {
	if c := telemetry.GetGlobalMetrics().OrdersPlacedTotal; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(e.instanceLabel()))
	}
}

func (e *StrategyEngine) recordOrderFilled(ctx context.Context) {
	if c := telemetry.GetGlobalMetrics().OrdersFilledTotal; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(e.instanceLabel()))
	}
}

// recordCycleCompleted credits the realized-P&L counter and increments
// completed_cycles; called once per sell fill (a completed buy->sell
// cycle, §4.4/P4).
func (e *StrategyEngine) recordCycleCompleted(ctx context.Context, profit decimal.Decimal) {
	m := telemetry.GetGlobalMetrics()
	if m.PnLRealizedTotal != nil {
		f, _ := profit.Float64()
		m.PnLRealizedTotal.Add(ctx, f, metric.WithAttributes(e.instanceLabel()))
	}
	if m.CompletedCycles != nil {
		m.CompletedCycles.Add(ctx, 1, metric.WithAttributes(e.instanceLabel()))
	}
}

// recordActiveOrders recomputes the currently-bound order count from the
// live state and publishes it to the active-orders gauge.
func (e *StrategyEngine) recordActiveOrders() {
	snap := e.state.State()
	var count int64
	for _, lvl := range snap.Levels {
		if lvl.BuyOrderID != "" {
			count++
		}
		if lvl.SellOrderID != "" {
			count++
		}
	}
	telemetry.GetGlobalMetrics().SetActiveOrders(snap.InstanceID, count)
}

func (e *StrategyEngine) recordRiskTriggered(triggered bool) {
	telemetry.GetGlobalMetrics().SetRiskTriggered(e.state.State().InstanceID, triggered)
}
