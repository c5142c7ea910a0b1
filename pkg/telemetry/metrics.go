package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal = "gridcore_orders_placed_total"
	MetricOrdersFilledTotal = "gridcore_orders_filled_total"
	MetricOrdersActive      = "gridcore_orders_active"
	MetricPnLRealizedTotal  = "gridcore_pnl_realized_total"
	MetricCompletedCycles   = "gridcore_completed_cycles_total"
	MetricRiskTriggered     = "gridcore_risk_triggered"
	MetricLatencyExchange   = "gridcore_latency_exchange_ms"
)

// MetricsHolder holds initialized instruments for a single grid strategy
// process. Every instrument is labeled by instance_id so Prometheus can
// tell the series of different grid instances apart.
type MetricsHolder struct {
	OrdersPlacedTotal metric.Int64Counter
	OrdersFilledTotal metric.Int64Counter
	OrdersActive      metric.Int64ObservableGauge
	PnLRealizedTotal  metric.Float64Counter
	CompletedCycles   metric.Int64Counter
	RiskTriggered     metric.Int64ObservableGauge
	LatencyExchange   metric.Float64Histogram

	mu               sync.RWMutex
	activeOrdersMap  map[string]int64
	riskTriggeredMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			activeOrdersMap:  make(map[string]int64),
			riskTriggeredMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics creates every instrument against meter. Safe to call more
// than once with the same meter (e.g. across test runs); each call
// replaces the prior instrument handles.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total counter-orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total fills processed"))
	if err != nil {
		return err
	}

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit across completed buy/sell cycles"))
	if err != nil {
		return err
	}

	m.CompletedCycles, err = meter.Int64Counter(MetricCompletedCycles, metric.WithDescription("Total completed buy->sell cycles"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of resilient exchange adapter calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OrdersActive, err = meter.Int64ObservableGauge(MetricOrdersActive, metric.WithDescription("Number of currently bound (open) orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for instanceID, val := range m.activeOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instance_id", instanceID)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RiskTriggered, err = meter.Int64ObservableGauge(MetricRiskTriggered, metric.WithDescription("Risk trigger state (1=stop-loss/take-profit fired, 0=normal)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for instanceID, val := range m.riskTriggeredMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instance_id", instanceID)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetActiveOrders records the current bound-order count for instanceID,
// read by the OrdersActive observable gauge's callback.
func (m *MetricsHolder) SetActiveOrders(instanceID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOrdersMap[instanceID] = count
}

// SetRiskTriggered records whether instanceID's last risk evaluation
// tripped a stop-loss or take-profit trigger.
func (m *MetricsHolder) SetRiskTriggered(instanceID string, triggered bool) {
	val := int64(0)
	if triggered {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskTriggeredMap[instanceID] = val
}

// GetActiveOrders returns a snapshot of the active-orders map, used by tests.
func (m *MetricsHolder) GetActiveOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.activeOrdersMap))
	for k, v := range m.activeOrdersMap {
		res[k] = v
	}
	return res
}
