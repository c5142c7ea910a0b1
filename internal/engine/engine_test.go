package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quantgrid/gridcore/internal/core"
	"github.com/quantgrid/gridcore/internal/exchange"
	exmock "github.com/quantgrid/gridcore/internal/exchange/mock"
	"github.com/quantgrid/gridcore/internal/geometry"
	"github.com/quantgrid/gridcore/internal/persistence"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type testLogger struct{}

func (testLogger) Debug(string, ...interface{})                  {}
func (testLogger) Info(string, ...interface{})                   {}
func (testLogger) Warn(string, ...interface{})                   {}
func (testLogger) Error(string, ...interface{})                  {}
func (testLogger) Fatal(string, ...interface{})                  {}
func (l testLogger) WithField(string, interface{}) core.ILogger   { return l }
func (l testLogger) WithFields(map[string]interface{}) core.ILogger { return l }

func arithmeticConfig() core.GridConfig {
	return core.GridConfig{
		Symbol:          "SOL/USDT",
		LowerPrice:      d("120"),
		UpperPrice:      d("150"),
		NumGrids:        6,
		TotalInvestment: d("45"),
		SpacingMode:     core.SpacingArithmetic,
		ReserveFraction: d("0.20"),
		StopLossPct:     d("0.10"),
	}
}

func testFilters() geometry.Filters {
	return geometry.Filters{TickSize: d("0.01"), LotSize: d("0.0001"), MinNotional: d("1")}
}

func newTestEngine(t *testing.T, cfg core.GridConfig, ex *exmock.Exchange, lastPrice decimal.Decimal) *StrategyEngine {
	t.Helper()
	ex.SetTicker(core.Ticker{Symbol: cfg.Symbol, Last: lastPrice, Bid: lastPrice, Ask: lastPrice})

	store, err := persistence.NewFileStore(t.TempDir())
	require.NoError(t, err)

	eng, err := NewFromConfig(uuid.New(), cfg, testFilters(), ex, store, testLogger{})
	require.NoError(t, err)
	return eng
}

func TestInitialPlacementArithmeticScenario(t *testing.T) {
	ex := exmock.New()
	eng := newTestEngine(t, arithmeticConfig(), ex, d("140"))

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(ctx, "test teardown")

	snap := eng.state.State()
	assert.Equal(t, core.StatusRunning, snap.Status)

	// Levels 0..3 (120, 125, 130, 135) are below 140 and should have a
	// bound buy; levels at/above 140 should not.
	for _, lvl := range snap.Levels {
		if lvl.Price.LessThan(d("140")) {
			assert.NotEmpty(t, lvl.BuyOrderID, "level %d should have a bound buy", lvl.Index)
		} else {
			assert.Empty(t, lvl.BuyOrderID, "level %d should not have a bound buy", lvl.Index)
		}
	}
}

func TestFillHandlerPlacesCounterOrderAtNextLevel(t *testing.T) {
	ex := exmock.New()
	eng := newTestEngine(t, arithmeticConfig(), ex, d("140"))
	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(ctx, "test teardown")

	snapBefore := eng.state.State()
	level1BuyID := snapBefore.Levels[1].BuyOrderID
	require.NotEmpty(t, level1BuyID)

	require.NoError(t, ex.Fill(level1BuyID, d("124.9"), d("0.01"), time.Unix(0, 0)))

	require.Eventually(t, func() bool {
		snap := eng.state.State()
		return snap.Levels[1].SellOrderID != ""
	}, time.Second, 10*time.Millisecond)

	snap := eng.state.State()
	assert.True(t, snap.Levels[1].FilledBuy)
	assert.NotEmpty(t, snap.Levels[1].SellOrderID)
}

func TestStopLossTriggerCancelsOpenOrdersAndIsTerminal(t *testing.T) {
	ex := exmock.New()
	eng := newTestEngine(t, arithmeticConfig(), ex, d("140"))
	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(ctx, "test teardown")

	require.NoError(t, eng.OnTick(ctx, core.Ticker{Symbol: "SOL/USDT", Last: d("107.99")}))

	require.Eventually(t, func() bool {
		return eng.state.State().Status == core.StatusStoppedByRisk
	}, time.Second, 10*time.Millisecond)

	open, err := ex.ListOpenOrders(ctx, "SOL/USDT")
	require.NoError(t, err)
	assert.Empty(t, open)

	// Further ticks must not resurrect placements (P6).
	require.NoError(t, eng.OnTick(ctx, core.Ticker{Symbol: "SOL/USDT", Last: d("200")}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, core.StatusStoppedByRisk, eng.state.State().Status)
}

func TestReconciliationAdoptsOrphanOrder(t *testing.T) {
	ex := exmock.New()
	cfg := arithmeticConfig()
	ex.SetTicker(core.Ticker{Symbol: cfg.Symbol, Last: d("140")})

	store, err := persistence.NewFileStore(t.TempDir())
	require.NoError(t, err)

	id := uuid.New()
	levels, err := geometry.GenerateLevels(cfg, testFilters())
	require.NoError(t, err)
	state := &core.GridState{InstanceID: id.String(), Config: cfg, Levels: levels, Status: core.StatusRunning}

	clientOrderID := "ct-" + exchange.ShortInstanceID(id) + "-0-B-1"
	_, err = ex.PlaceOrder(context.Background(), clientOrderID, cfg.Symbol, core.SideBuy, d("120"), d("0.1"))
	require.NoError(t, err)

	eng := New(id, state, ex, store, testLogger{})
	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop(context.Background(), "test teardown")

	snap := eng.state.State()
	assert.NotEmpty(t, snap.Levels[0].BuyOrderID)
}

func TestReconciliationClearsPhantomOrder(t *testing.T) {
	ex := exmock.New()
	cfg := arithmeticConfig()
	ex.SetTicker(core.Ticker{Symbol: cfg.Symbol, Last: d("140")})

	store, err := persistence.NewFileStore(t.TempDir())
	require.NoError(t, err)

	id := uuid.New()
	levels, err := geometry.GenerateLevels(cfg, testFilters())
	require.NoError(t, err)

	ctx := context.Background()
	phantomOrderID, err := ex.PlaceOrder(ctx, "ct-phantom-1-B-1", cfg.Symbol, core.SideBuy, d("125"), d("0.1"))
	require.NoError(t, err)
	require.NoError(t, ex.CancelOrder(ctx, phantomOrderID))

	levels[1].BuyOrderID = phantomOrderID
	state := &core.GridState{InstanceID: id.String(), Config: cfg, Levels: levels, Status: core.StatusRunning}

	eng := New(id, state, ex, store, testLogger{})
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(ctx, "test teardown")

	snap := eng.state.State()
	assert.Empty(t, snap.Levels[1].BuyOrderID)
}

func TestReconciliationCancelsOrphanThatCannotBeAdopted(t *testing.T) {
	ex := exmock.New()
	cfg := arithmeticConfig()
	ex.SetTicker(core.Ticker{Symbol: cfg.Symbol, Last: d("140")})

	store, err := persistence.NewFileStore(t.TempDir())
	require.NoError(t, err)

	id := uuid.New()
	levels, err := geometry.GenerateLevels(cfg, testFilters())
	require.NoError(t, err)
	state := &core.GridState{InstanceID: id.String(), Config: cfg, Levels: levels, Status: core.StatusRunning}

	ctx := context.Background()

	// Pre-bind level 0's buy so the orphan's bind attempt fails on the
	// "order already bound" invariant rather than succeeding.
	boundID, err := ex.PlaceOrder(ctx, "ct-other-0-B-9", cfg.Symbol, core.SideBuy, d("120"), d("0.1"))
	require.NoError(t, err)
	state.Levels[0].BuyOrderID = boundID

	clientOrderID := "ct-" + exchange.ShortInstanceID(id) + "-0-B-1"
	orphanID, err := ex.PlaceOrder(ctx, clientOrderID, cfg.Symbol, core.SideBuy, d("120"), d("0.1"))
	require.NoError(t, err)

	eng := New(id, state, ex, store, testLogger{})
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(ctx, "test teardown")

	snap, err := ex.GetOrder(ctx, orphanID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusCancelled, snap.Status, "an orphan that cannot be adopted must be cancelled, not stranded")
}

func TestTeardownCancelsOpenOrdersAndDeletesSnapshot(t *testing.T) {
	ex := exmock.New()
	eng := newTestEngine(t, arithmeticConfig(), ex, d("140"))
	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))

	open, err := ex.ListOpenOrders(ctx, "SOL/USDT")
	require.NoError(t, err)
	require.NotEmpty(t, open)

	instanceID := eng.state.State().InstanceID
	require.NoError(t, eng.Teardown(ctx))
	eng.q.close() // Teardown bypasses the consumer queue; stop it directly.

	open, err = ex.ListOpenOrders(ctx, "SOL/USDT")
	require.NoError(t, err)
	assert.Empty(t, open, "teardown must cancel every open order")

	got, err := eng.store.LoadState(ctx, instanceID)
	require.NoError(t, err)
	assert.Nil(t, got, "teardown must delete the persisted snapshot")
}
