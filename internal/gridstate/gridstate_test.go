package gridstate

import (
	"testing"

	"github.com/quantgrid/gridcore/internal/core"
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

func newTestState() *core.GridState {
	return &core.GridState{
		InstanceID: "inst-1",
		Config: core.GridConfig{
			Symbol:          "SOL/USDT",
			LowerPrice:      d("120"),
			UpperPrice:      d("150"),
			ReserveFraction: d("0.20"),
		},
		Levels: []core.GridLevel{
			{Index: 0, Price: d("120"), Quantity: d("0.1"), Active: true},
			{Index: 1, Price: d("130"), Quantity: d("0.1"), Active: true},
			{Index: 2, Price: d("140"), Quantity: d("0.1"), Active: true},
		},
		Status: core.StatusInitializing,
	}
}

func TestBindBuyThenFillThenCounterSell(t *testing.T) {
	m := New(newTestState())

	require.NoError(t, m.BindBuy(0, "buy-1"))
	// P1: cannot also bind a sell while a buy is bound.
	err := m.BindSell(0, "sell-x")
	require.Error(t, err)

	require.NoError(t, m.RecordBuyFill(0, d("119.5"), d("0.01")))
	snap := m.State()
	assert.True(t, snap.Levels[0].FilledBuy)
	assert.Equal(t, "", snap.Levels[0].BuyOrderID)

	// Now a sell can be bound (filled_buy true).
	require.NoError(t, m.BindSell(0, "sell-1"))
	require.NoError(t, m.RecordSellFill(0, d("131.2"), d("0.01")))

	snap = m.State()
	assert.Equal(t, int64(1), snap.Statistics.CompletedCycles)
	expectedProfit := d("131.2").Sub(d("119.5")).Mul(d("0.1"))
	assert.True(t, snap.Statistics.TotalProfit.Equal(expectedProfit))
	assert.True(t, snap.Statistics.TotalFees.Equal(d("0.02")))
}

func TestBindBuyRejectsWhenFilledBuyTrue(t *testing.T) {
	m := New(newTestState())
	require.NoError(t, m.BindBuy(0, "buy-1"))
	require.NoError(t, m.RecordBuyFill(0, d("120"), decimal.Zero))

	err := m.BindBuy(0, "buy-2")
	require.Error(t, err)
	var viol *core.InvariantViolationError
	assert.ErrorAs(t, err, &viol)
}

func TestRecordSellFillRequiresBoundSell(t *testing.T) {
	m := New(newTestState())
	err := m.RecordSellFill(0, d("140"), decimal.Zero)
	require.Error(t, err)
}

func TestNoDuplicateOrderIDAcrossLevels(t *testing.T) {
	m := New(newTestState())
	require.NoError(t, m.BindBuy(0, "shared-id"))
	err := m.BindBuy(1, "shared-id")
	require.Error(t, err)
}

func TestVersionStrictlyIncreases(t *testing.T) {
	m := New(newTestState())
	before := m.State().Version
	require.NoError(t, m.BindBuy(0, "buy-1"))
	after := m.State().Version
	assert.Greater(t, after, before)
}

func TestClearOrderRemovesBinding(t *testing.T) {
	m := New(newTestState())
	require.NoError(t, m.BindBuy(0, "buy-1"))
	require.NoError(t, m.ClearOrder(0, core.SideBuy))
	snap := m.State()
	assert.Equal(t, "", snap.Levels[0].BuyOrderID)
}

func TestFindLevelByOrderID(t *testing.T) {
	m := New(newTestState())
	require.NoError(t, m.BindBuy(2, "buy-2"))
	idx, side, found := m.FindLevelByOrderID("buy-2")
	require.True(t, found)
	assert.Equal(t, 2, idx)
	assert.Equal(t, core.SideBuy, side)

	_, _, found = m.FindLevelByOrderID("does-not-exist")
	assert.False(t, found)
}

func TestCommittedNotionalRespectsCapitalBound(t *testing.T) {
	m := New(newTestState())
	require.NoError(t, m.BindBuy(0, "buy-1"))
	require.NoError(t, m.BindBuy(1, "buy-2"))

	committed := m.CommittedNotional()
	expected := d("0.1").Mul(d("120")).Add(d("0.1").Mul(d("130")))
	assert.True(t, committed.Equal(expected))
}
