package geometry

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

func baseFilters() Filters {
	return Filters{
		TickSize:    d("0.01"),
		LotSize:     d("0.0001"),
		MinNotional: d("5"),
	}
}

// SPEC_FULL.md §8 scenario 1: initial placement, arithmetic.
func TestGenerateLevels_ArithmeticScenario(t *testing.T) {
	cfg := core.GridConfig{
		Symbol:          "SOL/USDT",
		LowerPrice:      d("120"),
		UpperPrice:      d("150"),
		NumGrids:        6,
		TotalInvestment: d("45"),
		SpacingMode:     core.SpacingArithmetic,
		ReserveFraction: d("0.20"),
	}

	levels, err := GenerateLevels(cfg, baseFilters())
	require.NoError(t, err)
	require.Len(t, levels, 7)

	want := []string{"120", "125", "130", "135", "140", "145", "150"}
	for i, w := range want {
		assert.True(t, levels[i].Price.Equal(d(w)), "level %d: got %s want %s", i, levels[i].Price, w)
	}

	perLevel := d("45").Mul(d("0.80")).Div(decimal.NewFromInt(6))
	for _, lvl := range levels {
		if !lvl.Active {
			continue
		}
		expectedQty := perLevel.Div(lvl.Price).DivRound(d("0.0001"), 8).Truncate(0).Mul(d("0.0001"))
		assert.True(t, lvl.Quantity.Equal(expectedQty), "level %d qty", lvl.Index)
	}
}

// Geometric mode price ladder for the scenario-1 config (six grids, seven
// levels); SPEC_FULL.md §8 scenario 2 uses five grids instead.
func TestGenerateLevels_GeometricScenario(t *testing.T) {
	cfg := core.GridConfig{
		Symbol:          "SOL/USDT",
		LowerPrice:      d("120"),
		UpperPrice:      d("150"),
		NumGrids:        6,
		TotalInvestment: d("45"),
		SpacingMode:     core.SpacingGeometric,
		ReserveFraction: d("0.20"),
	}

	levels, err := GenerateLevels(cfg, baseFilters())
	require.NoError(t, err)
	require.Len(t, levels, 7)

	want := []string{"120.00", "124.55", "129.27", "134.16", "139.25", "144.52", "150.00"}
	// levels[5] is the computed ladder point (~144.5x before snapping is
	// not forced); only the final index is forced to the exact upper bound.
	for i := 0; i < 5; i++ {
		assert.Equal(t, want[i], levels[i].Price.StringFixed(2), "level %d", i)
	}
	assert.True(t, levels[6].Price.Equal(d("150")), "top level forced to upper_price")
}

func TestGenerateLevels_RejectsCollapsedLevels(t *testing.T) {
	cfg := core.GridConfig{
		Symbol:          "X/Y",
		LowerPrice:      d("100"),
		UpperPrice:      d("100.05"),
		NumGrids:        10,
		TotalInvestment: d("1000"),
		SpacingMode:     core.SpacingArithmetic,
		ReserveFraction: d("0.20"),
	}

	_, err := GenerateLevels(cfg, Filters{TickSize: d("0.01"), LotSize: d("0.0001"), MinNotional: d("5")})
	require.Error(t, err)
	var infeasible *core.ConfigInfeasibleError
	assert.ErrorAs(t, err, &infeasible)
}

func TestGenerateLevels_MarksBelowMinNotionalInactive(t *testing.T) {
	cfg := core.GridConfig{
		Symbol:          "X/Y",
		LowerPrice:      d("1"),
		UpperPrice:      d("2"),
		NumGrids:        4,
		TotalInvestment: d("1"), // tiny investment spread across 5 levels
		SpacingMode:     core.SpacingArithmetic,
		ReserveFraction: d("0.20"),
	}

	levels, err := GenerateLevels(cfg, Filters{TickSize: d("0.01"), LotSize: d("0.01"), MinNotional: d("5")})
	require.NoError(t, err)
	for _, lvl := range levels {
		assert.False(t, lvl.Active, "level %d should be inactive: notional too small", lvl.Index)
		assert.True(t, lvl.Quantity.IsZero())
	}
}

func TestGenerateLevels_RejectsInvertedBounds(t *testing.T) {
	cfg := core.GridConfig{
		Symbol:          "X/Y",
		LowerPrice:      d("150"),
		UpperPrice:      d("120"),
		NumGrids:        6,
		TotalInvestment: d("45"),
		SpacingMode:     core.SpacingArithmetic,
		ReserveFraction: d("0.20"),
	}
	_, err := GenerateLevels(cfg, baseFilters())
	require.Error(t, err)
}

// geometricRatio must stay on decimal.Decimal end to end: ratio^n should
// reproduce upper/lower to within the exponentiation's own rounding, with
// no dependence on hardware float64 (§9).
func TestGeometricRatio_NthPowerRecoversBoundsRatio(t *testing.T) {
	lower, upper := d("120"), d("150")
	n := 6

	ratio := geometricRatio(lower, upper, n)

	got := ratio
	for i := 1; i < n; i++ {
		got = got.Mul(ratio)
	}
	want := upper.Div(lower)
	diff := got.Sub(want).Abs()
	assert.True(t, diff.LessThan(d("0.0001")), "ratio^n = %s, want ~%s", got, want)
}
