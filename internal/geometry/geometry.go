// Package geometry turns a GridConfig into an ordered, deduplicated sequence
// of price levels and per-level order sizes (SPEC_FULL.md §4.1). It is pure
// and deterministic: the same config and exchange filters always produce
// the same levels.
package geometry

import (
	"fmt"

	"github.com/quantgrid/gridcore/internal/core"
	"github.com/shopspring/decimal"
)

// Filters carries the exchange-specific rounding rules a grid must be
// generated against. These come from the exchange adapter's symbol info in
// a full deployment; tests supply them directly.
type Filters struct {
	TickSize    decimal.Decimal // minimum price increment
	LotSize     decimal.Decimal // minimum quantity increment
	MinNotional decimal.Decimal // minimum price*quantity for a live order
}

// GenerateLevels produces cfg.NumGrids+1 levels from cfg.LowerPrice to
// cfg.UpperPrice inclusive, per SPEC_FULL.md §4.1.
func GenerateLevels(cfg core.GridConfig, f Filters) ([]core.GridLevel, error) {
	if cfg.NumGrids < 1 {
		return nil, &core.ConfigInfeasibleError{Reason: "num_grids must be >= 1"}
	}
	if cfg.LowerPrice.GreaterThanOrEqual(cfg.UpperPrice) {
		return nil, &core.ConfigInfeasibleError{Reason: "lower_price must be < upper_price"}
	}

	raw := make([]decimal.Decimal, cfg.NumGrids+1)
	switch cfg.SpacingMode {
	case core.SpacingArithmetic:
		step := cfg.UpperPrice.Sub(cfg.LowerPrice).Div(decimal.NewFromInt(int64(cfg.NumGrids)))
		for i := 0; i <= cfg.NumGrids; i++ {
			raw[i] = cfg.LowerPrice.Add(step.Mul(decimal.NewFromInt(int64(i))))
		}
	case core.SpacingGeometric:
		ratio := geometricRatio(cfg.LowerPrice, cfg.UpperPrice, cfg.NumGrids)
		price := cfg.LowerPrice
		raw[0] = cfg.LowerPrice
		for i := 1; i <= cfg.NumGrids; i++ {
			price = price.Mul(ratio)
			raw[i] = price
		}
		// Force the top level to the configured upper bound exactly;
		// repeated multiplication by an irrational-in-general ratio drifts
		// in the last decimal places otherwise.
		raw[cfg.NumGrids] = cfg.UpperPrice
	default:
		return nil, &core.ConfigInfeasibleError{Reason: fmt.Sprintf("unknown spacing_mode %q", cfg.SpacingMode)}
	}

	levels := make([]core.GridLevel, 0, len(raw))
	var prevRounded decimal.Decimal
	for i, p := range raw {
		rounded := roundToTick(p, f.TickSize)
		if i > 0 && rounded.Equal(prevRounded) {
			return nil, &core.ConfigInfeasibleError{
				Reason: fmt.Sprintf("tick-size rounding collapses level %d into level %d (both round to %s)", i-1, i, rounded),
			}
		}
		levels = append(levels, core.GridLevel{Index: i, Price: rounded, Active: true})
		prevRounded = rounded
	}

	investable := cfg.TotalInvestment.Mul(decimal.NewFromInt(1).Sub(cfg.ReserveFraction))
	perLevelNotional := investable.Div(decimal.NewFromInt(int64(cfg.NumGrids)))

	for i := range levels {
		qty := perLevelNotional.Div(levels[i].Price)
		qty = roundDownToStep(qty, f.LotSize)
		notional := qty.Mul(levels[i].Price)
		if notional.LessThan(f.MinNotional) {
			levels[i].Active = false
			levels[i].Quantity = decimal.Zero
			continue
		}
		levels[i].Quantity = qty
	}

	return levels, nil
}

// geometricRatio computes (upper/lower)^(1/n) entirely in decimal.Decimal
// arithmetic (no hardware float touches an order-affecting value, per
// SPEC_FULL.md §9): the exponent 1/n is itself a Decimal, and
// Decimal.Pow evaluates a fractional exponent by repeated halving, the
// same idiom used elsewhere in the pack for a decimal square root.
func geometricRatio(lower, upper decimal.Decimal, n int) decimal.Decimal {
	exponent := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(n)))
	return upper.Div(lower).Pow(exponent)
}

// roundToTick rounds to the nearest multiple of tick using banker's
// rounding (round-half-to-even), as required by SPEC_FULL.md §4.1.
func roundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	units := price.DivRound(tick, 8).RoundBank(0)
	return units.Mul(tick)
}

// roundDownToStep truncates to the nearest multiple of step at or below
// qty (exchange lot-size rounding is always down, never up, so committed
// capital never exceeds the per-level allocation).
func roundDownToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	units := qty.Div(step).Truncate(0)
	return units.Mul(step)
}
