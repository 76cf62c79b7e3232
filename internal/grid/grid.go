// Package grid computes the symmetric ladder of price levels the bot
// quotes around a mid price.
//
// A layout is an immutable snapshot: buys below the center, sells above,
// spaced by a whole number of ticks. The only in-place mutation allowed
// after construction is the single-slot overwrite performed by a fill
// refill; everything else (bootstrap, recenter, rebuild) replaces the
// layout atomically.
package grid

import (
	"fmt"
	"math"

	"aster-grid-bot/internal/config"
	"aster-grid-bot/internal/exchange"
	"aster-grid-bot/pkg/types"
)

// DefaultPreferredBaseQty is quoted per level when the config does not pin
// per_order_base_qty.
const DefaultPreferredBaseQty = 0.001

// qtyStepCeiling bounds the min-notional quantity search so a degenerate
// filter set cannot loop forever.
const qtyStepCeiling = 1_000_000

// Level is one resting-order slot in the grid.
type Level struct {
	Index    int
	Side     types.Side
	Price    float64
	Quantity float64
}

// Layout is the currently quoted grid. Levels interleave BUY and SELL by
// step: index 0 is the closest buy, 1 the closest sell, and so on.
type Layout struct {
	CenterPrice   float64
	LowerPrice    float64
	UpperPrice    float64
	Spacing       float64 // distance between adjacent same-side levels, whole ticks
	LevelsPerSide int
	Levels        []Level
}

// PreferredBaseQty returns the per-level base quantity: the configured
// per_order_base_qty when set, else the default constant.
func PreferredBaseQty(cfg *config.Config) float64 {
	if cfg.PerOrderBaseQty > 0 {
		return cfg.PerOrderBaseQty
	}
	return DefaultPreferredBaseQty
}

// Build constructs a layout of levelsPerSide buys and sells around mid.
// Failures abort the caller's bootstrap or recenter; a partial grid is
// never returned.
func Build(mid float64, cfg *config.Config, filters exchange.SymbolFilters, levelsPerSide int) (*Layout, error) {
	if mid <= 0 {
		return nil, fmt.Errorf("mid price must be positive, got %v", mid)
	}
	if levelsPerSide <= 0 {
		return nil, fmt.Errorf("levels per side must be positive, got %d", levelsPerSide)
	}

	spacingUnits := math.Max(1, math.Ceil(cfg.GridSpacing/filters.TickSize))
	spacing := spacingUnits * filters.TickSize

	layout := &Layout{
		CenterPrice:   mid,
		LowerPrice:    mid,
		UpperPrice:    mid,
		Spacing:       spacing,
		LevelsPerSide: levelsPerSide,
		Levels:        make([]Level, 0, 2*levelsPerSide),
	}

	for step := 1; step <= levelsPerSide; step++ {
		buyPrice := exchange.FloorToTick(mid-spacing*float64(step), filters.TickSize)
		sellPrice := exchange.CeilToTick(mid+spacing*float64(step), filters.TickSize)
		if buyPrice <= 0 {
			return nil, fmt.Errorf("computed buy price %v at step %d is non-positive", buyPrice, step)
		}

		buyQty, err := computeQuantity(cfg, buyPrice, filters)
		if err != nil {
			return nil, fmt.Errorf("buy level %d: %w", step, err)
		}
		sellQty, err := computeQuantity(cfg, sellPrice, filters)
		if err != nil {
			return nil, fmt.Errorf("sell level %d: %w", step, err)
		}

		layout.Levels = append(layout.Levels,
			Level{Index: len(layout.Levels), Side: types.BUY, Price: buyPrice, Quantity: buyQty})
		layout.Levels = append(layout.Levels,
			Level{Index: len(layout.Levels), Side: types.SELL, Price: sellPrice, Quantity: sellQty})

		layout.LowerPrice = math.Min(layout.LowerPrice, buyPrice)
		layout.UpperPrice = math.Max(layout.UpperPrice, sellPrice)
	}

	return layout, nil
}

// computeQuantity derives the level quantity: start at the preferred base
// quantity (PreferredBaseQty is always positive, so the per-order notional
// divided by price is never used here), snap up to the step grid and
// minQty, then grow by whole steps until minNotional is met.
func computeQuantity(cfg *config.Config, price float64, filters exchange.SymbolFilters) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("price must be positive for quantity computation")
	}
	step := filters.StepSize
	if step <= 0 {
		return 0, fmt.Errorf("invalid step size %v", step)
	}

	rawQty := PreferredBaseQty(cfg)
	if rawQty <= 0 {
		rawQty = cfg.PerOrderQuoteUSD / price
	}

	steps := math.Max(1, math.Ceil((rawQty-1e-12)/step))
	qty := steps * step
	if qty < filters.MinQty {
		qty = filters.MinQty
	}

	for price*qty < filters.MinNotional {
		steps++
		qty = steps * step
		if steps > qtyStepCeiling {
			return 0, fmt.Errorf("unable to satisfy minNotional %v at price %v", filters.MinNotional, price)
		}
	}

	decimals := filters.QuantityDecimals()
	pow := math.Pow(10, float64(decimals))
	return math.Round(qty*pow) / pow, nil
}
