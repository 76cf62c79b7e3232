// filters.go holds the per-symbol trading filters and the price/quantity
// arithmetic built on them.
//
// Every price the bot emits is a multiple of TickSize, every quantity a
// multiple of StepSize, and every order satisfies price*qty >= MinNotional.
// Rounding and formatting go through shopspring/decimal so that repeated
// float arithmetic can never produce a string the exchange rejects
// (e.g. "59979.999999999").
package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"

	"aster-grid-bot/pkg/types"
)

// SymbolFilters are the exchange-imposed constraints for one symbol,
// parsed once from /fapi/v1/exchangeInfo.
type SymbolFilters struct {
	TickSize    float64 // minimum price increment (PRICE_FILTER.tickSize)
	StepSize    float64 // minimum quantity increment (LOT_SIZE.stepSize)
	MinQty      float64 // minimum order quantity (LOT_SIZE.minQty)
	MinNotional float64 // minimum price*qty (MIN_NOTIONAL)
}

// ParseFilters extracts SymbolFilters from the raw filter list.
// All three filter types must be present.
func ParseFilters(raw []types.SymbolFilter) (SymbolFilters, error) {
	var (
		tickSize, stepSize, minQty, minNotional float64
		haveTick, haveLot, haveNotional         bool
	)
	for _, f := range raw {
		switch f.FilterType {
		case "PRICE_FILTER":
			v, err := decimal.NewFromString(f.TickSize)
			if err != nil {
				return SymbolFilters{}, fmt.Errorf("parse tickSize %q: %w", f.TickSize, err)
			}
			tickSize = v.InexactFloat64()
			haveTick = true
		case "LOT_SIZE":
			v, err := decimal.NewFromString(f.StepSize)
			if err != nil {
				return SymbolFilters{}, fmt.Errorf("parse stepSize %q: %w", f.StepSize, err)
			}
			stepSize = v.InexactFloat64()
			if f.MinQty != "" {
				q, err := decimal.NewFromString(f.MinQty)
				if err != nil {
					return SymbolFilters{}, fmt.Errorf("parse minQty %q: %w", f.MinQty, err)
				}
				minQty = q.InexactFloat64()
			}
			haveLot = true
		case "MIN_NOTIONAL":
			s := f.Notional
			if s == "" {
				s = f.MinNotional
			}
			v, err := decimal.NewFromString(s)
			if err != nil {
				return SymbolFilters{}, fmt.Errorf("parse minNotional %q: %w", s, err)
			}
			minNotional = v.InexactFloat64()
			haveNotional = true
		}
	}
	if !haveTick || !haveLot || !haveNotional {
		return SymbolFilters{}, fmt.Errorf("exchange info missing filters (price=%v lot=%v notional=%v)",
			haveTick, haveLot, haveNotional)
	}
	if tickSize <= 0 || stepSize <= 0 {
		return SymbolFilters{}, fmt.Errorf("non-positive tickSize %v or stepSize %v", tickSize, stepSize)
	}
	return SymbolFilters{
		TickSize:    tickSize,
		StepSize:    stepSize,
		MinQty:      minQty,
		MinNotional: minNotional,
	}, nil
}

// PriceDecimals returns the number of decimal places implied by TickSize.
func (f SymbolFilters) PriceDecimals() int {
	return DecimalPlaces(f.TickSize)
}

// QuantityDecimals returns the number of decimal places implied by StepSize.
func (f SymbolFilters) QuantityDecimals() int {
	return DecimalPlaces(f.StepSize)
}

// FloorToTick rounds value down to the nearest multiple of tick.
func FloorToTick(value, tick float64) float64 {
	if tick <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	t := decimal.NewFromFloat(tick)
	return v.Div(t).Floor().Mul(t).InexactFloat64()
}

// CeilToTick rounds value up to the nearest multiple of tick.
func CeilToTick(value, tick float64) float64 {
	if tick <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	t := decimal.NewFromFloat(tick)
	return v.Div(t).Ceil().Mul(t).InexactFloat64()
}

// DecimalPlaces returns how many fractional digits an increment carries
// (0.01 -> 2, 0.001 -> 3, 1 -> 0).
func DecimalPlaces(increment float64) int {
	exp := decimal.NewFromFloat(increment).Exponent()
	if exp >= 0 {
		return 0
	}
	return int(-exp)
}

// FormatDecimal renders value with exactly the given number of fractional
// digits, the form the exchange expects for prices and quantities.
func FormatDecimal(value float64, decimals int) string {
	return decimal.NewFromFloat(value).StringFixed(int32(decimals))
}
