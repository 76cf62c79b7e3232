package exchange

import (
	"math"
	"testing"

	"aster-grid-bot/pkg/types"
)

func TestParseFilters(t *testing.T) {
	t.Parallel()
	raw := []types.SymbolFilter{
		{FilterType: "PRICE_FILTER", TickSize: "0.01"},
		{FilterType: "LOT_SIZE", StepSize: "0.001", MinQty: "0.001"},
		{FilterType: "MIN_NOTIONAL", Notional: "5"},
	}
	filters, err := ParseFilters(raw)
	if err != nil {
		t.Fatalf("ParseFilters: %v", err)
	}
	if filters.TickSize != 0.01 {
		t.Errorf("TickSize = %v, want 0.01", filters.TickSize)
	}
	if filters.StepSize != 0.001 {
		t.Errorf("StepSize = %v, want 0.001", filters.StepSize)
	}
	if filters.MinQty != 0.001 {
		t.Errorf("MinQty = %v, want 0.001", filters.MinQty)
	}
	if filters.MinNotional != 5 {
		t.Errorf("MinNotional = %v, want 5", filters.MinNotional)
	}
}

func TestParseFiltersLegacyMinNotional(t *testing.T) {
	t.Parallel()
	raw := []types.SymbolFilter{
		{FilterType: "PRICE_FILTER", TickSize: "0.1"},
		{FilterType: "LOT_SIZE", StepSize: "1", MinQty: "1"},
		{FilterType: "MIN_NOTIONAL", MinNotional: "10"},
	}
	filters, err := ParseFilters(raw)
	if err != nil {
		t.Fatalf("ParseFilters: %v", err)
	}
	if filters.MinNotional != 10 {
		t.Errorf("MinNotional = %v, want 10", filters.MinNotional)
	}
}

func TestParseFiltersMissing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  []types.SymbolFilter
	}{
		{"empty", nil},
		{"no price filter", []types.SymbolFilter{
			{FilterType: "LOT_SIZE", StepSize: "0.001", MinQty: "0.001"},
			{FilterType: "MIN_NOTIONAL", Notional: "5"},
		}},
		{"no lot size", []types.SymbolFilter{
			{FilterType: "PRICE_FILTER", TickSize: "0.01"},
			{FilterType: "MIN_NOTIONAL", Notional: "5"},
		}},
		{"no notional", []types.SymbolFilter{
			{FilterType: "PRICE_FILTER", TickSize: "0.01"},
			{FilterType: "LOT_SIZE", StepSize: "0.001", MinQty: "0.001"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseFilters(tt.raw); err == nil {
				t.Error("ParseFilters succeeded, want error")
			}
		})
	}
}

func TestFloorCeilToTick(t *testing.T) {
	t.Parallel()
	tests := []struct {
		value, tick, floor, ceil float64
	}{
		{59980.015, 0.01, 59980.01, 59980.02},
		{59980.00, 0.01, 59980.00, 59980.00},
		{100.5, 1, 100, 101},
		{0.0019, 0.001, 0.001, 0.002},
	}
	for _, tt := range tests {
		if got := FloorToTick(tt.value, tt.tick); math.Abs(got-tt.floor) > 1e-9 {
			t.Errorf("FloorToTick(%v, %v) = %v, want %v", tt.value, tt.tick, got, tt.floor)
		}
		if got := CeilToTick(tt.value, tt.tick); math.Abs(got-tt.ceil) > 1e-9 {
			t.Errorf("CeilToTick(%v, %v) = %v, want %v", tt.value, tt.tick, got, tt.ceil)
		}
	}
}

func TestFloorToTickZeroTickPassthrough(t *testing.T) {
	t.Parallel()
	if got := FloorToTick(123.456, 0); got != 123.456 {
		t.Errorf("FloorToTick with zero tick = %v, want passthrough", got)
	}
}

func TestDecimalPlaces(t *testing.T) {
	t.Parallel()
	tests := []struct {
		increment float64
		want      int
	}{
		{0.01, 2},
		{0.001, 3},
		{0.1, 1},
		{1, 0},
		{10, 0},
	}
	for _, tt := range tests {
		if got := DecimalPlaces(tt.increment); got != tt.want {
			t.Errorf("DecimalPlaces(%v) = %d, want %d", tt.increment, got, tt.want)
		}
	}
}

func TestFormatDecimal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		value    float64
		decimals int
		want     string
	}{
		{59980, 2, "59980.00"},
		{0.001, 3, "0.001"},
		{0.0015, 3, "0.002"}, // banker-free half-up
		{60020.5, 2, "60020.50"},
	}
	for _, tt := range tests {
		if got := FormatDecimal(tt.value, tt.decimals); got != tt.want {
			t.Errorf("FormatDecimal(%v, %d) = %q, want %q", tt.value, tt.decimals, got, tt.want)
		}
	}
}

func TestFilterDecimals(t *testing.T) {
	t.Parallel()
	f := SymbolFilters{TickSize: 0.01, StepSize: 0.001}
	if got := f.PriceDecimals(); got != 2 {
		t.Errorf("PriceDecimals = %d, want 2", got)
	}
	if got := f.QuantityDecimals(); got != 3 {
		t.Errorf("QuantityDecimals = %d, want 3", got)
	}
}
