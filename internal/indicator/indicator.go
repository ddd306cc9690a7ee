// Package indicator provides incremental technical indicators over closed
// candles.
//
// Every indicator keeps only the recurrence state it needs, updates in O(1)
// per closed candle and can preview the value an in-progress candle would
// produce without touching that state. Prices are fixed-point decimals;
// outputs are float64 for display.
package indicator

import (
	"github.com/shopspring/decimal"

	"cryptosignal/internal/model"
)

// Indicator is the interface for all technical indicators.
type Indicator interface {
	// Name returns the indicator name with its period, e.g. "EMA_20".
	Name() string

	// Period returns the configured lookback.
	Period() int

	// Update feeds one closed candle into the recurrence.
	Update(candle model.Candle)

	// Value returns the current value and false while history is too short.
	Value() (float64, bool)

	// Peek computes what Value would return if candle closed now, WITHOUT
	// mutating internal state.
	Peek(candle model.Candle) (float64, bool)

	// Snapshot serializes the recurrence state.
	Snapshot() State

	// Restore replaces the recurrence state with snap.
	Restore(snap State) error
}

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)
