// Package signal turns indicator snapshots into per-subscriber RSI zone and
// EMA crossover notifications, suppressing repeats of the same condition.
package signal

import (
	"time"

	"cryptosignal/internal/indicator"
	"cryptosignal/internal/model"
)

// Thresholds are the RSI zone boundaries. Comparisons are inclusive.
type Thresholds struct {
	OversoldStrong   float64 `yaml:"oversold_strong"`
	OversoldMedium   float64 `yaml:"oversold_medium"`
	OversoldNormal   float64 `yaml:"oversold_normal"`
	OverboughtNormal float64 `yaml:"overbought_normal"`
	OverboughtMedium float64 `yaml:"overbought_medium"`
	OverboughtStrong float64 `yaml:"overbought_strong"`
}

// DefaultThresholds returns 20/25/30 and 70/75/80.
func DefaultThresholds() Thresholds {
	return Thresholds{
		OversoldStrong:   20,
		OversoldMedium:   25,
		OversoldNormal:   30,
		OverboughtNormal: 70,
		OverboughtMedium: 75,
		OverboughtStrong: 80,
	}
}

// Valid reports whether the boundaries are ordered inside [0, 100].
func (t Thresholds) Valid() bool {
	return 0 <= t.OversoldStrong &&
		t.OversoldStrong <= t.OversoldMedium &&
		t.OversoldMedium <= t.OversoldNormal &&
		t.OversoldNormal < t.OverboughtNormal &&
		t.OverboughtNormal <= t.OverboughtMedium &&
		t.OverboughtMedium <= t.OverboughtStrong &&
		t.OverboughtStrong <= 100
}

// Classify maps an RSI value to its zone; ok is false in the neutral band.
// The most extreme matching zone wins.
func (t Thresholds) Classify(rsi float64) (typ model.SignalType, ok bool) {
	switch {
	case rsi <= t.OversoldStrong:
		return model.SignalRSIOversoldStrong, true
	case rsi <= t.OversoldMedium:
		return model.SignalRSIOversoldMedium, true
	case rsi <= t.OversoldNormal:
		return model.SignalRSIOversoldNormal, true
	case rsi >= t.OverboughtStrong:
		return model.SignalRSIOverboughtStrong, true
	case rsi >= t.OverboughtMedium:
		return model.SignalRSIOverboughtMedium, true
	case rsi >= t.OverboughtNormal:
		return model.SignalRSIOverboughtNormal, true
	}
	return "", false
}

// PriorityOf returns the delivery priority for a signal type.
func PriorityOf(typ model.SignalType) model.Priority {
	switch typ {
	case model.SignalRSIOversoldStrong, model.SignalRSIOverboughtStrong:
		return model.PriorityHigh
	case model.SignalRSIOversoldMedium, model.SignalRSIOverboughtMedium,
		model.SignalEMACrossUp, model.SignalEMACrossDown:
		return model.PriorityMedium
	}
	return model.PriorityLow
}

// CrossType maps a crossover direction to its signal type.
func CrossType(dir indicator.Cross) (model.SignalType, bool) {
	switch dir {
	case indicator.CrossBullish:
		return model.SignalEMACrossUp, true
	case indicator.CrossBearish:
		return model.SignalEMACrossDown, true
	}
	return "", false
}

// DefaultRepeatInterval is the minimum gap between two events of the same
// type for the same subscriber and series.
const DefaultRepeatInterval = 120 * time.Second

// Intervals resolves the repeat interval per signal type.
type Intervals struct {
	Default time.Duration
	PerType map[model.SignalType]time.Duration
}

// For returns the interval for typ.
func (iv Intervals) For(typ model.SignalType) time.Duration {
	if d, ok := iv.PerType[typ]; ok && d > 0 {
		return d
	}
	if iv.Default > 0 {
		return iv.Default
	}
	return DefaultRepeatInterval
}
