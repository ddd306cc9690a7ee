package indicator

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"cryptosignal/internal/model"
)

// EMA calculates Exponential Moving Average.
// O(1) per update; no window storage needed.
type EMA struct {
	period     int
	multiplier decimal.Decimal
	st         emaState
}

type emaState struct {
	count   int
	sum     decimal.Decimal
	current decimal.Decimal
}

// NewEMA creates a new EMA indicator with the given period.
func NewEMA(period int) *EMA {
	return &EMA{
		period:     period,
		multiplier: decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period + 1))),
	}
}

func (e *EMA) Name() string { return "EMA_" + strconv.Itoa(e.period) }
func (e *EMA) Period() int  { return e.period }

func (e *EMA) Update(candle model.Candle) {
	e.st = e.step(e.st, candle.Close)
}

// step applies one close to s and returns the new state.
func (e *EMA) step(s emaState, price decimal.Decimal) emaState {
	s.count++
	if s.count <= e.period {
		// Accumulate for initial SMA seed
		s.sum = s.sum.Add(price)
		if s.count == e.period {
			s.current = s.sum.Div(decimal.NewFromInt(int64(e.period)))
		}
		return s
	}
	// EMA = (Price * multiplier) + (EMA_prev * (1 - multiplier))
	s.current = price.Mul(e.multiplier).Add(s.current.Mul(one.Sub(e.multiplier)))
	return s
}

func (e *EMA) Value() (float64, bool) {
	if e.st.count < e.period {
		return 0, false
	}
	return e.st.current.InexactFloat64(), true
}

// Decimal returns the current EMA without float conversion.
func (e *EMA) Decimal() (decimal.Decimal, bool) {
	return e.st.current, e.st.count >= e.period
}

func (e *EMA) Peek(candle model.Candle) (float64, bool) {
	s := e.step(e.st, candle.Close)
	if s.count < e.period {
		return 0, false
	}
	return s.current.InexactFloat64(), true
}

// Snapshot serializes the EMA state for checkpoint persistence.
func (e *EMA) Snapshot() State {
	return State{
		Type:    "EMA",
		Period:  e.period,
		Count:   e.st.count,
		Sum:     e.st.sum,
		Current: e.st.current,
	}
}

// Restore restores EMA state from a checkpoint.
func (e *EMA) Restore(snap State) error {
	if snap.Type != "EMA" || snap.Period != e.period {
		return fmt.Errorf("ema(%d): incompatible snapshot %s(%d)", e.period, snap.Type, snap.Period)
	}
	e.st = emaState{count: snap.Count, sum: snap.Sum, current: snap.Current}
	return nil
}
