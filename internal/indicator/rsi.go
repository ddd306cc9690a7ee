package indicator

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"cryptosignal/internal/model"
)

// RSI calculates the Relative Strength Index using Wilder's smoothing method.
// Update is O(1) per candle; no history scans.
//
// The change of the very first candle is measured against its own open, so
// the value is defined after exactly period closed candles.
type RSI struct {
	period int
	st     rsiState
}

type rsiState struct {
	count     int
	prevClose decimal.Decimal
	avgGain   decimal.Decimal
	avgLoss   decimal.Decimal
}

// NewRSI creates a new RSI indicator with the given period (typically 14).
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string { return "RSI_" + strconv.Itoa(r.period) }
func (r *RSI) Period() int  { return r.period }

func (r *RSI) Update(candle model.Candle) {
	r.st = r.step(r.st, candle)
}

func (r *RSI) step(s rsiState, candle model.Candle) rsiState {
	ref := s.prevClose
	if s.count == 0 {
		ref = candle.Open
	}
	delta := candle.Close.Sub(ref)
	s.prevClose = candle.Close
	s.count++

	gain, loss := decimal.Zero, decimal.Zero
	if delta.IsPositive() {
		gain = delta
	} else {
		loss = delta.Neg()
	}

	p := decimal.NewFromInt(int64(r.period))
	if s.count <= r.period {
		// Accumulation phase: sums until the seed is complete.
		s.avgGain = s.avgGain.Add(gain)
		s.avgLoss = s.avgLoss.Add(loss)
		if s.count == r.period {
			s.avgGain = s.avgGain.Div(p)
			s.avgLoss = s.avgLoss.Div(p)
		}
		return s
	}

	// avgGain = (prevAvgGain * (period-1) + gain) / period
	pm1 := p.Sub(one)
	s.avgGain = s.avgGain.Mul(pm1).Add(gain).Div(p)
	s.avgLoss = s.avgLoss.Mul(pm1).Add(loss).Div(p)
	return s
}

func (r *RSI) value(s rsiState) (float64, bool) {
	if s.count < r.period {
		return 0, false
	}
	if s.avgLoss.IsZero() {
		return 100, true
	}
	if s.avgGain.IsZero() {
		return 0, true
	}
	rs := s.avgGain.Div(s.avgLoss)
	return hundred.Sub(hundred.Div(one.Add(rs))).InexactFloat64(), true
}

func (r *RSI) Value() (float64, bool) { return r.value(r.st) }

// Peek computes what RSI would be with candle closed, without mutating state.
func (r *RSI) Peek(candle model.Candle) (float64, bool) {
	return r.value(r.step(r.st, candle))
}

// Snapshot serializes the RSI state for checkpoint persistence.
func (r *RSI) Snapshot() State {
	return State{
		Type:      "RSI",
		Period:    r.period,
		Count:     r.st.count,
		PrevClose: r.st.prevClose,
		AvgGain:   r.st.avgGain,
		AvgLoss:   r.st.avgLoss,
	}
}

// Restore restores RSI state from a checkpoint.
func (r *RSI) Restore(snap State) error {
	if snap.Type != "RSI" || snap.Period != r.period {
		return fmt.Errorf("rsi(%d): incompatible snapshot %s(%d)", r.period, snap.Type, snap.Period)
	}
	r.st = rsiState{
		count:     snap.Count,
		prevClose: snap.PrevClose,
		avgGain:   snap.AvgGain,
		avgLoss:   snap.AvgLoss,
	}
	return nil
}
