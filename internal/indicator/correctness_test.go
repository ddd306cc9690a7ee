package indicator

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"cryptosignal/internal/model"
)

// ────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────

var testOpen int64

func candle(close string) model.Candle {
	testOpen += 60_000
	p := decimal.RequireFromString(close)
	return model.Candle{
		Symbol: "BTCUSDT", Timeframe: model.TF1m,
		OpenTime: testOpen, CloseTime: testOpen + 60_000,
		Open: p, High: p, Low: p, Close: p, Closed: true,
	}
}

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f, diff=%.6f)", label, got, want, tol, math.Abs(got-want))
	}
}

// ────────────────────────────────────────────────────────────
// EMA
// ────────────────────────────────────────────────────────────

func TestEMA_ConstantPriceEqualsPriceExactly(t *testing.T) {
	ema := NewEMA(20)
	for i := 0; i < 19; i++ {
		ema.Update(candle("43250.17"))
		if _, ok := ema.Value(); ok {
			t.Fatalf("candle %d: EMA ready before period", i)
		}
	}
	ema.Update(candle("43250.17"))
	got, ok := ema.Decimal()
	if !ok || !got.Equal(decimal.RequireFromString("43250.17")) {
		t.Fatalf("EMA after period = %s (ready=%v), want 43250.17", got, ok)
	}

	for i := 0; i < 50; i++ {
		ema.Update(candle("43250.17"))
	}
	if got, _ := ema.Decimal(); !got.Equal(decimal.RequireFromString("43250.17")) {
		t.Errorf("EMA drifted to %s on constant input", got)
	}
}

func TestEMA_Correctness_Period3(t *testing.T) {
	// k = 0.5. Seed SMA(10,11,12) = 11; then 13 → 12; 14 → 13.
	ema := NewEMA(3)
	for _, p := range []string{"10", "11", "12"} {
		ema.Update(candle(p))
	}
	v, ok := ema.Value()
	if !ok {
		t.Fatal("EMA(3) not ready after 3 candles")
	}
	assertClose(t, "seed", v, 11, 1e-12)

	ema.Update(candle("13"))
	v, _ = ema.Value()
	assertClose(t, "after 13", v, 12, 1e-12)

	ema.Update(candle("14"))
	v, _ = ema.Value()
	assertClose(t, "after 14", v, 13, 1e-12)
}

func TestEMA_PeekDoesNotMutate(t *testing.T) {
	ema := NewEMA(3)
	for _, p := range []string{"10", "11", "12"} {
		ema.Update(candle(p))
	}
	before, _ := ema.Value()

	peek, ok := ema.Peek(candle("13"))
	if !ok {
		t.Fatal("peek not ready")
	}
	assertClose(t, "peek", peek, 12, 1e-12)

	after, _ := ema.Value()
	if before != after {
		t.Errorf("Peek mutated state: %.6f → %.6f", before, after)
	}
}

func TestEMA_PeekCompletesSeed(t *testing.T) {
	ema := NewEMA(3)
	ema.Update(candle("10"))
	ema.Update(candle("11"))
	if _, ok := ema.Value(); ok {
		t.Fatal("ready too early")
	}
	v, ok := ema.Peek(candle("12"))
	if !ok {
		t.Fatal("peek with the period-th candle should be ready")
	}
	assertClose(t, "peek seed", v, 11, 1e-12)
	if _, ok := ema.Value(); ok {
		t.Error("peek made the EMA ready")
	}
}

// ────────────────────────────────────────────────────────────
// RSI
// ────────────────────────────────────────────────────────────

func TestRSI_ConstantPriceIs100(t *testing.T) {
	rsi := NewRSI(14)
	for i := 0; i < 13; i++ {
		rsi.Update(candle("100"))
		if _, ok := rsi.Value(); ok {
			t.Fatalf("candle %d: RSI defined before period", i+1)
		}
	}
	rsi.Update(candle("100"))
	v, ok := rsi.Value()
	if !ok {
		t.Fatal("RSI undefined after period candles")
	}
	if v != 100 {
		t.Errorf("constant price RSI = %.4f, want 100 (zero avgLoss)", v)
	}
}

func TestRSI_AllLossesIsZero(t *testing.T) {
	rsi := NewRSI(3)
	for _, p := range []string{"100", "99", "98", "97"} {
		rsi.Update(candle(p))
	}
	v, ok := rsi.Value()
	if !ok || v != 0 {
		t.Errorf("falling RSI = %.4f (ready=%v), want 0", v, ok)
	}
}

func TestRSI_Correctness_Wilder(t *testing.T) {
	// period 3; first candle measured against its own open (flat).
	// changes: 0, +2, -1 → avgGain 2/3, avgLoss 1/3, RS 2, RSI 66.6667
	// +3 → avgGain (4/3+3)/3 = 13/9, avgLoss (2/3)/3 = 2/9, RS 6.5, RSI 86.6667
	rsi := NewRSI(3)
	for _, p := range []string{"100", "102", "101"} {
		rsi.Update(candle(p))
	}
	v, ok := rsi.Value()
	if !ok {
		t.Fatal("RSI(3) not ready after 3 candles")
	}
	assertClose(t, "seed RSI", v, 200.0/3.0, 1e-9)

	rsi.Update(candle("104"))
	v, _ = rsi.Value()
	assertClose(t, "wilder RSI", v, 100-100/7.5, 1e-9)
}

func TestRSI_PeekMatchesUpdate(t *testing.T) {
	rsi := NewRSI(5)
	for _, p := range []string{"44.34", "44.09", "44.15", "43.61", "44.33", "44.83", "45.10"} {
		rsi.Update(candle(p))
	}
	before, _ := rsi.Value()

	next := candle("45.42")
	peek, ok := rsi.Peek(next)
	if !ok {
		t.Fatal("peek not ready")
	}
	if v, _ := rsi.Value(); v != before {
		t.Fatalf("Peek mutated state: %.6f → %.6f", before, v)
	}

	rsi.Update(next)
	after, _ := rsi.Value()
	if peek != after {
		t.Errorf("peek %.8f != update %.8f", peek, after)
	}
}

func TestRSI_SnapshotRoundTrip(t *testing.T) {
	a := NewRSI(5)
	for _, p := range []string{"10", "11", "10.5", "12", "11.2", "11.9"} {
		a.Update(candle(p))
	}
	b := NewRSI(5)
	if err := b.Restore(a.Snapshot()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	for _, p := range []string{"12.4", "11.1", "13"} {
		c := candle(p)
		a.Update(c)
		b.Update(c)
		va, _ := a.Value()
		vb, _ := b.Value()
		if va != vb {
			t.Errorf("post-restore divergence: %.8f vs %.8f", va, vb)
		}
	}

	if err := NewRSI(14).Restore(a.Snapshot()); err == nil {
		t.Error("restore across periods should fail")
	}
}
