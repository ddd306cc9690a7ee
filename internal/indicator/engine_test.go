package indicator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"cryptosignal/internal/model"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func smallConfig() Config {
	return Config{
		RSIPeriod:  3,
		EMAPeriods: []int{2, 4},
		CrossPairs: []CrossPair{{Short: 2, Long: 4}},
	}
}

func seriesCandle(symbol string, open int64, close string) model.Candle {
	p := decimal.RequireFromString(close)
	return model.Candle{
		Symbol: symbol, Timeframe: model.TF1m,
		OpenTime: open, CloseTime: open + 60_000,
		Open: p, High: p, Low: p, Close: p, Closed: true,
	}
}

func TestEngine_UpdateIgnoresReplayedCandle(t *testing.T) {
	e := NewEngine(smallConfig())
	for i, p := range []string{"10", "11", "12", "13"} {
		if _, ok := e.Update(seriesCandle("BTCUSDT", int64(i)*60_000, p)); !ok {
			t.Fatalf("candle %d rejected", i)
		}
	}
	before, _ := e.Current(model.SeriesKey{Symbol: "BTCUSDT", Timeframe: model.TF1m})

	if _, ok := e.Update(seriesCandle("BTCUSDT", 3*60_000, "13")); ok {
		t.Fatal("duplicate closed candle was applied")
	}
	if _, ok := e.Update(seriesCandle("BTCUSDT", 1*60_000, "99")); ok {
		t.Fatal("stale closed candle was applied")
	}

	after, _ := e.Current(model.SeriesKey{Symbol: "BTCUSDT", Timeframe: model.TF1m})
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("state changed on replay (-before +after):\n%s", diff)
	}
}

func TestEngine_DetectsCrossOnClose(t *testing.T) {
	e := NewEngine(smallConfig())
	// Falling then sharply rising: EMA(2) crosses above EMA(4).
	prices := []string{"20", "18", "16", "14", "12", "30"}
	var last Snapshot
	for i, p := range prices {
		last, _ = e.Update(seriesCandle("ETHUSDT", int64(i)*60_000, p))
	}
	want := []Crossover{{Pair: CrossPair{Short: 2, Long: 4}, Direction: CrossBullish}}
	if diff := cmp.Diff(want, last.Crosses); diff != "" {
		t.Errorf("crosses mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_PeekIsLiveAndPure(t *testing.T) {
	e := NewEngine(smallConfig())
	for i, p := range []string{"10", "11", "12", "13"} {
		e.Update(seriesCandle("BTCUSDT", int64(i)*60_000, p))
	}
	key := model.SeriesKey{Symbol: "BTCUSDT", Timeframe: model.TF1m}
	before, _ := e.Current(key)

	live := e.Peek(seriesCandle("BTCUSDT", 4*60_000, "9"))
	if !live.Live || !live.RSI.Ready {
		t.Fatalf("peek snapshot = %+v", live)
	}
	if live.RSI.Value >= before.RSI.Value {
		t.Errorf("falling live price should lower RSI: %.2f vs %.2f", live.RSI.Value, before.RSI.Value)
	}

	after, _ := e.Current(key)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("Peek mutated state (-before +after):\n%s", diff)
	}
	if open, _ := e.LastOpenTime(key); open != 3*60_000 {
		t.Errorf("last open = %d", open)
	}
}

func TestEngine_InsufficientHistory(t *testing.T) {
	e := NewEngine(DefaultConfig())
	snap, _ := e.Update(seriesCandle("SOLUSDT", 0, "150"))
	if snap.RSI.Ready {
		t.Error("RSI ready after a single candle")
	}
	for p, r := range snap.EMA {
		if r.Ready {
			t.Errorf("EMA(%d) ready after a single candle", p)
		}
	}
}

type memSnapshots struct{ data []byte }

func (m *memSnapshots) SaveSnapshotJSON(_ context.Context, data []byte) error {
	m.data = append([]byte(nil), data...)
	return nil
}

func (m *memSnapshots) ReadLatestSnapshotJSON(context.Context) ([]byte, error) {
	return m.data, nil
}

func TestEngine_SaveAndLoadState(t *testing.T) {
	store := &memSnapshots{}
	a := NewEngine(smallConfig())
	prices := []string{"10", "11", "10.5", "12", "11.5"}
	for i, p := range prices {
		a.Update(seriesCandle("BTCUSDT", int64(i)*60_000, p))
	}
	if err := a.SaveTo(context.Background(), store); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !json.Valid(store.data) {
		t.Fatal("snapshot is not valid JSON")
	}

	b := NewEngine(smallConfig())
	if _, found, _ := b.LoadFrom(context.Background(), &memSnapshots{}, discard); found {
		t.Fatal("empty store reported a snapshot")
	}
	cold, found, err := b.LoadFrom(context.Background(), store, discard)
	if err != nil || !found || len(cold) != 0 {
		t.Fatalf("load: cold=%v found=%v err=%v", cold, found, err)
	}

	next := seriesCandle("BTCUSDT", 5*60_000, "13")
	sa, _ := a.Update(next)
	sb, ok := b.Update(next)
	if !ok {
		t.Fatal("restored engine rejected the next candle")
	}
	if diff := cmp.Diff(sa, sb); diff != "" {
		t.Errorf("restored engine diverged (-orig +restored):\n%s", diff)
	}

	if _, ok := b.Update(seriesCandle("BTCUSDT", 4*60_000, "11.5")); ok {
		t.Error("restored engine re-applied a candle from before the snapshot")
	}
}

func TestEngine_RestoreWithChangedConfigGoesCold(t *testing.T) {
	a := NewEngine(smallConfig())
	for i, p := range []string{"10", "11", "12", "13"} {
		a.Update(seriesCandle("BTCUSDT", int64(i)*60_000, p))
	}
	cfg := smallConfig()
	cfg.EMAPeriods = append(cfg.EMAPeriods, 8)
	b := NewEngine(cfg)

	cold := b.Restore(a.State(), discard)
	want := []model.SeriesKey{{Symbol: "BTCUSDT", Timeframe: model.TF1m}}
	if diff := cmp.Diff(want, cold); diff != "" {
		t.Errorf("cold keys mismatch (-want +got):\n%s", diff)
	}
}

type memCandles struct{ rows []model.Candle }

func (m *memCandles) SaveCandle(_ context.Context, c model.Candle) error {
	m.rows = append(m.rows, c)
	return nil
}

func (m *memCandles) LoadRecentCandles(_ context.Context, _ string, _ model.Timeframe, n int) ([]model.Candle, error) {
	if len(m.rows) > n {
		return m.rows[len(m.rows)-n:], nil
	}
	return m.rows, nil
}

func TestEngine_Backfill(t *testing.T) {
	repo := &memCandles{}
	for i, p := range []string{"10", "11", "12", "13", "14"} {
		repo.SaveCandle(context.Background(), seriesCandle("BTCUSDT", int64(i)*60_000, p))
	}
	e := NewEngine(smallConfig())
	key := model.SeriesKey{Symbol: "BTCUSDT", Timeframe: model.TF1m}
	if n := e.Backfill(context.Background(), repo, []model.SeriesKey{key}, 100, discard); n != 5 {
		t.Fatalf("backfilled %d candles, want 5", n)
	}
	if n := e.Backfill(context.Background(), repo, []model.SeriesKey{key}, 100, discard); n != 0 {
		t.Errorf("second backfill applied %d candles, want 0", n)
	}
	snap, ok := e.Current(key)
	if !ok || !snap.RSI.Ready || snap.RSI.Value != 100 {
		t.Errorf("rising series RSI = %+v", snap.RSI)
	}
}

func TestEngine_WarmRebuildsColdSeries(t *testing.T) {
	e := NewEngine(smallConfig())
	key := model.SeriesKey{Symbol: "BTCUSDT", Timeframe: model.TF1m}
	// A lone candle ahead of the history leaves the series cold.
	e.Update(seriesCandle("BTCUSDT", 10*60_000, "50"))

	var history []model.Candle
	for i := 0; i < 10; i++ {
		history = append(history, seriesCandle("BTCUSDT", int64(i)*60_000, decimal.NewFromInt(int64(10+i)).String()))
	}
	if n := e.Warm(history); n != 10 {
		t.Fatalf("warm applied %d candles, want 10", n)
	}
	snap, ok := e.Current(key)
	if !ok || !snap.RSI.Ready || !snap.EMA[2].Ready || !snap.EMA[4].Ready {
		t.Fatalf("series still cold after warm: %+v", snap)
	}
	if snap.OpenTime != 9*60_000 {
		t.Errorf("open time = %d, want %d", snap.OpenTime, 9*60_000)
	}
}

func TestEngine_WarmExtendsOrRebuilds(t *testing.T) {
	mk := func(from, to int) []model.Candle {
		var cs []model.Candle
		for i := from; i < to; i++ {
			cs = append(cs, seriesCandle("ETHUSDT", int64(i)*60_000, decimal.NewFromInt(int64(100+i%7)).String()))
		}
		return cs
	}

	tests := []struct {
		name    string
		history []model.Candle
		want    int
	}{
		{"overlapping", mk(0, 10), 4},
		{"adjacent", mk(6, 10), 4},
		{"gap", mk(20, 30), 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(smallConfig())
			if n := e.Warm(mk(0, 6)); n != 6 {
				t.Fatalf("seed applied %d, want 6", n)
			}
			if n := e.Warm(tt.history); n != tt.want {
				t.Errorf("warm applied %d, want %d", n, tt.want)
			}
			last, _ := e.LastOpenTime(model.SeriesKey{Symbol: "ETHUSDT", Timeframe: model.TF1m})
			if want := tt.history[len(tt.history)-1].OpenTime; last != want {
				t.Errorf("last open = %d, want %d", last, want)
			}
		})
	}
}
