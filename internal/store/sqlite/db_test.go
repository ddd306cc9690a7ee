package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"cryptosignal/internal/model"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{DBPath: filepath.Join(t.TempDir(), "test.db")}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testCandle(open int64, close string) model.Candle {
	p := decimal.RequireFromString(close)
	return model.Candle{
		Symbol: "BTCUSDT", Timeframe: model.TF15m,
		OpenTime: open, CloseTime: open + model.TF15m.Millis(),
		Open: p, High: p.Add(decimal.NewFromInt(1)), Low: p.Sub(decimal.NewFromInt(1)), Close: p,
		Volume: decimal.RequireFromString("12.5"), QuoteVolume: decimal.RequireFromString("540123.25"),
		TradeCount: 42, Closed: true,
	}
}

func TestCandles_SaveAndLoadRecent(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	step := model.TF15m.Millis()

	for i, px := range []string{"43000.10", "43010.20"} {
		if err := db.SaveCandle(ctx, testCandle(int64(i)*step, px)); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	if err := db.SaveCandle(ctx, testCandle(2*step, "43020.30")); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Same bucket again replaces rather than duplicates.
	if err := db.SaveCandle(ctx, testCandle(2*step, "43020.30")); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, err := db.LoadRecentCandles(ctx, "BTCUSDT", model.TF15m, 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []model.Candle{testCandle(step, "43010.20"), testCandle(2*step, "43020.30")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("recent candles mismatch (-want +got):\n%s", diff)
	}

	other, _ := db.LoadRecentCandles(ctx, "BTCUSDT", model.TF1h, 10)
	if len(other) != 0 {
		t.Errorf("other timeframe returned %d rows", len(other))
	}
}

func TestSubscriptions(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	a := model.NewSubscription(1, "BTCUSDT", model.TF15m, model.TF1h)
	b := model.NewSubscription(2, "BTCUSDT", model.TF4h)
	c := model.NewSubscription(1, "ETHUSDT", model.TF1h)
	for _, s := range []model.Subscription{a, b, c} {
		if err := db.SaveSubscription(ctx, s); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	subs, err := db.LoadSubscriptions(ctx, "BTCUSDT", model.TF1h)
	if err != nil || len(subs) != 1 || subs[0].SubscriberID != 1 {
		t.Fatalf("LoadSubscriptions = %+v, %v", subs, err)
	}

	streams, err := db.ActiveStreams(ctx)
	if err != nil {
		t.Fatal(err)
	}
	wantStreams := []model.SeriesKey{
		{Symbol: "BTCUSDT", Timeframe: model.TF15m},
		{Symbol: "BTCUSDT", Timeframe: model.TF1h},
		{Symbol: "BTCUSDT", Timeframe: model.TF4h},
		{Symbol: "ETHUSDT", Timeframe: model.TF1h},
	}
	if diff := cmp.Diff(wantStreams, streams); diff != "" {
		t.Errorf("active streams (-want +got):\n%s", diff)
	}

	a.NotificationsEnabled = false
	a.Disable(model.TF1h)
	if err := db.SaveSubscription(ctx, a); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetSubscription(ctx, 1, "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if got.NotificationsEnabled || got.Timeframes[model.TF1h] || !got.Timeframes[model.TF15m] {
		t.Errorf("update not persisted: %+v", got)
	}

	if err := db.DeleteSubscription(ctx, 1, "BTCUSDT"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetSubscription(ctx, 1, "BTCUSDT"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("deleted pair: %v", err)
	}
	list, _ := db.ListSubscriptions(ctx, 1)
	if len(list) != 1 || list[0].Symbol != "ETHUSDT" {
		t.Errorf("ListSubscriptions = %+v", list)
	}
}

func TestSignalHistory(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, ok, err := db.LastSignalTime(ctx, 7, "BTCUSDT", model.TF1h, model.SignalRSIOversoldStrong); err != nil || ok {
		t.Fatalf("empty history: ok=%v err=%v", ok, err)
	}

	for i, typ := range []model.SignalType{model.SignalRSIOversoldStrong, model.SignalRSIOversoldStrong, model.SignalEMACrossUp} {
		e := model.SignalEvent{
			SubscriberID: 7, Symbol: "BTCUSDT", Timeframe: model.TF1h, Type: typ,
			Value: 18.5, Price: "42000.5", At: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.RecordSignalEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	last, ok, err := db.LastSignalTime(ctx, 7, "BTCUSDT", model.TF1h, model.SignalRSIOversoldStrong)
	if err != nil || !ok || !last.Equal(base.Add(time.Minute)) {
		t.Errorf("LastSignalTime = %v, %v, %v", last, ok, err)
	}

	recent, err := db.RecentSignals(ctx, 7, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Type != model.SignalEMACrossUp {
		t.Errorf("RecentSignals = %+v", recent)
	}

	n, err := db.PruneSignals(ctx, base.Add(90*time.Second))
	if err != nil || n != 2 {
		t.Errorf("prune removed %d, %v", n, err)
	}
}

func TestRecipientsAndSnapshots(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	if err := db.MarkInactive(ctx, 99, "forbidden"); err != nil {
		t.Fatal(err)
	}
	if in, _ := db.IsInactive(ctx, 99); !in {
		t.Error("recipient not inactive")
	}
	if err := db.Reactivate(ctx, 99); err != nil {
		t.Fatal(err)
	}
	if in, _ := db.IsInactive(ctx, 99); in {
		t.Error("recipient still inactive")
	}

	if data, err := db.ReadLatestSnapshotJSON(ctx); err != nil || data != nil {
		t.Fatalf("empty snapshot = %s, %v", data, err)
	}
	for i := 0; i < keepSnapshots+3; i++ {
		if err := db.SaveSnapshotJSON(ctx, []byte(fmt.Sprintf(`{"version":1,"n":%d}`, i))); err != nil {
			t.Fatal(err)
		}
	}
	data, err := db.ReadLatestSnapshotJSON(ctx)
	if err != nil || string(data) != fmt.Sprintf(`{"version":1,"n":%d}`, keepSnapshots+2) {
		t.Errorf("latest snapshot = %s, %v", data, err)
	}
	var count int
	db.SQL().QueryRow(`SELECT COUNT(*) FROM indicator_snapshots`).Scan(&count)
	if count != keepSnapshots {
		t.Errorf("kept %d snapshots, want %d", count, keepSnapshots)
	}
}
