package stream

import (
	"errors"
	"testing"

	"cryptosignal/internal/model"
)

const klineFrame = `{"e":"kline","E":1700000030000,"s":"BTCUSDT","k":{"t":1700000000000,"T":1700000059999,"s":"BTCUSDT","i":"1m","o":"37000.10","c":"37010.50","h":"37020.00","l":"36990.00","v":"12.5","n":140,"x":false,"q":"462000.1"}}`

func TestParseMessageKline(t *testing.T) {
	// 1700000000000 is not minute-aligned; use an aligned bucket.
	frame := `{"e":"kline","E":1699999990000,"s":"BTCUSDT","k":{"t":1699999980000,"T":1700000039999,"i":"1m","o":"37000.10","c":"37010.50","h":"37020.00","l":"36990.00","v":"12.5","n":140,"x":true,"q":"462000.1"}}`
	tick, ok, err := ParseMessage([]byte(frame))
	if err != nil || !ok {
		t.Fatalf("ParseMessage: ok=%v err=%v", ok, err)
	}
	if tick.Symbol != "BTCUSDT" || tick.Timeframe != model.TF1m || !tick.Closed {
		t.Errorf("header fields wrong: %+v", tick)
	}
	if tick.OpenTime != 1699999980000 || tick.EventTime != 1699999990000 {
		t.Errorf("times = %d/%d", tick.OpenTime, tick.EventTime)
	}
	if tick.Close.String() != "37010.5" || tick.TradeCount != 140 {
		t.Errorf("close=%s trades=%d", tick.Close, tick.TradeCount)
	}
}

func TestParseMessageCombinedStream(t *testing.T) {
	frame := `{"stream":"ethusdt@kline_1h","data":{"e":"kline","E":1,"s":"ETHUSDT","k":{"t":1699999200000,"i":"1h","o":"2000","c":"2001","h":"2002","l":"1999","v":"1","x":false}}}`
	tick, ok, err := ParseMessage([]byte(frame))
	if err != nil || !ok {
		t.Fatalf("ParseMessage: ok=%v err=%v", ok, err)
	}
	if tick.Key() != (model.SeriesKey{Symbol: "ETHUSDT", Timeframe: model.TF1h}) {
		t.Errorf("key = %v", tick.Key())
	}
}

func TestParseMessageIgnoresControlFrames(t *testing.T) {
	for _, frame := range []string{
		`{"result":null,"id":3}`,
		`{"e":"trade","s":"BTCUSDT"}`,
	} {
		_, ok, err := ParseMessage([]byte(frame))
		if ok || err != nil {
			t.Errorf("%s: ok=%v err=%v, want ignored", frame, ok, err)
		}
	}
}

func TestParseMessageRejectsBadFrames(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"e":`,
		"bad price":      `{"e":"kline","s":"BTCUSDT","k":{"t":1699999980000,"i":"1m","o":"abc","c":"1","h":"1","l":"1","v":"1"}}`,
		"unaligned":      klineFrame,
		"high below low": `{"e":"kline","s":"BTCUSDT","k":{"t":1699999980000,"i":"1m","o":"5","c":"5","h":"4","l":"6","v":"1"}}`,
		"bad interval":   `{"e":"kline","s":"BTCUSDT","k":{"t":1699999980000,"i":"7m","o":"5","c":"5","h":"6","l":"4","v":"1"}}`,
	}
	for name, frame := range cases {
		_, ok, err := ParseMessage([]byte(frame))
		if ok || !errors.Is(err, model.ErrDataValidation) {
			t.Errorf("%s: ok=%v err=%v, want ErrDataValidation", name, ok, err)
		}
	}
}

func TestParseMessageExchangeError(t *testing.T) {
	_, ok, err := ParseMessage([]byte(`{"error":{"code":2,"msg":"Invalid request"},"id":1}`))
	if ok || err == nil {
		t.Fatalf("ok=%v err=%v, want error", ok, err)
	}
}
