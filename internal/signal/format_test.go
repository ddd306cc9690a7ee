package signal

import (
	"strings"
	"testing"

	"cryptosignal/internal/model"
)

func TestRenderRSIMessage(t *testing.T) {
	snap := rsiSnap(18.44, false)
	ev := model.SignalEvent{Symbol: "BTCUSDT", Timeframe: model.TF1h, Type: model.SignalRSIOversoldStrong}
	got := Render(ev, snap, nil)

	for _, want := range []string{
		"🔴 <b>BTCUSDT</b> - 1h",
		"Price: <b>$37000.5</b>",
		"RSI: <b>18.4</b> (strong oversold)",
		"Trend: bullish",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("message missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "forming") {
		t.Errorf("closed candle rendered as live:\n%s", got)
	}
}

func TestRenderEscapesSymbol(t *testing.T) {
	ev := model.SignalEvent{Symbol: "<X>", Timeframe: model.TF1m, Type: model.SignalRSIOverboughtNormal}
	got := Render(ev, rsiSnap(71, true), nil)
	if strings.Contains(got, "<X>") || !strings.Contains(got, "&lt;X&gt;") {
		t.Errorf("symbol not escaped:\n%s", got)
	}
	if !strings.Contains(got, "candle still forming") {
		t.Errorf("live marker missing:\n%s", got)
	}
}
