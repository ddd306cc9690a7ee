package signal

import (
	"testing"
	"time"

	"cryptosignal/internal/model"
)

func TestClassifyBoundariesInclusive(t *testing.T) {
	th := DefaultThresholds()
	cases := []struct {
		rsi  float64
		want model.SignalType
		ok   bool
	}{
		{0, model.SignalRSIOversoldStrong, true},
		{20, model.SignalRSIOversoldStrong, true},
		{20.01, model.SignalRSIOversoldMedium, true},
		{25, model.SignalRSIOversoldMedium, true},
		{30, model.SignalRSIOversoldNormal, true},
		{30.5, "", false},
		{50, "", false},
		{69.99, "", false},
		{70, model.SignalRSIOverboughtNormal, true},
		{75, model.SignalRSIOverboughtMedium, true},
		{79.9, model.SignalRSIOverboughtMedium, true},
		{80, model.SignalRSIOverboughtStrong, true},
		{100, model.SignalRSIOverboughtStrong, true},
	}
	for _, tc := range cases {
		got, ok := th.Classify(tc.rsi)
		if got != tc.want || ok != tc.ok {
			t.Errorf("Classify(%v) = %q,%v want %q,%v", tc.rsi, got, ok, tc.want, tc.ok)
		}
	}
}

func TestThresholdsValid(t *testing.T) {
	if !DefaultThresholds().Valid() {
		t.Fatal("defaults invalid")
	}
	bad := DefaultThresholds()
	bad.OversoldNormal = 75
	if bad.Valid() {
		t.Error("overlapping zones accepted")
	}
}

func TestPriorityOf(t *testing.T) {
	want := map[model.SignalType]model.Priority{
		model.SignalRSIOversoldStrong:   model.PriorityHigh,
		model.SignalRSIOverboughtStrong: model.PriorityHigh,
		model.SignalRSIOversoldMedium:   model.PriorityMedium,
		model.SignalEMACrossDown:        model.PriorityMedium,
		model.SignalRSIOverboughtNormal: model.PriorityLow,
	}
	for typ, p := range want {
		if got := PriorityOf(typ); got != p {
			t.Errorf("PriorityOf(%s) = %s, want %s", typ, got, p)
		}
	}
}

func TestIntervalsFor(t *testing.T) {
	iv := Intervals{PerType: map[model.SignalType]time.Duration{model.SignalEMACrossUp: 5 * time.Minute}}
	if got := iv.For(model.SignalEMACrossUp); got != 5*time.Minute {
		t.Errorf("override = %v", got)
	}
	if got := iv.For(model.SignalRSIOversoldNormal); got != DefaultRepeatInterval {
		t.Errorf("fallback = %v, want %v", got, DefaultRepeatInterval)
	}
}
