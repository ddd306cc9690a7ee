package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"cryptosignal/internal/indicator"
	"cryptosignal/internal/model"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stream.PingInterval != 20*time.Second || cfg.Stream.MaxReconnectAttempts != 5 {
		t.Errorf("stream defaults = %+v", cfg.Stream)
	}
	if cfg.Signals.Intervals.For(model.SignalRSIOversoldStrong) != 120*time.Second {
		t.Errorf("repeat interval = %v", cfg.Signals.Intervals.For(model.SignalRSIOversoldStrong))
	}
	if cfg.Indicators.RSIPeriod != 14 || cfg.Dispatcher.RatePerSecond != 25 {
		t.Errorf("indicator/dispatcher defaults = %+v %+v", cfg.Indicators, cfg.Dispatcher)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WS_RECONNECT_DELAY", "3")
	t.Setenv("WS_MAX_RECONNECT_DELAY", "2m")
	t.Setenv("SIGNAL_EVALUATE_LIVE", "false")
	t.Setenv("PIPELINE_WORKERS", "8")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stream.ReconnectDelay != 3*time.Second || cfg.Stream.MaxReconnectDelay != 2*time.Minute {
		t.Errorf("durations = %v / %v", cfg.Stream.ReconnectDelay, cfg.Stream.MaxReconnectDelay)
	}
	if cfg.Signals.EvaluateLive || cfg.Workers != 8 {
		t.Errorf("live=%v workers=%d", cfg.Signals.EvaluateLive, cfg.Workers)
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("PIPELINE_WORKERS", "many")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "PIPELINE_WORKERS") {
		t.Fatalf("err = %v", err)
	}
}

func TestYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.yaml")
	os.WriteFile(path, []byte(`
indicators:
  rsi_period: 7
  ema_periods: [9, 21]
  cross_pairs:
    - {short: 9, long: 21}
signals:
  repeat_interval_sec: 300
  intervals_sec:
    ema_cross_up: 600
  evaluate_live: false
`), 0o644)
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := indicator.Config{RSIPeriod: 7, EMAPeriods: []int{9, 21}, CrossPairs: []indicator.CrossPair{{Short: 9, Long: 21}}}
	if diff := cmp.Diff(want, cfg.Indicators); diff != "" {
		t.Errorf("indicators (-want +got):\n%s", diff)
	}
	if got := cfg.Signals.Intervals.For(model.SignalEMACrossUp); got != 10*time.Minute {
		t.Errorf("cross interval = %v", got)
	}
	if got := cfg.Signals.Intervals.For(model.SignalRSIOversoldNormal); got != 5*time.Minute {
		t.Errorf("default interval = %v", got)
	}
	if cfg.Signals.EvaluateLive {
		t.Error("evaluate_live not applied")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Indicators.CrossPairs = append(cfg.Indicators.CrossPairs, indicator.CrossPair{Short: 50, Long: 20})
	cfg.Indicators.RSIPeriod = 0
	cfg.Signals.Intervals.PerType = map[model.SignalType]time.Duration{"volume_spike": time.Minute}
	err = cfg.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{"rsi period", "cross pair 50/20", "volume_spike"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}
