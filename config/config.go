// Package config loads process configuration from environment variables,
// with an optional YAML file for indicator and signal tuning.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"cryptosignal/internal/indicator"
	"cryptosignal/internal/model"
	"cryptosignal/internal/notification"
	"cryptosignal/internal/signal"
	"cryptosignal/internal/stream"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string

	// Infrastructure
	SQLitePath    string
	RedisAddr     string // empty runs without the Redis tier
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	HTTPAddr      string

	// Telegram; an empty token logs messages instead of sending them.
	TelegramToken   string
	AlertChatID     int64
	AlertWebhookURL string

	// Pipeline
	Workers          int
	CacheSize        int
	BackfillDepth    int
	SnapshotInterval time.Duration
	CloseGrace       time.Duration
	BoundaryTick     time.Duration
	DrainTimeout     time.Duration
	SignalRetention  time.Duration

	Stream     stream.Config
	Indicators indicator.Config
	Signals    signal.Config
	Dispatcher notification.DispatcherConfig
}

// fileConfig is the YAML overlay. Absent sections keep their env values.
type fileConfig struct {
	Indicators *indicator.Config `yaml:"indicators"`
	Signals    *struct {
		Thresholds        *signal.Thresholds `yaml:"thresholds"`
		RepeatIntervalSec int                `yaml:"repeat_interval_sec"`
		IntervalsSec      map[string]int     `yaml:"intervals_sec"`
		EvaluateLive      *bool              `yaml:"evaluate_live"`
	} `yaml:"signals"`
	Dispatcher *struct {
		RatePerSecond float64 `yaml:"rate_per_second"`
		QueueSize     int     `yaml:"queue_size"`
		MaxAttempts   int     `yaml:"max_attempts"`
	} `yaml:"dispatcher"`
}

// Load reads configuration from environment variables with sensible
// defaults, then applies CONFIG_FILE when set.
func Load() (*Config, error) {
	e := &envReader{}

	st := stream.DefaultConfig()
	st.URL = getEnv("BINANCE_WS_URL", st.URL)
	st.HandshakeTimeout = e.duration("WS_HANDSHAKE_TIMEOUT", st.HandshakeTimeout)
	st.PingInterval = e.duration("WS_PING_INTERVAL", st.PingInterval)
	st.PongTimeout = e.duration("WS_PONG_TIMEOUT", st.PongTimeout)
	st.ReconnectDelay = e.duration("WS_RECONNECT_DELAY", st.ReconnectDelay)
	st.BackoffMultiplier = e.float("WS_BACKOFF_MULTIPLIER", st.BackoffMultiplier)
	st.MaxReconnectDelay = e.duration("WS_MAX_RECONNECT_DELAY", st.MaxReconnectDelay)
	st.MaxReconnectAttempts = e.int("WS_MAX_RECONNECT_ATTEMPTS", st.MaxReconnectAttempts)

	sig := signal.DefaultConfig()
	sig.Intervals.Default = e.duration("SIGNAL_REPEAT_INTERVAL", sig.Intervals.Default)
	sig.EvaluateLive = e.bool("SIGNAL_EVALUATE_LIVE", sig.EvaluateLive)

	disp := notification.DefaultDispatcherConfig()
	disp.RatePerSecond = e.float("NOTIFY_RATE_PER_SECOND", disp.RatePerSecond)
	disp.QueueSize = e.int("NOTIFY_QUEUE_SIZE", disp.QueueSize)
	disp.MaxAttempts = e.int("NOTIFY_MAX_ATTEMPTS", disp.MaxAttempts)
	disp.Workers = e.int("NOTIFY_WORKERS", disp.Workers)

	cfg := &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),

		SQLitePath:    getEnv("SQLITE_PATH", "data/signals.db"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       e.int("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "cs:"),
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),

		TelegramToken:   getEnv("TELEGRAM_BOT_TOKEN", ""),
		AlertChatID:     e.int64("TELEGRAM_ALERT_CHAT_ID", 0),
		AlertWebhookURL: getEnv("ALERT_WEBHOOK_URL", ""),

		Workers:          e.int("PIPELINE_WORKERS", 4),
		CacheSize:        e.int("CANDLE_CACHE_SIZE", 500),
		BackfillDepth:    e.int("BACKFILL_DEPTH", 1000),
		SnapshotInterval: e.duration("SNAPSHOT_INTERVAL", 30*time.Second),
		CloseGrace:       e.duration("CANDLE_CLOSE_GRACE", 2*time.Second),
		BoundaryTick:     e.duration("BOUNDARY_TICK", time.Second),
		DrainTimeout:     e.duration("DRAIN_TIMEOUT", 10*time.Second),
		SignalRetention:  e.duration("SIGNAL_RETENTION", 30*24*time.Hour),

		Stream:     st,
		Indicators: indicator.DefaultConfig(),
		Signals:    sig,
		Dispatcher: disp,
	}
	if e.err != nil {
		return nil, e.err
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return c.applyYAML(raw)
}

func (c *Config) applyYAML(raw []byte) error {
	var f fileConfig
	if err := yaml.UnmarshalStrict(raw, &f); err != nil {
		return fmt.Errorf("config: parse yaml: %w", err)
	}
	if f.Indicators != nil {
		c.Indicators = *f.Indicators
	}
	if s := f.Signals; s != nil {
		if s.Thresholds != nil {
			c.Signals.Thresholds = *s.Thresholds
		}
		if s.RepeatIntervalSec > 0 {
			c.Signals.Intervals.Default = time.Duration(s.RepeatIntervalSec) * time.Second
		}
		if len(s.IntervalsSec) > 0 {
			c.Signals.Intervals.PerType = make(map[model.SignalType]time.Duration, len(s.IntervalsSec))
			for typ, sec := range s.IntervalsSec {
				c.Signals.Intervals.PerType[model.SignalType(typ)] = time.Duration(sec) * time.Second
			}
		}
		if s.EvaluateLive != nil {
			c.Signals.EvaluateLive = *s.EvaluateLive
		}
	}
	if d := f.Dispatcher; d != nil {
		if d.RatePerSecond > 0 {
			c.Dispatcher.RatePerSecond = d.RatePerSecond
		}
		if d.QueueSize > 0 {
			c.Dispatcher.QueueSize = d.QueueSize
		}
		if d.MaxAttempts > 0 {
			c.Dispatcher.MaxAttempts = d.MaxAttempts
		}
	}
	return nil
}

var knownSignals = map[model.SignalType]bool{
	model.SignalRSIOversoldStrong: true, model.SignalRSIOversoldMedium: true,
	model.SignalRSIOversoldNormal: true, model.SignalRSIOverboughtNormal: true,
	model.SignalRSIOverboughtMedium: true, model.SignalRSIOverboughtStrong: true,
	model.SignalEMACrossUp: true, model.SignalEMACrossDown: true,
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	ind := c.Indicators
	if ind.RSIPeriod < 1 {
		errs = append(errs, fmt.Errorf("rsi period %d must be >= 1", ind.RSIPeriod))
	}
	emas := make(map[int]bool, len(ind.EMAPeriods))
	for _, p := range ind.EMAPeriods {
		if p < 1 {
			errs = append(errs, fmt.Errorf("ema period %d must be >= 1", p))
		}
		emas[p] = true
	}
	for _, pair := range ind.CrossPairs {
		if pair.Short >= pair.Long || !emas[pair.Short] || !emas[pair.Long] {
			errs = append(errs, fmt.Errorf("cross pair %d/%d needs two configured EMAs, short < long", pair.Short, pair.Long))
		}
	}
	if !c.Signals.Thresholds.Valid() {
		errs = append(errs, errors.New("rsi thresholds must be ordered within [0, 100]"))
	}
	for typ := range c.Signals.Intervals.PerType {
		if !knownSignals[typ] {
			errs = append(errs, fmt.Errorf("unknown signal type %q in intervals", typ))
		}
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers %d must be >= 1", c.Workers))
	}
	if c.Stream.MaxReconnectAttempts < 1 || c.Stream.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("reconnect attempts must be >= 1 and backoff multiplier >= 1"))
	}
	if c.SQLitePath == "" {
		errs = append(errs, errors.New("SQLITE_PATH is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// envReader parses typed env vars and keeps the first error.
type envReader struct{ err error }

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
}

func (e *envReader) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.fail(key, v, err)
		return fallback
	}
	return n
}

func (e *envReader) int64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		e.fail(key, v, err)
		return fallback
	}
	return n
}

func (e *envReader) float(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		e.fail(key, v, err)
		return fallback
	}
	return f
}

func (e *envReader) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		e.fail(key, v, err)
		return fallback
	}
	return b
}

// duration accepts Go durations ("90s") or plain seconds ("90").
func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return fallback
	}
	return d
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
