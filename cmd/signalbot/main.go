// Command signalbot streams Binance klines, computes RSI and EMA indicators
// per subscribed series and notifies subscribers on Telegram when signals
// fire.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cryptosignal/config"
	"cryptosignal/internal/api"
	"cryptosignal/internal/candles"
	"cryptosignal/internal/logger"
	"cryptosignal/internal/metrics"
	"cryptosignal/internal/model"
	"cryptosignal/internal/notification"
	"cryptosignal/internal/pipeline"
	"cryptosignal/internal/store/redis"
	"cryptosignal/internal/store/sqlite"
	"cryptosignal/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config invalid", "error", err)
		os.Exit(1)
	}
	log := logger.Init("signalbot", logger.ParseLevel(cfg.LogLevel))

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := sqlite.Open(sqlite.Config{DBPath: cfg.SQLitePath}, log)
	if err != nil {
		return err
	}
	defer db.Close()

	m := metrics.New()
	health := metrics.NewHealthStatus()
	hub := api.NewHub(log)
	defer hub.Close()

	deps := pipeline.Deps{
		Candles:    db,
		Subs:       db,
		Signals:    db,
		Recipients: db,
		Snapshots:  []model.SnapshotStore{db},
		Cache:      candles.NewMemoryCache(cfg.CacheSize),
		Publisher:  hub,
		Dialer:     stream.NewWebsocketDialer(cfg.Stream.HandshakeTimeout),
		Metrics:    m,
		Health:     health,
	}

	var redisPinger metrics.Pinger
	if cfg.RedisAddr != "" {
		rc, err := redis.New(redis.Config{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisPrefix,
		}, log)
		if err != nil {
			return err
		}
		defer rc.Close()
		redisPinger = rc

		cb := rc.Breaker()
		logChange := cb.OnStateChange
		cb.OnStateChange = func(from, to redis.State) {
			logChange(from, to)
			m.RedisBreakerState.Set(float64(to))
			if to == redis.StateOpen {
				m.RedisBreakerTrips.Inc()
			}
		}

		deps.Cache = redis.NewCandleCache(rc, cfg.CacheSize)
		deps.Snapshots = []model.SnapshotStore{redis.NewSnapshotStore(rc), db}
		deps.Publisher = pipeline.Publishers{redis.NewIndicatorPublisher(rc), hub}
	}

	alerts := notification.Multi{notification.NewLogNotifier(log)}
	if cfg.AlertWebhookURL != "" {
		alerts = append(alerts, notification.NewWebhookNotifier(cfg.AlertWebhookURL, log))
	}
	if cfg.TelegramToken != "" {
		bot, err := notification.NewBot(cfg.TelegramToken, cfg.Dispatcher.SendTimeout)
		if err != nil {
			return err
		}
		deps.Sender = notification.NewTelegramSender(bot, log)
		if cfg.AlertChatID != 0 {
			alerts = append(alerts, notification.NewTelegramNotifier(bot, cfg.AlertChatID, log))
		}
	} else {
		log.Warn("TELEGRAM_BOT_TOKEN not set, notifications are logged only")
		deps.Sender = notification.NewLogSender(log)
	}
	deps.Alerts = alerts

	svc := pipeline.New(pipeline.Config{
		Workers:          cfg.Workers,
		CacheSize:        cfg.CacheSize,
		BackfillDepth:    cfg.BackfillDepth,
		SnapshotInterval: cfg.SnapshotInterval,
		CloseGrace:       cfg.CloseGrace,
		BoundaryTick:     cfg.BoundaryTick,
		DrainTimeout:     cfg.DrainTimeout,
		SignalRetention:  cfg.SignalRetention,
		Stream:           cfg.Stream,
		Indicators:       cfg.Indicators,
		Signals:          cfg.Signals,
		Dispatcher:       cfg.Dispatcher,
	}, deps, log)

	go health.RunLivenessChecker(ctx, redisPinger, db.SQL(), 15*time.Second)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(api.Options{
			Service: svc,
			Health:  health,
			Metrics: m.Handler(),
			Live:    hub,
			Log:     log,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			cancel()
		}
	}()

	runErr := svc.Run(ctx)

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	srv.Shutdown(shutCtx)
	return runErr
}
