// Package pipeline wires the stream connection, candle store, indicator
// engine, signal evaluator and notification dispatcher into one service and
// owns their lifecycles.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cryptosignal/internal/candles"
	"cryptosignal/internal/indicator"
	"cryptosignal/internal/metrics"
	"cryptosignal/internal/model"
	"cryptosignal/internal/notification"
	"cryptosignal/internal/signal"
	"cryptosignal/internal/stream"
)

// Config tunes the pipeline.
type Config struct {
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

// Publisher receives every indicator snapshot, e.g. for live dashboards.
type Publisher interface {
	Publish(ctx context.Context, key model.SeriesKey, live bool, data []byte) error
}

// Publishers fans a snapshot out to several publishers and joins their
// errors.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, key model.SeriesKey, live bool, data []byte) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, key, live, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deps are the adapters the pipeline runs on. Cache, Publisher, Alerts,
// Metrics and Health are optional.
type Deps struct {
	Candles    model.CandleRepository
	Subs       model.SubscriptionRepository
	Signals    model.SignalRepository
	Recipients model.RecipientRepository

	// Snapshots are tried in order on restore and all written on save.
	Snapshots []model.SnapshotStore

	Cache     candles.Cache
	Publisher Publisher
	Dialer    stream.Dialer
	Sender    notification.Sender
	Alerts    notification.Notifier
	Metrics   *metrics.Metrics
	Health    *metrics.HealthStatus
}

// Service is the top-level orchestrator.
type Service struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	m    *metrics.Metrics

	store      *candles.Store
	engine     *indicator.Engine
	evaluator  *signal.Evaluator
	dispatcher *notification.Dispatcher
	conn       *stream.Conn
	registry   *stream.Registry
	subs       *subCache

	shards []chan work

	subMu   sync.Mutex // serializes subscription changes
	running bool       // shards are consuming; guarded by subMu
	now     func() time.Time
}

// New builds the service. Nothing is started until Run.
func New(cfg Config, deps Deps, log *slog.Logger) *Service {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BoundaryTick <= 0 {
		cfg.BoundaryTick = time.Second
	}
	if deps.Cache == nil {
		deps.Cache = candles.NewMemoryCache(cfg.CacheSize)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Health == nil {
		deps.Health = metrics.NewHealthStatus()
	}
	if deps.Alerts == nil {
		deps.Alerts = notification.NewLogNotifier(log)
	}

	s := &Service{
		cfg:      cfg,
		deps:     deps,
		log:      log.With("component", "pipeline"),
		m:        deps.Metrics,
		registry: stream.NewRegistry(),
		subs:     newSubCache(deps.Subs),
		now:      time.Now,
	}

	s.store = candles.NewStore(deps.Candles, deps.Cache, cfg.CacheSize, log)
	s.store.OnDropped = func(reason string) { s.m.TicksDropped.WithLabelValues(reason).Inc() }
	s.store.OnClosed = func(c model.Candle) { s.m.CandlesClosed.WithLabelValues(string(c.Timeframe)).Inc() }
	s.store.OnPersistError = func(error) { s.m.PersistErrors.Inc() }
	if ev, ok := deps.Cache.(interface{ Evicted() uint64 }); ok {
		s.m.CounterFunc("candle_cache_evictions_total", "Candles evicted from the in-memory windows",
			func() float64 { return float64(ev.Evicted()) })
	}

	s.engine = indicator.NewEngine(cfg.Indicators)

	s.dispatcher = notification.NewDispatcher(cfg.Dispatcher, deps.Sender, deps.Recipients, log)
	s.registerDeliveryMetrics()

	s.evaluator = signal.NewEvaluator(cfg.Signals, s.subs, deps.Signals, deps.Recipients, s.dispatcher, log)
	s.evaluator.OnFired = func(typ model.SignalType) { s.m.SignalsFired.WithLabelValues(string(typ)).Inc() }
	s.evaluator.OnSuppressed = func(typ model.SignalType) { s.m.SignalsSuppressed.WithLabelValues(string(typ)).Inc() }

	s.conn = stream.New(cfg.Stream, deps.Dialer, log)
	s.conn.OnStateChange = func(_, to stream.State) {
		s.m.StreamState.Set(float64(to))
		s.deps.Health.SetStreamState(to.String())
	}
	s.conn.OnReconnect = func(int) { s.m.StreamReconnects.Inc() }
	s.conn.OnFatal = s.streamFailed

	s.shards = make([]chan work, cfg.Workers)
	for i := range s.shards {
		s.shards[i] = make(chan work, 1024)
	}
	return s
}

func (s *Service) registerDeliveryMetrics() {
	stats := s.dispatcher.Stats
	s.m.CounterFunc("notifications_sent_total", "Notifications accepted by the channel",
		func() float64 { return float64(stats().Sent) })
	s.m.CounterFunc("notifications_failed_total", "Notifications abandoned after retries or refusal",
		func() float64 { return float64(stats().Failed) })
	s.m.CounterFunc("notifications_dropped_total", "Notifications dropped by queue backpressure",
		func() float64 { return float64(stats().Dropped) })
	s.m.CounterFunc("notifications_skipped_total", "Notifications skipped for inactive recipients",
		func() float64 { return float64(stats().Skipped) })
	s.m.CounterFunc("notifications_retried_total", "Notification delivery retries",
		func() float64 { return float64(stats().Retried) })
	s.m.GaugeFunc("notification_queue_len", "Notifications waiting for delivery",
		func() float64 { return float64(stats().Queue.Len) })
}

// Dispatcher exposes delivery stats to the API layer.
func (s *Service) Dispatcher() *notification.Dispatcher { return s.dispatcher }

// Health returns the health tracker.
func (s *Service) Health() *metrics.HealthStatus { return s.deps.Health }

// Run restores state, starts every component and blocks until ctx is
// cancelled, then shuts down in order: stop reading the stream, stop the
// shards, drain the dispatcher, close the stream, save the indicator
// snapshot. A stream that gives up reconnecting does not end Run; queries
// keep being served on the last known data.
func (s *Service) Run(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		return err
	}

	shardCtx, stopShards := context.WithCancel(context.Background())
	defer stopShards()
	var shards errgroup.Group
	for i := range s.shards {
		ch := s.shards[i]
		shards.Go(func() error {
			s.runShard(shardCtx, ch)
			return nil
		})
	}
	s.setRunning(true)

	s.dispatcher.Start(context.Background())

	readCtx, stopRead := context.WithCancel(ctx)
	defer stopRead()
	bg, bgCtx := errgroup.WithContext(readCtx)
	bg.Go(func() error {
		err := s.conn.Run(bgCtx, func(raw []byte) { s.route(bgCtx, raw) })
		if err != nil && !stream.IsFatal(err) {
			return err
		}
		return nil
	})
	bg.Go(func() error { s.boundaryLoop(bgCtx); return nil })
	bg.Go(func() error { s.snapshotLoop(bgCtx); return nil })
	bg.Go(func() error { s.pruneLoop(bgCtx); return nil })

	s.log.Info("pipeline running", "workers", s.cfg.Workers, "series", len(s.registry.Keys()))

	<-bgCtx.Done()
	return s.shutdown(stopRead, stopShards, &shards, bg)
}

func (s *Service) shutdown(stopRead, stopShards context.CancelFunc, shards, bg *errgroup.Group) error {
	s.log.Info("shutting down")
	stopRead()

	s.setRunning(false)
	stopShards()
	shards.Wait()

	if err := s.dispatcher.Stop(s.cfg.DrainTimeout); err != nil {
		s.log.Warn("dispatcher drain incomplete", "error", err)
	}

	s.conn.Close()
	runErr := bg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.saveSnapshot(ctx)

	s.log.Info("shutdown complete")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// restore loads the indicator snapshot, rebuilds the stream registry from
// stored subscriptions and warms every series from durable history.
func (s *Service) restore(ctx context.Context) error {
	for _, store := range s.deps.Snapshots {
		_, found, err := s.engine.LoadFrom(ctx, store, s.log)
		if err != nil {
			s.log.Warn("snapshot restore failed, trying next store", "error", err)
			continue
		}
		if found {
			break
		}
	}

	keys, err := s.subs.ActiveStreams(ctx)
	if err != nil {
		return fmt.Errorf("load active streams: %w", err)
	}
	for _, key := range keys {
		subs, err := s.subs.LoadSubscriptions(ctx, key.Symbol, key.Timeframe)
		if err != nil {
			return fmt.Errorf("load subscriptions %s: %w", key, err)
		}
		for i := range subs {
			s.registry.Set(subs[i].SubscriberID, subs[i].Symbol, subs[i].Enabled())
		}
	}

	keys = s.registry.Keys()
	for _, key := range keys {
		if err := s.store.Prime(ctx, key); err != nil {
			s.log.Warn("candle cache prime failed", "key", key.String(), "error", err)
		}
	}
	s.engine.Backfill(ctx, s.deps.Candles, keys, s.cfg.BackfillDepth, s.log)
	s.seriesChanged()

	if err := s.conn.SetDesired(ctx, s.registry.StreamKeys()); err != nil {
		return fmt.Errorf("set stream subscriptions: %w", err)
	}
	return nil
}

// setRunning records whether shard work is being consumed. Subscription
// changes release series through the shards only while it is set.
func (s *Service) setRunning(on bool) {
	s.subMu.Lock()
	s.running = on
	s.subMu.Unlock()
}

func (s *Service) streamFailed(err error) {
	s.m.StreamFatal.Inc()
	s.deps.Health.SetStreamFatal()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	alert := notification.Alert{
		Level:   notification.AlertCritical,
		Title:   "Market data stream lost",
		Message: err.Error(),
	}
	if aerr := s.deps.Alerts.Send(ctx, alert); aerr != nil {
		s.log.Error("operator alert failed", "error", aerr)
	}
}

func (s *Service) snapshotLoop(ctx context.Context) {
	if s.cfg.SnapshotInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.saveSnapshot(ctx)
		}
	}
}

func (s *Service) saveSnapshot(ctx context.Context) {
	for _, store := range s.deps.Snapshots {
		if err := s.engine.SaveTo(ctx, store); err != nil {
			s.log.Warn("indicator snapshot save failed", "error", err)
		}
	}
}

type signalPruner interface {
	PruneSignals(ctx context.Context, before time.Time) (int64, error)
}

// pruneLoop trims signal history older than the retention window hourly.
func (s *Service) pruneLoop(ctx context.Context) {
	p, ok := s.deps.Signals.(signalPruner)
	if !ok || s.cfg.SignalRetention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PruneSignals(ctx, s.now().Add(-s.cfg.SignalRetention))
			if err != nil {
				s.log.Warn("signal history prune failed", "error", err)
			} else if n > 0 {
				s.log.Info("pruned signal history", "rows", n)
			}
		}
	}
}

func (s *Service) seriesChanged() {
	n := len(s.registry.Keys())
	s.m.ActiveSeries.Set(float64(n))
	s.deps.Health.SetActiveSeries(n)
}
