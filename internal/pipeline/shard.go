package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cespare/xxhash/v2"

	"cryptosignal/internal/indicator"
	"cryptosignal/internal/logger"
	"cryptosignal/internal/model"
	"cryptosignal/internal/stream"
)

// work is one unit for a shard: a tick to ingest, a boundary close for a
// series whose bucket ended without a closing tick, or the release of a
// series nobody follows any more.
type work struct {
	tick    model.Tick
	close   bool
	release bool
	key     model.SeriesKey
	at      int64 // boundary close: wall clock minus grace, ms
}

func (w work) seriesKey() model.SeriesKey {
	if w.close || w.release {
		return w.key
	}
	return w.tick.Key()
}

// shardFor pins a series to one shard so its ticks are processed in order.
func (s *Service) shardFor(key model.SeriesKey) chan work {
	h := xxhash.Sum64String(key.String())
	return s.shards[h%uint64(len(s.shards))]
}

func (s *Service) submit(ctx context.Context, w work) {
	select {
	case s.shardFor(w.seriesKey()) <- w:
	case <-ctx.Done():
	}
}

// route decodes one stream frame and hands the tick to its shard.
func (s *Service) route(ctx context.Context, raw []byte) {
	tick, ok, err := stream.ParseMessage(raw)
	if err != nil {
		s.m.TicksDropped.WithLabelValues("malformed").Inc()
		s.log.Warn("bad stream frame", "error", err)
		return
	}
	if !ok {
		return
	}
	s.m.TicksTotal.Inc()
	s.deps.Health.SetLastTickTime(s.now())
	s.submit(ctx, work{tick: tick})
}

// runShard processes work until ctx ends, then drains what is buffered.
func (s *Service) runShard(ctx context.Context, ch chan work) {
	for {
		select {
		case w := <-ch:
			s.process(w)
		case <-ctx.Done():
			for {
				select {
				case w := <-ch:
					s.process(w)
				default:
					return
				}
			}
		}
	}
}

// boundaryLoop closes candles whose bucket has ended but whose closing tick
// never arrived, once the grace period has passed.
func (s *Service) boundaryLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.BoundaryTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			at := now.Add(-s.cfg.CloseGrace).UnixMilli()
			for _, key := range s.store.DueKeys(at) {
				s.submit(ctx, work{close: true, key: key, at: at})
			}
		}
	}
}

// process runs on the series' shard. Durable writes use a background
// context so a shutdown does not cut them short.
func (s *Service) process(w work) {
	ctx := context.Background()
	if s.registry.Owners(w.seriesKey()) == 0 {
		switch {
		case w.release:
			s.release(w.key)
		case !w.close:
			s.m.TicksDropped.WithLabelValues("unsubscribed").Inc()
		}
		return
	}
	if w.release {
		// Re-subscribed before the release got here.
		return
	}
	if w.close {
		if c, ok := s.store.CloseIfDue(ctx, w.key, w.at); ok {
			ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(w.key.String(), time.UnixMilli(c.OpenTime)))
			s.closed(ctx, c, 0)
		}
		return
	}

	t := w.tick
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(t.Key().String(), time.UnixMilli(t.EventTime)))
	res, err := s.store.Ingest(ctx, t)
	if err != nil {
		s.log.Debug("tick rejected", append(logger.LogWithTrace(ctx), "error", err)...)
		return
	}
	for _, c := range res.Closed {
		s.closed(ctx, c, t.EventTime)
	}
	if res.Current != nil {
		snap := s.engine.Peek(*res.Current)
		s.publish(ctx, snap)
		s.evaluate(ctx, snap, t.EventTime)
	}
}

// release drops the candle and indicator state of a series.
func (s *Service) release(key model.SeriesKey) {
	s.store.Forget(key)
	s.engine.Drop(key)
}

// closed feeds a finalized candle to the indicators and evaluates the result.
func (s *Service) closed(ctx context.Context, c model.Candle, eventMs int64) {
	start := time.Now()
	snap, ok := s.engine.Update(c)
	s.m.IndicatorUpdateDur.Observe(time.Since(start).Seconds())
	if !ok {
		return
	}
	s.publish(ctx, snap)
	s.evaluate(ctx, snap, eventMs)
}

func (s *Service) publish(ctx context.Context, snap indicator.Snapshot) {
	if s.deps.Publisher == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	key := model.SeriesKey{Symbol: snap.Symbol, Timeframe: snap.Timeframe}
	if err := s.deps.Publisher.Publish(ctx, key, snap.Live, data); err != nil {
		s.log.Debug("indicator publish failed", append(logger.LogWithTrace(ctx), "error", err)...)
	}
}

func (s *Service) evaluate(ctx context.Context, snap indicator.Snapshot, eventMs int64) {
	n, err := s.evaluator.Evaluate(ctx, snap)
	if err != nil {
		s.m.EvaluateErrors.Inc()
		s.log.Warn("signal evaluation failed", append(logger.LogWithTrace(ctx),
			"key", snap.Symbol+":"+string(snap.Timeframe), "error", err)...)
	}
	if n > 0 && eventMs > 0 {
		s.m.TickToSignal.Observe(float64(s.now().UnixMilli()-eventMs) / 1000)
	}
}
