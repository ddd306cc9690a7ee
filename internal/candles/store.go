// Package candles maintains the rolling OHLCV series per (symbol, timeframe).
//
// Each series has at most one in-progress candle. Exchange ticks update it in
// place until the bucket closes, either because the exchange flagged the
// tick as final, the tick's event time reached the bucket close time, or the
// boundary timer fired. Closed candles are persisted to the durable store and
// appended to a bounded cache that serves recent-history reads.
package candles

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"cryptosignal/internal/model"
)

// DefaultCacheSize is the number of closed candles cached per series.
const DefaultCacheSize = 500

// Cache holds a bounded FIFO window of closed candles per series.
type Cache interface {
	// Append adds a closed candle, evicting the oldest once the window is full.
	Append(ctx context.Context, c model.Candle) error

	// Recent returns up to n cached candles for key, oldest first.
	Recent(ctx context.Context, key model.SeriesKey, n int) ([]model.Candle, error)

	// Replace overwrites the window for key with cs (oldest first).
	Replace(ctx context.Context, key model.SeriesKey, cs []model.Candle) error
}

// Result is the outcome of one ingested tick.
type Result struct {
	// Current is the in-progress candle after the tick, nil when the tick
	// closed its bucket.
	Current *model.Candle

	// Closed holds the candles finalized by this tick, oldest first. A tick
	// from a newer bucket closes the stale current candle before opening its
	// own, so there can be two.
	Closed []model.Candle
}

// seriesState is the mutable state of one series, guarded by mu.
type seriesState struct {
	mu        sync.Mutex
	current   *model.Candle
	lastEvent int64

	hasClosed  bool
	lastClosed int64 // open time of the newest closed candle

	loaded bool // cache holds everything durable storage had
	dirty  bool // a cache write failed since the last load
}

// Store is the candle store. Methods are safe for concurrent use; calls for
// the same series are serialized.
type Store struct {
	repo      model.CandleRepository
	cache     Cache
	cacheSize int
	log       *slog.Logger

	mu     sync.Mutex
	series map[model.SeriesKey]*seriesState

	// Metrics hooks
	OnDropped      func(reason string)  // tick rejected (optional)
	OnClosed       func(c model.Candle) // candle finalized (optional)
	OnPersistError func(err error)      // durable or cache write failed (optional)
}

// NewStore creates a candle store. cacheSize <= 0 selects DefaultCacheSize.
func NewStore(repo model.CandleRepository, cache Cache, cacheSize int, log *slog.Logger) *Store {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Store{
		repo:      repo,
		cache:     cache,
		cacheSize: cacheSize,
		log:       log.With("component", "candles"),
		series:    make(map[model.SeriesKey]*seriesState, 64),
	}
}

// Ingest applies one tick. Malformed, stale, duplicate and out-of-order
// ticks are rejected with model.ErrDataValidation and leave state untouched.
func (s *Store) Ingest(ctx context.Context, t model.Tick) (Result, error) {
	if err := t.Validate(); err != nil {
		s.dropped("invalid")
		return Result{}, err
	}
	st := s.get(t.Key())
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.hasClosed && t.OpenTime <= st.lastClosed {
		s.dropped("closed_bucket")
		return Result{}, fmt.Errorf("%w: %s bucket %d already closed", model.ErrDataValidation, t.Key(), t.OpenTime)
	}
	if t.EventTime != 0 && t.EventTime < st.lastEvent {
		s.dropped("out_of_order")
		return Result{}, fmt.Errorf("%w: %s event time %d before %d", model.ErrDataValidation, t.Key(), t.EventTime, st.lastEvent)
	}

	var res Result
	if cur := st.current; cur != nil {
		switch {
		case t.OpenTime < cur.OpenTime:
			s.dropped("stale_bucket")
			return Result{}, fmt.Errorf("%w: %s bucket %d behind current %d", model.ErrDataValidation, t.Key(), t.OpenTime, cur.OpenTime)
		case t.OpenTime > cur.OpenTime:
			// New bucket: finalize the forming candle first.
			res.Closed = append(res.Closed, s.finalize(ctx, st))
		}
	}

	if st.current == nil {
		c := model.NewCandle(t)
		st.current = &c
	} else {
		// Same bucket: merge. Volume fields carry the exchange's running
		// bucket totals, so they replace rather than accumulate.
		cur := st.current
		if t.High.GreaterThan(cur.High) {
			cur.High = t.High
		}
		if t.Low.LessThan(cur.Low) {
			cur.Low = t.Low
		}
		cur.Close = t.Close
		cur.Volume = t.Volume
		cur.QuoteVolume = t.QuoteVolume
		cur.TradeCount = t.TradeCount
	}
	if t.EventTime > st.lastEvent {
		st.lastEvent = t.EventTime
	}

	if t.Closed || (t.EventTime != 0 && t.EventTime >= st.current.CloseTime) {
		res.Closed = append(res.Closed, s.finalize(ctx, st))
		return res, nil
	}
	cur := *st.current
	res.Current = &cur
	return res, nil
}

// DueKeys returns series whose in-progress candle closes at or before nowMs.
func (s *Store) DueKeys(nowMs int64) []model.SeriesKey {
	s.mu.Lock()
	all := make(map[model.SeriesKey]*seriesState, len(s.series))
	for k, st := range s.series {
		all[k] = st
	}
	s.mu.Unlock()

	var due []model.SeriesKey
	for k, st := range all {
		st.mu.Lock()
		if st.current != nil && st.current.CloseTime <= nowMs {
			due = append(due, k)
		}
		st.mu.Unlock()
	}
	sort.Slice(due, func(i, j int) bool { return due[i].String() < due[j].String() })
	return due
}

// CloseIfDue is the explicit boundary-closing event: it finalizes the
// in-progress candle of key when its bucket ended at or before nowMs.
func (s *Store) CloseIfDue(ctx context.Context, key model.SeriesKey, nowMs int64) (model.Candle, bool) {
	st := s.get(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.current == nil || st.current.CloseTime > nowMs {
		return model.Candle{}, false
	}
	return s.finalize(ctx, st), true
}

// Current returns a copy of the in-progress candle for key.
func (s *Store) Current(key model.SeriesKey) (model.Candle, bool) {
	s.mu.Lock()
	st, ok := s.series[key]
	s.mu.Unlock()
	if !ok {
		return model.Candle{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.current == nil {
		return model.Candle{}, false
	}
	return *st.current, true
}

// GetRecent returns up to n closed candles, oldest first. The cache answers
// when it is known to mirror durable storage; otherwise durable storage is
// read and the cache refilled.
func (s *Store) GetRecent(ctx context.Context, symbol string, tf model.Timeframe, n int) ([]model.Candle, error) {
	if n <= 0 {
		return nil, nil
	}
	key := model.SeriesKey{Symbol: symbol, Timeframe: tf}
	st := s.get(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	if n <= s.cacheSize && st.loaded && !st.dirty {
		cs, err := s.cache.Recent(ctx, key, n)
		if err == nil {
			return cs, nil
		}
		s.log.Warn("cache read failed, falling back to durable store", "key", key.String(), "error", err)
		st.dirty = true
	}

	depth := n
	if depth < s.cacheSize {
		depth = s.cacheSize
	}
	cs, err := s.repo.LoadRecentCandles(ctx, symbol, tf, depth)
	if err != nil {
		return nil, fmt.Errorf("load recent candles %s: %w", key, err)
	}
	s.refill(ctx, key, st, cs)
	if len(cs) > n {
		cs = cs[len(cs)-n:]
	}
	return cs, nil
}

// Prime loads the newest durable candles for key into the cache and records
// the last closed bucket so a restart does not reopen it.
func (s *Store) Prime(ctx context.Context, key model.SeriesKey) error {
	cs, err := s.repo.LoadRecentCandles(ctx, key.Symbol, key.Timeframe, s.cacheSize)
	if err != nil {
		return fmt.Errorf("prime %s: %w", key, err)
	}
	st := s.get(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	s.refill(ctx, key, st, cs)
	return nil
}

// Forget drops all in-memory state for key.
func (s *Store) Forget(key model.SeriesKey) {
	s.mu.Lock()
	delete(s.series, key)
	s.mu.Unlock()
}

// refill replaces the cache window. Caller holds st.mu.
func (s *Store) refill(ctx context.Context, key model.SeriesKey, st *seriesState, cs []model.Candle) {
	if n := len(cs); n > 0 {
		newest := cs[n-1].OpenTime
		if !st.hasClosed || newest > st.lastClosed {
			st.hasClosed = true
			st.lastClosed = newest
		}
	}
	window := cs
	if len(window) > s.cacheSize {
		window = window[len(window)-s.cacheSize:]
	}
	if err := s.cache.Replace(ctx, key, window); err != nil {
		s.log.Warn("cache refill failed", "key", key.String(), "error", err)
		s.persistError(err)
		st.dirty = true
		return
	}
	st.loaded = true
	st.dirty = false
}

// finalize closes the current candle, persists it and appends it to the
// cache. Caller holds st.mu.
func (s *Store) finalize(ctx context.Context, st *seriesState) model.Candle {
	c := *st.current
	c.Closed = true
	st.current = nil
	st.hasClosed = true
	st.lastClosed = c.OpenTime

	if err := s.repo.SaveCandle(ctx, c); err != nil {
		s.log.Error("persist closed candle failed", "key", c.Key().String(), "open_time", c.OpenTime, "error", err)
		s.persistError(err)
	}
	if err := s.cache.Append(ctx, c); err != nil {
		s.log.Warn("cache append failed, marking series dirty", "key", c.Key().String(), "error", err)
		s.persistError(err)
		st.dirty = true
	}
	if s.OnClosed != nil {
		s.OnClosed(c)
	}
	return c
}

func (s *Store) get(key model.SeriesKey) *seriesState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.series[key]
	if !ok {
		st = &seriesState{}
		s.series[key] = st
	}
	return st
}

func (s *Store) dropped(reason string) {
	if s.OnDropped != nil {
		s.OnDropped(reason)
	}
}

func (s *Store) persistError(err error) {
	if s.OnPersistError != nil {
		s.OnPersistError(err)
	}
}
