package indicator

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"cryptosignal/internal/model"
)

// Config lists the indicators computed for every series.
type Config struct {
	RSIPeriod  int         `yaml:"rsi_period"`
	EMAPeriods []int       `yaml:"ema_periods"`
	CrossPairs []CrossPair `yaml:"cross_pairs"`
}

// DefaultConfig returns RSI(14), EMA 20/50/100/200 and the 20/50 and
// 50/200 crossovers.
func DefaultConfig() Config {
	return Config{
		RSIPeriod:  14,
		EMAPeriods: []int{20, 50, 100, 200},
		CrossPairs: []CrossPair{{Short: 20, Long: 50}, {Short: 50, Long: 200}},
	}
}

// MaxPeriod returns the longest lookback in the config.
func (c Config) MaxPeriod() int {
	m := c.RSIPeriod
	for _, p := range c.EMAPeriods {
		if p > m {
			m = p
		}
	}
	return m
}

// Reading is an indicator output; Ready is false while history is short.
type Reading struct {
	Value float64 `json:"value"`
	Ready bool    `json:"ready"`
}

// Snapshot is the indicator view of one series at one candle.
type Snapshot struct {
	Symbol    string          `json:"symbol"`
	Timeframe model.Timeframe `json:"timeframe"`
	OpenTime  int64           `json:"open_time"`
	Price     decimal.Decimal `json:"price"`
	RSI       Reading         `json:"rsi"`
	EMA       map[int]Reading `json:"ema"`
	Crosses   []Crossover     `json:"crosses,omitempty"`
	Live      bool            `json:"live"`
}

// series holds live indicator instances for one (symbol, timeframe).
type series struct {
	mu       sync.Mutex
	rsi      *RSI
	emas     map[int]*EMA
	applied  bool
	lastOpen int64
	last     Snapshot
	hasLast  bool
}

// Engine computes RSI, EMAs and crossovers for many series. Access to one
// series is serialized by its own lock; different series update in parallel.
type Engine struct {
	cfg Config

	mu     sync.RWMutex
	series map[model.SeriesKey]*series
}

// NewEngine creates an indicator engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg,
		series: make(map[model.SeriesKey]*series, 64),
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Update applies a closed candle. It returns false, leaving state untouched,
// when a candle at or before the last applied open time is offered again.
func (e *Engine) Update(c model.Candle) (Snapshot, bool) {
	s := e.get(c.Key())
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.apply(s, c)
}

func (e *Engine) apply(s *series, c model.Candle) (Snapshot, bool) {
	if s.applied && c.OpenTime <= s.lastOpen {
		return Snapshot{}, false
	}

	prev := make(map[int]Reading, len(s.emas))
	for p, ema := range s.emas {
		v, ok := ema.Value()
		prev[p] = Reading{Value: v, Ready: ok}
	}

	s.rsi.Update(c)
	for _, ema := range s.emas {
		ema.Update(c)
	}
	s.applied = true
	s.lastOpen = c.OpenTime

	snap := e.read(s, c, false)
	for _, pair := range e.cfg.CrossPairs {
		sp, lp := prev[pair.Short], prev[pair.Long]
		sc, lc := snap.EMA[pair.Short], snap.EMA[pair.Long]
		if !sp.Ready || !lp.Ready || !sc.Ready || !lc.Ready {
			continue
		}
		if dir := DetectCross(sp.Value, sc.Value, lp.Value, lc.Value); dir != CrossNone {
			snap.Crosses = append(snap.Crosses, Crossover{Pair: pair, Direction: dir})
		}
	}
	s.last = snap
	s.hasLast = true
	return snap, true
}

// Peek computes live values for an in-progress candle using Peek().
// Does NOT mutate indicator state.
func (e *Engine) Peek(c model.Candle) Snapshot {
	s := e.get(c.Key())
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.read(s, c, true)
}

// Current returns the snapshot produced by the last closed candle.
func (e *Engine) Current(key model.SeriesKey) (Snapshot, bool) {
	e.mu.RLock()
	s, ok := e.series[key]
	e.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// LastOpenTime returns the open time of the last applied candle for key.
func (e *Engine) LastOpenTime(key model.SeriesKey) (int64, bool) {
	e.mu.RLock()
	s, ok := e.series[key]
	e.mu.RUnlock()
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOpen, s.applied
}

// Warm feeds closed history for one series, oldest first. A series that is
// still cold, or whose last applied candle does not line up with the
// history, is rebuilt from the history alone; otherwise candles already
// covered by the current state are skipped. Returns the number applied.
func (e *Engine) Warm(candles []model.Candle) int {
	if len(candles) == 0 {
		return 0
	}
	s := e.get(candles[0].Key())
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied && !s.continues(candles) {
		e.reset(s)
	}
	n := 0
	for _, c := range candles {
		if _, ok := e.apply(s, c); ok {
			n++
		}
	}
	return n
}

// continues reports whether a warm series can be extended by candles
// without replaying them from scratch.
func (s *series) continues(candles []model.Candle) bool {
	if !s.ready() {
		return false
	}
	first, last := candles[0], candles[len(candles)-1]
	if s.lastOpen >= last.OpenTime || s.lastOpen+first.Timeframe.Millis() == first.OpenTime {
		return true
	}
	for _, c := range candles {
		if c.OpenTime == s.lastOpen {
			return true
		}
	}
	return false
}

func (s *series) ready() bool {
	if _, ok := s.rsi.Value(); !ok {
		return false
	}
	for _, ema := range s.emas {
		if _, ok := ema.Value(); !ok {
			return false
		}
	}
	return true
}

// Keys returns every series the engine holds, sorted.
func (e *Engine) Keys() []model.SeriesKey {
	e.mu.RLock()
	keys := make([]model.SeriesKey, 0, len(e.series))
	for k := range e.series {
		keys = append(keys, k)
	}
	e.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Drop forgets a series, e.g. after its last subscriber left.
func (e *Engine) Drop(key model.SeriesKey) {
	e.mu.Lock()
	delete(e.series, key)
	e.mu.Unlock()
}

func (e *Engine) read(s *series, c model.Candle, live bool) Snapshot {
	snap := Snapshot{
		Symbol:    c.Symbol,
		Timeframe: c.Timeframe,
		OpenTime:  c.OpenTime,
		Price:     c.Close,
		EMA:       make(map[int]Reading, len(s.emas)),
		Live:      live,
	}
	var v float64
	var ok bool
	if live {
		v, ok = s.rsi.Peek(c)
	} else {
		v, ok = s.rsi.Value()
	}
	snap.RSI = Reading{Value: v, Ready: ok}
	for p, ema := range s.emas {
		if live {
			v, ok = ema.Peek(c)
		} else {
			v, ok = ema.Value()
		}
		snap.EMA[p] = Reading{Value: v, Ready: ok}
	}
	return snap
}

func (e *Engine) get(key model.SeriesKey) *series {
	e.mu.RLock()
	s, ok := e.series[key]
	e.mu.RUnlock()
	if ok {
		return s
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok = e.series[key]; ok {
		return s
	}
	s = e.newSeries()
	e.series[key] = s
	return s
}

// newSeries creates fresh indicator instances from the config.
func (e *Engine) newSeries() *series {
	s := &series{}
	e.reset(s)
	return s
}

// reset discards everything s has applied. Callers hold s.mu or own s.
func (e *Engine) reset(s *series) {
	s.rsi = NewRSI(e.cfg.RSIPeriod)
	s.emas = make(map[int]*EMA, len(e.cfg.EMAPeriods))
	for _, p := range e.cfg.EMAPeriods {
		s.emas[p] = NewEMA(p)
	}
	s.applied, s.lastOpen = false, 0
	s.last, s.hasLast = Snapshot{}, false
}
