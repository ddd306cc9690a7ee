package indicator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"cryptosignal/internal/model"
)

// State holds the serialized recurrence state of one indicator instance.
type State struct {
	Type   string `json:"type"` // "EMA", "RSI"
	Period int    `json:"period"`
	Count  int    `json:"count"`

	// EMA fields
	Sum     decimal.Decimal `json:"sum"`
	Current decimal.Decimal `json:"current"`

	// RSI fields
	PrevClose decimal.Decimal `json:"prev_close"`
	AvgGain   decimal.Decimal `json:"avg_gain"`
	AvgLoss   decimal.Decimal `json:"avg_loss"`
}

// SeriesState holds indicator states for one series.
type SeriesState struct {
	Symbol       string          `json:"symbol"`
	Timeframe    model.Timeframe `json:"timeframe"`
	LastOpenTime int64           `json:"last_open_time"`
	Last         *Snapshot       `json:"last,omitempty"`
	Indicators   []State         `json:"indicators"`
}

// EngineState holds the full state of the indicator engine.
type EngineState struct {
	Version int           `json:"version"` // schema version for forward compat
	SavedAt time.Time     `json:"saved_at"`
	Series  []SeriesState `json:"series"`
}

const stateVersion = 1

// State captures the full state of the engine. Series that have not
// applied a closed candle yet are skipped.
func (e *Engine) State() *EngineState {
	st := &EngineState{Version: stateVersion, SavedAt: time.Now().UTC()}
	for _, key := range e.Keys() {
		e.mu.RLock()
		s := e.series[key]
		e.mu.RUnlock()
		if s == nil {
			continue
		}

		s.mu.Lock()
		if s.applied {
			ss := SeriesState{
				Symbol:       key.Symbol,
				Timeframe:    key.Timeframe,
				LastOpenTime: s.lastOpen,
				Indicators:   []State{s.rsi.Snapshot()},
			}
			if s.hasLast {
				last := s.last
				ss.Last = &last
			}
			for _, p := range e.cfg.EMAPeriods {
				ss.Indicators = append(ss.Indicators, s.emas[p].Snapshot())
			}
			st.Series = append(st.Series, ss)
		}
		s.mu.Unlock()
	}
	return st
}

// Restore loads series state into the engine. It is tolerant of config
// changes: indicators are matched by Type+Period rather than by index.
// Matching indicators get their state restored; new indicators stay cold and
// mark the series for backfill. Returns the keys that need backfill.
func (e *Engine) Restore(st *EngineState, log *slog.Logger) (cold []model.SeriesKey) {
	for _, ss := range st.Series {
		key := model.SeriesKey{Symbol: ss.Symbol, Timeframe: ss.Timeframe}
		s := e.newSeries()

		lookup := make(map[string]State, len(ss.Indicators))
		for _, is := range ss.Indicators {
			lookup[is.Type+":"+strconv.Itoa(is.Period)] = is
		}

		restored, missing := 0, 0
		targets := []Indicator{s.rsi}
		for _, p := range e.cfg.EMAPeriods {
			targets = append(targets, s.emas[p])
		}
		for _, ind := range targets {
			snap := ind.Snapshot()
			is, ok := lookup[snap.Type+":"+strconv.Itoa(snap.Period)]
			if !ok {
				missing++
				continue
			}
			if err := ind.Restore(is); err != nil {
				missing++
				continue
			}
			restored++
		}

		if missing > 0 {
			// Partially restored state would disagree on which candles it
			// has seen; start the series cold and backfill it instead.
			log.Warn("indicator state incomplete, cold-starting series",
				"key", key.String(), "restored", restored, "missing", missing)
			cold = append(cold, key)
			continue
		}

		s.applied = true
		s.lastOpen = ss.LastOpenTime
		if ss.Last != nil {
			s.last = *ss.Last
			s.hasLast = true
		}
		e.mu.Lock()
		e.series[key] = s
		e.mu.Unlock()
	}
	return cold
}

// SaveTo writes the engine state to store as JSON.
func (e *Engine) SaveTo(ctx context.Context, store model.SnapshotStore) error {
	data, err := json.Marshal(e.State())
	if err != nil {
		return fmt.Errorf("marshal indicator state: %w", err)
	}
	return store.SaveSnapshotJSON(ctx, data)
}

// LoadFrom restores the engine from the latest snapshot in store. found is
// false for a missing or incompatible snapshot, which is a cold start rather
// than an error.
func (e *Engine) LoadFrom(ctx context.Context, store model.SnapshotStore, log *slog.Logger) (cold []model.SeriesKey, found bool, err error) {
	data, err := store.ReadLatestSnapshotJSON(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("read indicator state: %w", err)
	}
	if data == nil {
		return nil, false, nil
	}
	var st EngineState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false, fmt.Errorf("decode indicator state: %w", err)
	}
	if st.Version != stateVersion {
		log.Warn("indicator snapshot version mismatch, cold starting", "version", st.Version)
		return nil, false, nil
	}
	cold = e.Restore(&st, log)
	log.Info("restored indicator engine", "series", len(st.Series)-len(cold), "cold", len(cold), "saved_at", st.SavedAt)
	return cold, true, nil
}
