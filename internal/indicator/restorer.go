package indicator

import (
	"context"
	"log/slog"

	"cryptosignal/internal/model"
)

// Backfill reads recent closed candles for each key and feeds the ones newer
// than the engine state. depth is the number of candles read per series; it
// should be a few multiples of the longest period so the Wilder and EMA
// recurrences converge. Returns the number of candles applied.
func (e *Engine) Backfill(ctx context.Context, repo model.CandleRepository, keys []model.SeriesKey, depth int, log *slog.Logger) int {
	if repo == nil || depth <= 0 {
		return 0
	}
	total := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		candles, err := repo.LoadRecentCandles(ctx, key.Symbol, key.Timeframe, depth)
		if err != nil {
			log.Warn("backfill read failed", "key", key.String(), "error", err)
			continue
		}
		n := e.Warm(candles)
		total += n
		if n > 0 {
			log.Debug("backfilled series", "key", key.String(), "candles", n)
		}
	}
	if total > 0 {
		log.Info("backfilled indicator engine", "series", len(keys), "candles", total)
	}
	return total
}
