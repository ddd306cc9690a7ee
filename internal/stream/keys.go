package stream

import (
	"fmt"
	"sort"
	"strings"

	"cryptosignal/internal/model"
)

// StreamKey returns the exchange stream name for a series,
// e.g. "btcusdt@kline_1h".
func StreamKey(key model.SeriesKey) string {
	return strings.ToLower(key.Symbol) + "@kline_" + string(key.Timeframe)
}

// ParseStreamKey inverts StreamKey.
func ParseStreamKey(s string) (model.SeriesKey, error) {
	sym, tf, ok := strings.Cut(s, "@kline_")
	if !ok || sym == "" {
		return model.SeriesKey{}, fmt.Errorf("stream key %q: missing @kline_", s)
	}
	t, err := model.ParseTimeframe(tf)
	if err != nil {
		return model.SeriesKey{}, fmt.Errorf("stream key %q: %w", s, err)
	}
	return model.SeriesKey{Symbol: strings.ToUpper(sym), Timeframe: t}, nil
}

// Diff returns the keys to subscribe and to unsubscribe to move from
// current to desired, both sorted.
func Diff(current, desired map[string]bool) (added, removed []string) {
	for k := range desired {
		if !current[k] {
			added = append(added, k)
		}
	}
	for k := range current {
		if !desired[k] {
			removed = append(removed, k)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
