package stream

import (
	"sort"
	"sync"

	"cryptosignal/internal/model"
)

// Registry ref-counts stream keys by subscriber so a stream stays open while
// anyone still wants it.
type Registry struct {
	mu     sync.Mutex
	owners map[model.SeriesKey]map[int64]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{owners: make(map[model.SeriesKey]map[int64]bool)}
}

// Set replaces the timeframes subscriber follows for symbol. It returns the
// series that gained their first owner and the ones that lost their last.
func (r *Registry) Set(subscriber int64, symbol string, tfs []model.Timeframe) (opened, closed []model.SeriesKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[model.Timeframe]bool, len(tfs))
	for _, tf := range tfs {
		want[tf] = true
	}
	for key, subs := range r.owners {
		if key.Symbol != symbol || want[key.Timeframe] || !subs[subscriber] {
			continue
		}
		delete(subs, subscriber)
		if len(subs) == 0 {
			delete(r.owners, key)
			closed = append(closed, key)
		}
	}
	for tf := range want {
		key := model.SeriesKey{Symbol: symbol, Timeframe: tf}
		subs, ok := r.owners[key]
		if !ok {
			subs = make(map[int64]bool)
			r.owners[key] = subs
			opened = append(opened, key)
		}
		subs[subscriber] = true
	}
	sortKeys(opened)
	sortKeys(closed)
	return opened, closed
}

// Remove drops subscriber from every timeframe of symbol.
func (r *Registry) Remove(subscriber int64, symbol string) (closed []model.SeriesKey) {
	_, closed = r.Set(subscriber, symbol, nil)
	return closed
}

// Keys returns every series with at least one owner, sorted.
func (r *Registry) Keys() []model.SeriesKey {
	r.mu.Lock()
	keys := make([]model.SeriesKey, 0, len(r.owners))
	for k := range r.owners {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sortKeys(keys)
	return keys
}

// Owners returns how many subscribers hold key.
func (r *Registry) Owners(key model.SeriesKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owners[key])
}

// StreamKeys converts the registry contents to exchange stream names.
func (r *Registry) StreamKeys() []string {
	keys := r.Keys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = StreamKey(k)
	}
	return out
}

func sortKeys(keys []model.SeriesKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}
