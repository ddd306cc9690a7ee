package candles

import (
	"context"
	"sync"

	"cryptosignal/internal/model"
	"cryptosignal/internal/ringbuf"
)

// MemoryCache is an in-process Cache backed by one ringbuf.Window per series.
type MemoryCache struct {
	size int

	mu      sync.Mutex
	windows map[model.SeriesKey]*ringbuf.Window
}

// NewMemoryCache creates a cache holding size candles per series.
func NewMemoryCache(size int) *MemoryCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &MemoryCache{size: size, windows: make(map[model.SeriesKey]*ringbuf.Window)}
}

func (m *MemoryCache) window(key model.SeriesKey) *ringbuf.Window {
	w, ok := m.windows[key]
	if !ok {
		w = ringbuf.New(m.size)
		m.windows[key] = w
	}
	return w
}

func (m *MemoryCache) Append(_ context.Context, c model.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window(c.Key()).Push(c)
	return nil
}

func (m *MemoryCache) Recent(_ context.Context, key model.SeriesKey, n int) ([]model.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok {
		return nil, nil
	}
	return w.Last(n), nil
}

func (m *MemoryCache) Replace(_ context.Context, key model.SeriesKey, cs []model.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window(key).Reset(cs)
	return nil
}

// Evicted returns the total number of candles evicted across all series.
func (m *MemoryCache) Evicted() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n uint64
	for _, w := range m.windows {
		n += w.Evicted()
	}
	return n
}
