// Package ringbuf provides a bounded FIFO window of closed candles. Once the
// window is full every push evicts the oldest entry. Access recency plays no
// role; a time series only ever loses its oldest bars.
//
// A Window is not safe for concurrent use; callers serialize per series.
package ringbuf

import "cryptosignal/internal/model"

// Window is a fixed-capacity circular buffer of candles ordered by insertion.
type Window struct {
	buf  []model.Candle
	head int // index of the oldest element
	size int

	// Eviction counter (for metrics)
	evicted uint64
}

// New creates a window holding at most capacity candles. Minimum capacity is 1.
func New(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]model.Candle, capacity)}
}

// Push appends c as the newest entry. Returns true when the oldest entry was
// evicted to make room.
func (w *Window) Push(c model.Candle) bool {
	if w.size < len(w.buf) {
		w.buf[(w.head+w.size)%len(w.buf)] = c
		w.size++
		return false
	}
	w.buf[w.head] = c
	w.head = (w.head + 1) % len(w.buf)
	w.evicted++
	return true
}

// Last returns up to n newest entries ordered oldest to newest.
func (w *Window) Last(n int) []model.Candle {
	if n > w.size {
		n = w.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]model.Candle, n)
	start := w.head + w.size - n
	for i := 0; i < n; i++ {
		out[i] = w.buf[(start+i)%len(w.buf)]
	}
	return out
}

// Reset replaces the contents with cs (oldest first), keeping the newest
// entries when cs exceeds the capacity.
func (w *Window) Reset(cs []model.Candle) {
	w.head, w.size = 0, 0
	if len(cs) > len(w.buf) {
		cs = cs[len(cs)-len(w.buf):]
	}
	for _, c := range cs {
		w.Push(c)
	}
}

// Len returns the current number of items in the window.
func (w *Window) Len() int { return w.size }

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Evicted returns the total number of entries dropped by Push.
func (w *Window) Evicted() uint64 { return w.evicted }
