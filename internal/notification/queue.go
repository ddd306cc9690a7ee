package notification

import (
	"container/heap"
	"context"
	"sync"

	"cryptosignal/internal/model"
)

type entry struct {
	task  model.NotificationTask
	seq   uint64
	index int
}

// taskHeap orders by priority, then arrival.
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// QueueStats is a point-in-time view of the queue.
type QueueStats struct {
	Len        int                    `json:"len"`
	Cap        int                    `json:"cap"`
	Dropped    uint64                 `json:"dropped"`
	ByPriority map[model.Priority]int `json:"by_priority"`
}

// Queue is a bounded priority queue. Push never blocks; when the queue is
// full the lowest-priority, oldest task (the incoming one included) is
// dropped and counted.
type Queue struct {
	mu      sync.Mutex
	h       taskHeap
	cap     int
	seq     uint64
	dropped uint64
	closed  bool
	ready   chan struct{} // signalled on push
	done    chan struct{} // closed by Close
}

// NewQueue creates a queue holding at most capacity tasks.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		h:     make(taskHeap, 0, capacity),
		cap:   capacity,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push adds a task. It returns the task that was dropped to make room, if
// any; that may be t itself.
func (q *Queue) Push(t model.NotificationTask) (dropped *model.NotificationTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.dropped++
		return &t
	}

	q.seq++
	e := &entry{task: t, seq: q.seq}
	if len(q.h) >= q.cap {
		worst := q.worstLocked()
		if t.Priority > worst.task.Priority {
			q.dropped++
			return &t
		}
		heap.Remove(&q.h, worst.index)
		q.dropped++
		d := worst.task
		dropped = &d
	}
	heap.Push(&q.h, e)
	q.signal()
	return dropped
}

// worstLocked finds the lowest-priority entry, oldest among equals.
func (q *Queue) worstLocked() *entry {
	var w *entry
	for _, e := range q.h {
		if w == nil || e.task.Priority > w.task.Priority ||
			(e.task.Priority == w.task.Priority && e.seq < w.seq) {
			w = e
		}
	}
	return w
}

// TryPop removes the highest-priority task without waiting.
func (q *Queue) TryPop() (model.NotificationTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return model.NotificationTask{}, false
	}
	e := heap.Pop(&q.h).(*entry)
	if len(q.h) > 0 {
		q.signal()
	}
	return e.task, true
}

// Pop waits for a task. It returns false when ctx ends, or when the queue
// is closed and empty.
func (q *Queue) Pop(ctx context.Context) (model.NotificationTask, bool) {
	for {
		if t, ok := q.TryPop(); ok {
			return t, true
		}
		select {
		case <-ctx.Done():
			return model.NotificationTask{}, false
		case <-q.done:
			if t, ok := q.TryPop(); ok {
				return t, true
			}
			return model.NotificationTask{}, false
		case <-q.ready:
		}
	}
}

// Close stops accepting tasks and wakes waiting consumers. Queued tasks
// can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Dropped returns how many tasks backpressure discarded.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Stats returns queue depth per priority and the drop count.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := QueueStats{Len: len(q.h), Cap: q.cap, Dropped: q.dropped, ByPriority: make(map[model.Priority]int, 3)}
	for _, e := range q.h {
		st.ByPriority[e.task.Priority]++
	}
	return st
}
