package notification

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"cryptosignal/internal/model"
)

func task(id string, p model.Priority) model.NotificationTask {
	return model.NotificationTask{ID: id, Priority: p}
}

func drainIDs(q *Queue) []string {
	var ids []string
	for {
		t, ok := q.TryPop()
		if !ok {
			return ids
		}
		ids = append(ids, t.ID)
	}
}

func TestQueueOrdersByPriorityThenFIFO(t *testing.T) {
	q := NewQueue(10)
	q.Push(task("low1", model.PriorityLow))
	q.Push(task("med1", model.PriorityMedium))
	q.Push(task("high1", model.PriorityHigh))
	q.Push(task("low2", model.PriorityLow))
	q.Push(task("high2", model.PriorityHigh))

	want := []string{"high1", "high2", "med1", "low1", "low2"}
	if diff := cmp.Diff(want, drainIDs(q)); diff != "" {
		t.Errorf("pop order (-want +got):\n%s", diff)
	}
}

func TestQueueBackpressureDropsLowestOldest(t *testing.T) {
	q := NewQueue(3)
	q.Push(task("low1", model.PriorityLow))
	q.Push(task("low2", model.PriorityLow))
	q.Push(task("med", model.PriorityMedium))

	d := q.Push(task("high", model.PriorityHigh))
	if d == nil || d.ID != "low1" {
		t.Fatalf("dropped %v, want low1", d)
	}
	// Incoming LOW against a queue whose worst is LOW: oldest queued LOW goes.
	d = q.Push(task("low3", model.PriorityLow))
	if d == nil || d.ID != "low2" {
		t.Fatalf("dropped %v, want low2", d)
	}
	if q.Dropped() != 2 || q.Len() != 3 {
		t.Fatalf("dropped=%d len=%d, want 2 and 3", q.Dropped(), q.Len())
	}
	want := []string{"high", "med", "low3"}
	if diff := cmp.Diff(want, drainIDs(q)); diff != "" {
		t.Errorf("survivors (-want +got):\n%s", diff)
	}
}

func TestQueueDropsIncomingWhenItIsLowest(t *testing.T) {
	q := NewQueue(2)
	q.Push(task("h1", model.PriorityHigh))
	q.Push(task("m1", model.PriorityMedium))
	d := q.Push(task("l1", model.PriorityLow))
	if d == nil || d.ID != "l1" {
		t.Fatalf("dropped %v, want incoming l1", d)
	}
	if diff := cmp.Diff([]string{"h1", "m1"}, drainIDs(q)); diff != "" {
		t.Errorf("survivors (-want +got):\n%s", diff)
	}
}

func TestQueuePushNeverBlocks(t *testing.T) {
	q := NewQueue(4)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			q.Push(task(fmt.Sprint(i), model.Priority(1+i%3)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Push blocked with no consumer")
	}
	if q.Len() != 4 || q.Dropped() != 9996 {
		t.Errorf("len=%d dropped=%d", q.Len(), q.Dropped())
	}
	st := q.Stats()
	if st.ByPriority[model.PriorityHigh] != 4 {
		t.Errorf("by priority = %v, want 4 high", st.ByPriority)
	}
}

func TestQueuePopWaitsAndCloseReleases(t *testing.T) {
	q := NewQueue(2)
	got := make(chan string, 1)
	go func() {
		tk, ok := q.Pop(context.Background())
		if ok {
			got <- tk.ID
		}
	}()
	time.Sleep(10 * time.Millisecond)
	q.Push(task("x", model.PriorityLow))
	select {
	case id := <-got:
		if id != "x" {
			t.Errorf("popped %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on push")
	}

	released := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, ok := q.Pop(context.Background())
			released <- ok
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()
	for i := 0; i < 2; i++ {
		select {
		case ok := <-released:
			if ok {
				t.Error("Pop on closed empty queue returned a task")
			}
		case <-time.After(time.Second):
			t.Fatal("Close did not release waiting consumers")
		}
	}
	if d := q.Push(task("late", model.PriorityHigh)); d == nil {
		t.Error("push after close accepted")
	}
}
