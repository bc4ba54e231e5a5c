package stream

import (
	"testing"
	"time"
)

func isResolved(w *Waiter) bool {
	select {
	case <-w.C:
		return true
	default:
		return false
	}
}

func TestWaiterQueueNotify(t *testing.T) {
	q := NewWaiterQueue()
	behind := q.Park(10, "/s?offset=a&live=long-poll")
	ahead := q.Park(50, "/s?offset=b&live=long-poll")

	q.Notify(20, 0)

	if !isResolved(behind) {
		t.Error("waiter behind the new tail must wake")
	}
	if isResolved(ahead) {
		t.Error("waiter ahead of the new tail must stay parked")
	}
	if q.Len() != 1 {
		t.Errorf("expected 1 parked waiter, got %d", q.Len())
	}

	// Equal target does not wake: the tail must pass the offset.
	q.Notify(50, 0)
	if isResolved(ahead) {
		t.Error("waiter at the new tail must stay parked")
	}
}

func TestWaiterQueueStagger(t *testing.T) {
	q := NewWaiterQueue()
	var waiters []*Waiter
	for i := 0; i < 4; i++ {
		waiters = append(waiters, q.Park(0, "/s?offset=0&live=long-poll"))
	}

	q.Notify(10, 40*time.Millisecond)

	// Exactly one scout wakes immediately.
	scouts := 0
	for _, w := range waiters {
		if isResolved(w) {
			scouts++
		}
	}
	if scouts != 1 {
		t.Errorf("expected exactly 1 scout, got %d", scouts)
	}

	// Everyone is awake once the stagger window elapses.
	deadline := time.After(500 * time.Millisecond)
	for _, w := range waiters {
		select {
		case <-w.C:
		case <-deadline:
			t.Fatal("waiter not resolved within stagger window")
		}
	}
}

func TestWaiterQueueRemove(t *testing.T) {
	q := NewWaiterQueue()
	w := q.Park(5, "/s")
	q.Remove(w)
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
	q.Notify(100, 0)
	if isResolved(w) {
		t.Error("removed waiter must not resolve")
	}
}

func TestWaiterQueueNotifyAll(t *testing.T) {
	q := NewWaiterQueue()
	a := q.Park(5, "/s")
	b := q.Park(500, "/s")
	q.NotifyAll()
	if !isResolved(a) || !isResolved(b) {
		t.Error("NotifyAll must resolve every waiter")
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
}

func TestReadyWaiters(t *testing.T) {
	q := NewWaiterQueue()
	q.Park(10, "/s?offset=x")
	q.Park(10, "/s?offset=x")
	q.Park(90, "/s?offset=y")

	ready := q.ReadyWaiters(50)
	if len(ready) != 1 {
		t.Fatalf("expected 1 distinct ready URL, got %d", len(ready))
	}
	if target, ok := ready["/s?offset=x"]; !ok || target != 10 {
		t.Errorf("unexpected ready set: %+v", ready)
	}
	// Peeking must not unpark anyone.
	if q.Len() != 3 {
		t.Errorf("expected 3 parked waiters, got %d", q.Len())
	}
}
