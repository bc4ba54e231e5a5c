package stream

import (
	"sync"
	"time"
)

// A Waiter is a parked long-poll request. It resolves at most once: C is
// closed on wake; timeout and disconnect are handled by the parking request
// itself, which then removes the waiter.
type Waiter struct {
	// Target is the offset the request is waiting to see surpassed.
	Target uint64

	// URL is the canonical request URL, used for pre-cache warming.
	URL string

	C chan struct{}

	once sync.Once
}

func newWaiter(target uint64, url string) *Waiter {
	return &Waiter{Target: target, URL: url, C: make(chan struct{})}
}

func (w *Waiter) resolve() {
	w.once.Do(func() { close(w.C) })
}

// WaiterQueue parks long-poll waiters for one stream and wakes them when the
// tail advances past their target.
type WaiterQueue struct {
	mu      sync.Mutex
	waiters map[*Waiter]struct{}
}

// NewWaiterQueue creates an empty queue.
func NewWaiterQueue() *WaiterQueue {
	return &WaiterQueue{waiters: make(map[*Waiter]struct{})}
}

// Park registers a waiter for the given target offset.
func (q *WaiterQueue) Park(target uint64, url string) *Waiter {
	w := newWaiter(target, url)
	q.mu.Lock()
	q.waiters[w] = struct{}{}
	q.mu.Unlock()
	return w
}

// Remove unregisters a waiter without resolving it (timeout or disconnect).
func (q *WaiterQueue) Remove(w *Waiter) {
	q.mu.Lock()
	delete(q.waiters, w)
	q.mu.Unlock()
}

// Len returns the number of parked waiters.
func (q *WaiterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// ReadyWaiters returns the distinct request URLs that Notify(newTail) would
// wake, each with its target offset. The append pipeline warms the response
// cache for these before actually waking anyone.
func (q *WaiterQueue) ReadyWaiters(newTail uint64) map[string]uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	ready := make(map[string]uint64)
	for w := range q.waiters {
		if w.Target < newTail {
			ready[w.URL] = w.Target
		}
	}
	return ready
}

// Notify wakes every waiter whose target is behind newTail. With a stagger
// and at least two ready waiters, the first ("scout") wakes immediately so
// its response lands in the edge cache first; the rest are spread uniformly
// over the stagger window.
func (q *WaiterQueue) Notify(newTail uint64, stagger time.Duration) {
	q.mu.Lock()
	var ready []*Waiter
	for w := range q.waiters {
		if w.Target < newTail {
			ready = append(ready, w)
			delete(q.waiters, w)
		}
	}
	q.mu.Unlock()

	if len(ready) == 0 {
		return
	}
	if stagger <= 0 || len(ready) < 2 {
		for _, w := range ready {
			w.resolve()
		}
		return
	}

	ready[0].resolve()
	step := stagger / time.Duration(len(ready)-1)
	for i, w := range ready[1:] {
		w := w
		time.AfterFunc(time.Duration(i+1)*step, w.resolve)
	}
}

// NotifyAll resolves every parked waiter regardless of target (stream
// deletion).
func (q *WaiterQueue) NotifyAll() {
	q.mu.Lock()
	var all []*Waiter
	for w := range q.waiters {
		all = append(all, w)
	}
	q.waiters = make(map[*Waiter]struct{})
	q.mu.Unlock()

	for _, w := range all {
		w.resolve()
	}
}
