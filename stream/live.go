package stream

import (
	"sync"
)

// Event is one unit of live delivery, fanned out to SSE sessions and
// WebSocket bridges after a commit.
type Event struct {
	// Type is "data" or "control".
	Type string

	// Data event fields. Offset/NextOffset let a subscriber that is still
	// catching up from storage discard events it has already seen.
	Payload    []byte
	Encoding   string // "base64" when the content type is not textual
	Offset     uint64
	NextOffset uint64

	Control *ControlFrame
}

// ControlFrame is the JSON body of a control event.
type ControlFrame struct {
	StreamNextOffset     string `json:"streamNextOffset"`
	UpToDate             bool   `json:"upToDate,omitempty"`
	StreamClosed         bool   `json:"streamClosed,omitempty"`
	StreamCursor         string `json:"streamCursor,omitempty"`
	StreamWriteTimestamp int64  `json:"streamWriteTimestamp,omitempty"`
}

// subscriberBuffer bounds the per-client queue. A client that cannot drain
// this many events is closed rather than back-pressuring the append path.
const subscriberBuffer = 64

// Subscriber is one live consumer (SSE session or WebSocket attachment).
type Subscriber struct {
	Events chan Event
	Done   chan struct{}

	closeOnce sync.Once
}

// Close ends delivery. Safe to call from any side, any number of times.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() { close(s.Done) })
}

// SubscriberSet is the coordinator-owned set of live consumers for one
// stream.
type SubscriberSet struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// NewSubscriberSet creates an empty set.
func NewSubscriberSet() *SubscriberSet {
	return &SubscriberSet{subs: make(map[*Subscriber]struct{})}
}

// Add registers a new subscriber.
func (s *SubscriberSet) Add() *Subscriber {
	sub := &Subscriber{
		Events: make(chan Event, subscriberBuffer),
		Done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// Remove unregisters and closes a subscriber.
func (s *SubscriberSet) Remove(sub *Subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
	sub.Close()
}

// Len returns the number of live subscribers.
func (s *SubscriberSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Broadcast enqueues the events on every subscriber, in order. A subscriber
// whose queue cannot take the whole batch is closed; a slow client must not
// stall the append path or other clients.
func (s *SubscriberSet) Broadcast(events ...Event) {
	s.mu.Lock()
	subs := make([]*Subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		ok := true
		for _, ev := range events {
			select {
			case sub.Events <- ev:
			default:
				ok = false
			}
			if !ok {
				break
			}
		}
		if !ok {
			s.Remove(sub)
		}
	}
}

// CloseAll closes every subscriber (stream delete, close-at-tail).
func (s *SubscriberSet) CloseAll() {
	s.mu.Lock()
	subs := make([]*Subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*Subscriber]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
