// Package eventbus implements the per-workflow broadcast channel that fans
// out durable-engine events to every active stream subscriber (CLI
// attachments, HTTP long-polls, websocket bridges). Modeled on the
// register/publish/close shape of the runtime's synchronous hook bus, but
// broadcasting over buffered channels instead of calling subscribers
// in-line, since stream consumers here run on their own goroutines.
package eventbus

import (
	"sync"
)

// Capacity is the fixed buffer size of every subscriber channel.
const Capacity = 256

// Event is anything the durable engine wants to fan out on a workflow's
// stream; callers pass their own concrete event types through as any.
type Event any

// LaggedEvent is synthesized and delivered to a subscriber the next time it
// has room, once that subscriber has dropped one or more events because its
// channel was full.
type LaggedEvent struct {
	WorkflowID string
	Dropped    int
}

type subscriber struct {
	ch      chan Event
	dropped int
	closed  bool
	mu      sync.Mutex
}

func (s *subscriber) send(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if s.dropped > 0 {
		select {
		case s.ch <- LaggedEvent{Dropped: s.dropped}:
			s.dropped = 0
		default:
			s.dropped++
			return
		}
	}

	select {
	case s.ch <- evt:
	default:
		s.dropped++
	}
}

// Subscription is a handle returned by Subscribe; callers must call Close
// when they stop consuming to free the channel.
type Subscription struct {
	bus        *Bus
	workflowID string
	sub        *subscriber
	closeOnce  sync.Once
}

// Events returns the receive side of the subscriber's channel.
func (s *Subscription) Events() <-chan Event { return s.sub.ch }

// Close removes this subscription from its workflow's channel set and closes
// the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.unsubscribe(s.workflowID, s.sub)
		s.sub.mu.Lock()
		if !s.sub.closed {
			s.sub.closed = true
			close(s.sub.ch)
		}
		s.sub.mu.Unlock()
	})
}

// Bus holds one broadcast fan-out per workflow ID.
type Bus struct {
	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	subscribers map[*subscriber]struct{}
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{streams: make(map[string]*stream)}
}

// Subscribe lazily creates workflowID's channel set and returns a
// Subscription ready to receive subsequent Broadcast calls.
func (b *Bus) Subscribe(workflowID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[workflowID]
	if !ok {
		st = &stream{subscribers: make(map[*subscriber]struct{})}
		b.streams[workflowID] = st
	}

	sub := &subscriber{ch: make(chan Event, Capacity)}
	st.subscribers[sub] = struct{}{}

	return &Subscription{bus: b, workflowID: workflowID, sub: sub}
}

// Broadcast sends evt to every current subscriber of workflowID. If no
// channel exists yet, one is created anyway so a subscriber arriving after
// this call but before the next Broadcast still gets a live stream — it
// simply misses events published before it subscribed, same as any other
// broadcast channel.
func (b *Bus) Broadcast(workflowID string, evt Event) {
	b.mu.Lock()
	st, ok := b.streams[workflowID]
	if !ok {
		st = &stream{subscribers: make(map[*subscriber]struct{})}
		b.streams[workflowID] = st
	}
	subs := make([]*subscriber, 0, len(st.subscribers))
	for sub := range st.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.send(evt)
	}
}

// Cleanup drops workflowID's channel set and closes every pending receiver.
// Subsequent Subscribe calls for the same ID start a fresh channel set.
func (b *Bus) Cleanup(workflowID string) {
	b.mu.Lock()
	st, ok := b.streams[workflowID]
	if ok {
		delete(b.streams, workflowID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	for sub := range st.subscribers {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
}

func (b *Bus) unsubscribe(workflowID string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.streams[workflowID]; ok {
		delete(st.subscribers, sub)
	}
}
