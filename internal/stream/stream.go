package stream

import (
	"context"
	"sync"

	"qrattend.org/internal/attendance"
)

// Filter selects the events a subscriber wants; nil accepts everything.
type Filter func(attendance.Event) bool

type subscriber struct {
	ch     chan attendance.Event
	filter Filter
}

// Stream fan-outs attendance events to all active subscribers (SSE clients).
type Stream struct {
	mu     sync.RWMutex
	subs   map[int]subscriber
	next   int
	buffer int
}

var _ attendance.Notifier = (*Stream)(nil)

// New initialises an empty stream. buffer is the per-subscriber queue depth.
func New(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream{subs: make(map[int]subscriber), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, filter Filter) <-chan attendance.Event {
	ch := make(chan attendance.Event, s.buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, filter: filter}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all matching subscribers.
func (s *Stream) Publish(evt attendance.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Notify implements attendance.Notifier.
func (s *Stream) Notify(_ context.Context, evt attendance.Event) { s.Publish(evt) }

// Subscribers reports the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// ForIssuer matches events about tokens created by issuer.
func ForIssuer(issuer string) Filter {
	return func(evt attendance.Event) bool { return evt.Issuer == issuer }
}

// ForToken matches events about a single token.
func ForToken(token string) Filter {
	return func(evt attendance.Event) bool { return evt.Token == token }
}
