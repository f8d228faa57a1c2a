package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*Subscription
	next int
}

// Filter narrows a subscription beyond its namespace. A nil filter accepts everything.
type Filter func(Event) bool

// Subscription is the handle returned by Subscribe. It must be closed by its owner.
type Subscription struct {
	bus       *Bus
	id        int
	namespace string
	filter    Filter
	ch        chan Event
	once      sync.Once
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	}
}

// Subscribe registers a subscription for events matching the namespace prefix and filter.
// bufSize controls the channel buffer.
func (b *Bus) Subscribe(namespace string, bufSize int, filter Filter) *Subscription {
	sub := &Subscription{
		bus:       b,
		namespace: namespace,
		filter:    filter,
		ch:        make(chan Event, bufSize),
	}
	b.mu.Lock()
	sub.id = b.next
	b.next++
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Events returns the delivery channel. It is never closed; pair reads with Done-style
// cancellation owned by the caller.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unregisters the subscription. No event is delivered after Close returns.
// Safe to call more than once and on a nil receiver.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
}
