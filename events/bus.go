// Package events fans domain events out to in-process subscribers.
//
// Publish never blocks the caller. Every subscription owns a bounded queue;
// a subscriber that lets its queue fill up is dropped with ErrSlowConsumer
// instead of slowing down the publisher or other subscribers. Events of one
// repository reach a subscriber in publication order as long as the
// publisher serializes them, which the repository manager does.
package events

import (
	"sync"

	"github.com/pkg/errors"
)

const DefaultBufferSize = 64

var ErrSlowConsumer = errors.New("subscriber dropped: queue full")

// Recorder receives bus metrics. A nil Recorder is allowed.
type Recorder interface {
	EventPublished(t Type)
	SubscriberDropped()
}

// Filter selects events. Zero values match everything.
type Filter struct {
	RepositoryID string
	Types        []Type
	// Restricted hides private events from everyone but their owner,
	// who is named by Viewer.
	Restricted bool
	Viewer     string
}

func (f Filter) Matches(e Event) bool {
	if f.RepositoryID != "" && f.RepositoryID != e.RepositoryID {
		return false
	}
	if f.Restricted && e.Private && (f.Viewer == "" || f.Viewer != e.Owner) {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

type Bus struct {
	mu       sync.RWMutex
	subs     map[uint64]*Subscription
	nextID   uint64
	closed   bool
	recorder Recorder
}

func NewBus(recorder Recorder) *Bus {
	return &Bus{
		subs:     make(map[uint64]*Subscription),
		recorder: recorder,
	}
}

// Subscribe registers a subscription with a queue of bufferSize events.
// Subscribing to a closed bus returns an already closed subscription.
func (b *Bus) Subscribe(filter Filter, bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	sub := &Subscription{
		bus:    b,
		filter: filter,
		ch:     make(chan Event, bufferSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.shutdown(nil)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers e to every matching subscription without blocking.
func (b *Bus) Publish(e Event) {
	var dropped []*Subscription

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	for _, sub := range b.subs {
		if !sub.filter.Matches(e) {
			continue
		}
		if !sub.offer(e) {
			dropped = append(dropped, sub)
		}
	}
	b.mu.RUnlock()

	if b.recorder != nil {
		b.recorder.EventPublished(e.Type)
	}
	for _, sub := range dropped {
		b.remove(sub)
		if b.recorder != nil {
			b.recorder.SubscriberDropped()
		}
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.shutdown(nil)
		delete(b.subs, id)
	}
}

// Subscription is a bounded queue of events. C is closed when the
// subscription ends; Err then tells whether it was dropped.
type Subscription struct {
	id     uint64
	bus    *Bus
	filter Filter
	ch     chan Event

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Err returns ErrSlowConsumer if the subscription was dropped, nil otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) Filter() Filter {
	return s.filter
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.shutdown(nil)
	s.bus.remove(s)
}

func (s *Subscription) offer(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		s.closed = true
		s.err = ErrSlowConsumer
		close(s.ch)
		return false
	}
}

func (s *Subscription) shutdown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}
