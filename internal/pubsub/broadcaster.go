// Package pubsub publishes the latest value of a collection to any number of
// subscribers. A new subscriber receives the current value immediately; slow
// subscribers only ever see the most recent value.
package pubsub

import (
	"sync"
)

// Broadcaster holds a current value and fans it out to subscribers
type Broadcaster[T any] struct {
	mu      sync.RWMutex
	current T
	subs    map[uint64]*Subscription[T]
	nextID  uint64
	closed  bool
}

// Subscription receives published values on C until Unsubscribe is called
type Subscription[T any] struct {
	C <-chan T

	ch     chan T
	id     uint64
	parent *Broadcaster[T]
	mapFn  func(T) T
	once   sync.Once
}

// New creates a broadcaster seeded with initial
func New[T any](initial T) *Broadcaster[T] {
	return &Broadcaster[T]{
		current: initial,
		subs:    make(map[uint64]*Subscription[T]),
	}
}

// Value returns the current value
func (b *Broadcaster[T]) Value() T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Publish replaces the current value and delivers it to every subscriber
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.current = v
	for _, sub := range b.subs {
		sub.deliver(v)
	}
}

// Update applies fn to the current value under the write lock and publishes the result
func (b *Broadcaster[T]) Update(fn func(T) T) T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return b.current
	}
	b.current = fn(b.current)
	for _, sub := range b.subs {
		sub.deliver(b.current)
	}
	return b.current
}

// Subscribe returns a subscription that already holds the current value
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	return b.SubscribeMap(nil)
}

// SubscribeMap is Subscribe with a per-subscriber transform applied before delivery
func (b *Broadcaster[T]) SubscribeMap(fn func(T) T) *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, 1)
	sub := &Subscription[T]{
		C:      ch,
		ch:     ch,
		id:     b.nextID,
		parent: b,
		mapFn:  fn,
	}
	b.nextID++

	if b.closed {
		close(ch)
		return sub
	}

	b.subs[sub.id] = sub
	sub.deliver(b.current)
	return sub
}

// Len returns the number of live subscriptions
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close releases every subscription. Later publishes are dropped.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Unsubscribe detaches the subscription and closes C. Safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		b := s.parent
		b.mu.Lock()
		defer b.mu.Unlock()

		if _, ok := b.subs[s.id]; ok {
			delete(b.subs, s.id)
			close(s.ch)
		}
	})
}

// deliver must be called with the parent lock held
func (s *Subscription[T]) deliver(v T) {
	if s.mapFn != nil {
		v = s.mapFn(v)
	}
	// drop the stale value so the newest one always fits
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- v:
	default:
	}
}
