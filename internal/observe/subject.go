// Package observe provides a small multi-subscriber value stream.
//
// A Subject remembers the last published value and replays it to new
// subscribers. Slow subscribers never block a publisher: when a subscriber's
// buffer is full the oldest buffered value is dropped, so the most recent value
// is always delivered.
package observe

import (
	"sync"
)

const defaultBuffer = 16

type Subject[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	last   T
	has    bool
	closed bool
	buffer int
}

// Subscription receives values from a Subject until Unsubscribe is called.
type Subscription[T any] struct {
	ch      chan T
	subject *Subject[T]
	once    sync.Once
}

// NewSubject returns a subject whose subscribers buffer up to buffer values.
// A buffer below one uses the default size.
func NewSubject[T any](buffer int) *Subject[T] {
	if buffer < 1 {
		buffer = defaultBuffer
	}
	return &Subject[T]{
		subs:   make(map[*Subscription[T]]struct{}),
		buffer: buffer,
	}
}

// Publish records v as the latest value and delivers it to every subscriber.
func (s *Subject[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.last = v
	s.has = true

	for sub := range s.subs {
		deliver(sub.ch, v)
	}
}

// Last returns the most recently published value.
func (s *Subject[T]) Last() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.has
}

// Subscribe registers a new subscriber. If a value was already published it is
// immediately available on the subscription channel.
func (s *Subject[T]) Subscribe() *Subscription[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscription[T]{
		ch:      make(chan T, s.buffer),
		subject: s,
	}
	if s.closed {
		close(sub.ch)
		return sub
	}
	if s.has {
		sub.ch <- s.last
	}
	s.subs[sub] = struct{}{}
	return sub
}

// Observe calls fn for every value on its own goroutine until the returned function is called.
func (s *Subject[T]) Observe(fn func(T)) (unsubscribe func()) {
	sub := s.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := range sub.ch {
			fn(v)
		}
	}()
	return func() {
		sub.Unsubscribe()
		<-done
	}
}

// Subscribers returns the number of active subscriptions.
func (s *Subject[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close ends every subscription. Later publishes are ignored.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		close(sub.ch)
		delete(s.subs, sub)
	}
}

// C is the channel values are delivered on. It is closed on Unsubscribe or when the subject closes.
func (sub *Subscription[T]) C() <-chan T {
	return sub.ch
}

// Unsubscribe stops delivery and closes the channel. Safe to call more than once.
func (sub *Subscription[T]) Unsubscribe() {
	sub.once.Do(func() {
		s := sub.subject
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			close(sub.ch)
		}
	})
}

func deliver[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	// full: drop the oldest buffered value
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
