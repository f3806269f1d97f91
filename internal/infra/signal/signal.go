// Package signal provides the two stream shapes UI collaborators consume:
//
//   - Signal: a current value with replay-on-subscribe. A late subscriber
//     immediately receives the last published value, and slow subscribers
//     only ever see the newest one.
//   - Feed: a stream of discrete events with no replay. Events are dropped
//     for a subscriber whose buffer is full.
package signal

import "sync"

// ─── Signal ─────────────────────────────────────────────────────────────────

// Signal holds a value and pushes every change to subscribers.
type Signal[T any] struct {
	mu    sync.Mutex
	value T
	subs  map[int]chan T
	next  int
}

// New creates a signal seeded with initial.
func New[T any](initial T) *Signal[T] {
	return &Signal[T]{value: initial, subs: make(map[int]chan T)}
}

// Value returns the last published value.
func (s *Signal[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Publish stores v and delivers it to every subscriber.
func (s *Signal[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = v
	for _, ch := range s.subs {
		offerLatest(ch, v)
	}
}

// Update applies fn to the current value under the signal's lock and
// publishes the result.
func (s *Signal[T]) Update(fn func(T) T) T {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = fn(s.value)
	for _, ch := range s.subs {
		offerLatest(ch, s.value)
	}
	return s.value
}

// Subscribe returns a channel that immediately yields the current value and
// then every later one. The returned func unsubscribes and closes the channel;
// calling it more than once is safe.
func (s *Signal[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 1)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	ch <- s.value
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
}

// SubscriberCount returns the number of live subscribers.
func (s *Signal[T]) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// offerLatest replaces any undelivered value with v. Callers hold the
// signal lock, so nobody else sends on ch concurrently.
func offerLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}

// ─── Feed ───────────────────────────────────────────────────────────────────

// DefaultFeedBuffer is the per-subscriber buffer used by NewFeed(0).
const DefaultFeedBuffer = 32

// Feed fans discrete events out to subscribers without replay.
type Feed[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	next   int
	buffer int
}

// NewFeed creates a feed whose subscribers buffer up to buffer events.
func NewFeed[T any](buffer int) *Feed[T] {
	if buffer <= 0 {
		buffer = DefaultFeedBuffer
	}
	return &Feed[T]{subs: make(map[int]chan T), buffer: buffer}
}

// Publish delivers ev to every subscriber that has room for it.
// It reports how many subscribers received the event.
func (f *Feed[T]) Publish(ev T) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	delivered := 0
	for _, ch := range f.subs {
		select {
		case ch <- ev:
			delivered++
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
	return delivered
}

// Subscribe returns a channel of future events and an idempotent unsubscribe func.
func (f *Feed[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, f.buffer)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			close(ch)
			f.mu.Unlock()
		})
	}
}

// SubscriberCount returns the number of live subscribers.
func (f *Feed[T]) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
