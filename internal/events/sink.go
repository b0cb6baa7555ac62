// Package events delivers values from the capture and control paths to
// consumers without ever blocking the producer.
package events

import (
	"sync"
	"sync/atomic"
)

// Policy decides which value is lost when a subscriber's buffer is full.
type Policy int

const (
	// DropNewest discards the value being published.
	DropNewest Policy = iota
	// DropOldest evicts the oldest buffered value so the latest one is kept.
	DropOldest
)

// Sink fans values out to subscribers in publish order. Each subscriber has
// its own bounded buffer; Publish never waits on a slow subscriber.
type Sink[T any] struct {
	capacity int
	policy   Policy

	mu     sync.RWMutex
	subs   map[uint64]chan T
	nextID uint64
	closed bool

	// Serializes publishers so every subscriber observes the same order.
	pubMu sync.Mutex

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a sink whose subscribers buffer up to capacity values.
func New[T any](capacity int, policy Policy) *Sink[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Sink[T]{
		capacity: capacity,
		policy:   policy,
		subs:     make(map[uint64]chan T),
	}
}

// Subscribe returns a channel of published values and a func that ends the
// subscription and closes the channel. Subscribing to a closed sink returns
// an already closed channel.
func (s *Sink[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, s.capacity)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { s.unsubscribe(id) })
	}
}

func (s *Sink[T]) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// Publish offers v to every subscriber and reports whether all of them
// accepted it without a drop.
func (s *Sink[T]) Publish(v T) bool {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	s.published.Add(1)

	delivered := true
	for _, ch := range s.subs {
		if !s.offer(ch, v) {
			delivered = false
			s.dropped.Add(1)
		}
	}
	return delivered
}

func (s *Sink[T]) offer(ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	default:
	}

	if s.policy == DropNewest {
		return false
	}

	// Evict one and retry once; a concurrent receiver may have made room.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
	return false
}

// Published is the number of values accepted by Publish.
func (s *Sink[T]) Published() uint64 {
	return s.published.Load()
}

// Dropped is the number of per-subscriber deliveries lost to a full buffer.
// It never decreases.
func (s *Sink[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (s *Sink[T]) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Close ends all subscriptions. Later publishes are ignored.
func (s *Sink[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
