// Package broadcast provides a bounded fan-out channel where every subscriber
// reads at its own pace from a shared ring buffer.
//
// Sending never blocks. A subscriber that falls more than the buffer capacity
// behind the head is moved forward to the oldest retained value and told how
// many values it missed through a *LaggedError on its next Recv.
//
//	ch := broadcast.New[string](16)
//	sub := ch.Subscribe()
//	defer sub.Close()
//
//	ch.Send("hello")
//
//	v, err := sub.Recv(ctx)
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned once the channel is closed and a subscriber has
	// drained everything still buffered for it.
	ErrClosed = errors.New("broadcast: channel closed")

	// ErrNoSubscribers is returned by Send when nobody is listening. The value
	// is not retained.
	ErrNoSubscribers = errors.New("broadcast: no subscribers")

	// ErrSubscriptionClosed is returned by Recv after Subscription.Close.
	ErrSubscriptionClosed = errors.New("broadcast: subscription closed")
)

// LaggedError reports that a subscriber was overrun and Skipped values were
// dropped for it.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("broadcast: lagged by %d messages", e.Skipped)
}

// Channel is a multi-producer, multi-consumer broadcast queue.
// All methods are safe for concurrent use.
type Channel[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     uint64 // position of the next value to be written
	subs     int
	closed   bool
	notify   chan struct{} // closed and replaced on every Send and on Close
	capacity uint64
}

// New creates a channel retaining up to capacity values. A capacity below 1
// is raised to 1.
func New[T any](capacity int) *Channel[T] {
	capacity = max(capacity, 1)
	return &Channel[T]{
		buf:      make([]T, capacity),
		notify:   make(chan struct{}),
		capacity: uint64(capacity),
	}
}

// Capacity returns the number of values retained for slow subscribers
func (c *Channel[T]) Capacity() int {
	return int(c.capacity)
}

// Send publishes v to every current subscriber and returns how many there
// were. It never blocks.
func (c *Channel[T]) Send(v T) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if c.subs == 0 {
		return 0, ErrNoSubscribers
	}

	c.buf[c.head%c.capacity] = v
	c.head++
	c.wakeLocked()

	return c.subs, nil
}

// Subscribe returns a subscription that observes values sent from now on.
// Subscribing to a closed channel returns a subscription whose first Recv
// reports ErrClosed.
func (c *Channel[T]) Subscribe() *Subscription[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := &Subscription[T]{ch: c, next: c.head}
	if !c.closed {
		c.subs++
		sub.counted = true
	}
	return sub
}

// SubscriberCount returns the number of open subscriptions
func (c *Channel[T]) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs
}

// Close stops the channel. Subscribers drain what is still buffered for them
// and then receive ErrClosed. Close is idempotent.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.wakeLocked()
}

// IsClosed reports whether Close has been called
func (c *Channel[T]) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel[T]) wakeLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// Publisher returns a send-only view of the channel
func (c *Channel[T]) Publisher() Publisher[T] {
	return Publisher[T]{ch: c}
}

// Publisher can send on a Channel but not subscribe to or close it.
type Publisher[T any] struct {
	ch *Channel[T]
}

// Send publishes v. See Channel.Send.
func (p Publisher[T]) Send(v T) (int, error) {
	if p.ch == nil {
		return 0, ErrClosed
	}
	return p.ch.Send(v)
}

// Subscription is one subscriber's cursor into a Channel. A Subscription must
// be used by a single goroutine.
type Subscription[T any] struct {
	ch      *Channel[T]
	next    uint64
	counted bool
	closed  bool
}

// Recv returns the next value, blocking until one is sent, the channel is
// closed or ctx is done. A *LaggedError means values were dropped; the
// following Recv resumes at the oldest retained value.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	c := s.ch

	for {
		c.mu.Lock()
		if s.closed {
			c.mu.Unlock()
			return zero, ErrSubscriptionClosed
		}

		if s.next < c.head {
			if behind := c.head - s.next; behind > c.capacity {
				oldest := c.head - c.capacity
				skipped := oldest - s.next
				s.next = oldest
				c.mu.Unlock()
				return zero, &LaggedError{Skipped: skipped}
			}
			v := c.buf[s.next%c.capacity]
			s.next++
			c.mu.Unlock()
			return v, nil
		}

		if c.closed {
			c.mu.Unlock()
			return zero, ErrClosed
		}

		wait := c.notify
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close releases the subscription. It is idempotent.
func (s *Subscription[T]) Close() {
	c := s.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.counted {
		c.subs--
		s.counted = false
	}
}
