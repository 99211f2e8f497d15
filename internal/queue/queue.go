// Package queue provides a single-consumer FIFO channel.
//
// A Queue decouples producers from exactly one consumer running on the same
// scheduler. With no subscriber, pushed items buffer in order. Once a
// subscriber attaches, the backlog is drained to it first and later pushes
// are delivered synchronously.
//
// A consumer that pushes onto the queue it is consuming does not recurse:
// the item is buffered and delivered after the current call returns. This
// keeps "one item to completion before the next" even under re-entrancy.
package queue

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOnlyOneSubscriber is returned when subscribing to a queue that already
// has a subscriber.
var ErrOnlyOneSubscriber = errors.New("only one subscriber")

// Queue is a FIFO with at most one subscriber.
//
// Thread-safety: all methods are safe for concurrent use. Delivery happens
// on the goroutine that triggered the drain.
type Queue[T any] struct {
	name string

	mu         sync.Mutex
	items      []T
	subscriber func(T)
	draining   bool
}

// New creates an empty queue. The name shows up in errors.
func New[T any](name string) *Queue[T] {
	return &Queue[T]{
		name:  name,
		items: make([]T, 0, 8),
	}
}

// Name returns the queue name.
func (q *Queue[T]) Name() string {
	return q.name
}

// Push enqueues item. If a subscriber is attached and no drain is in
// progress, the item (and anything before it) is delivered before Push
// returns.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	if q.subscriber == nil || q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	q.drain()
}

// Subscribe attaches fn as the single consumer and drains the backlog to it.
func (q *Queue[T]) Subscribe(fn func(T)) error {
	q.mu.Lock()
	if q.subscriber != nil {
		q.mu.Unlock()
		return fmt.Errorf("queue %s: %w", q.name, ErrOnlyOneSubscriber)
	}
	q.subscriber = fn
	if q.draining {
		// Subscribed from inside a delivery; the running drain picks fn up.
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	q.mu.Unlock()

	q.drain()
	return nil
}

// Unsubscribe detaches the consumer. Later pushes buffer again.
func (q *Queue[T]) Unsubscribe() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subscriber = nil
}

// Subscribed reports whether a consumer is attached.
func (q *Queue[T]) Subscribed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.subscriber != nil
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every buffered item and returns how many were dropped.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	clear(q.items)
	q.items = q.items[:0]
	return n
}

// drain delivers buffered items one at a time until the backlog is empty or
// the subscriber detaches. Exactly one drain runs at a time.
func (q *Queue[T]) drain() {
	for {
		q.mu.Lock()
		if q.subscriber == nil || len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		item := q.items[0]

		// Clear the slot so the backing array does not pin delivered items.
		var zero T
		q.items[0] = zero
		if len(q.items) == 1 {
			q.items = q.items[:0]
		} else {
			q.items = q.items[1:]
		}
		fn := q.subscriber
		q.mu.Unlock()

		fn(item)
	}
}
