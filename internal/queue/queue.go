// Package queue provides the FIFO queues between the frontend producer and
// the backend processing goroutine.
package queue

import (
	"sync"
	"time"

	"github.com/mapstack/scenegraph/internal/timeutil"
)

// Queue is an unbounded, mutex-guarded FIFO. Producers never block; the
// single consumer waits on Poll with a timeout so it can observe shutdown.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	clock  timeutil.Clock
}

// New returns an empty queue. A nil clock uses the real clock.
func New[T any](clock timeutil.Clock) *Queue[T] {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Queue[T]{
		notify: make(chan struct{}, 1),
		clock:  clock,
	}
}

// Push appends an item and wakes a waiting Poll.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest item without waiting.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// Front returns the oldest item without removing it.
func (q *Queue[T]) Front() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Poll waits up to timeout for an item and pops it. A zero timeout does not
// wait.
func (q *Queue[T]) Poll(timeout time.Duration) (T, bool) {
	if item, ok := q.Pop(); ok {
		return item, true
	}
	if timeout <= 0 {
		var zero T
		return zero, false
	}

	timer := q.clock.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			if item, ok := q.Pop(); ok {
				return item, true
			}
		case <-timer.C():
			return q.Pop()
		}
	}
}

// Drain removes and returns every queued item in order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
