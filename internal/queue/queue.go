// Package queue provides the bounded drop-oldest channel used between
// producers (discovery, copy-signal scanner) and their consumers.
package queue

import (
	"sync"
	"sync/atomic"
)

// DropOldest is a bounded FIFO. When full, Push evicts the oldest item so
// producers never block and consumers always see the freshest events.
type DropOldest[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	pushed  atomic.Int64
	dropped atomic.Int64
}

// New creates a queue holding at most size items.
func New[T any](size int) *DropOldest[T] {
	if size <= 0 {
		size = 1
	}
	return &DropOldest[T]{ch: make(chan T, size)}
}

// Push enqueues v and reports whether an older item was evicted.
func (q *DropOldest[T]) Push(v T) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	for {
		select {
		case q.ch <- v:
			q.pushed.Add(1)
			return dropped
		default:
		}
		select {
		case <-q.ch:
			dropped = true
			q.dropped.Add(1)
		default:
		}
	}
}

// C returns the receive side.
func (q *DropOldest[T]) C() <-chan T { return q.ch }

func (q *DropOldest[T]) Len() int { return len(q.ch) }

// Close closes the channel; later pushes are ignored.
func (q *DropOldest[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Stats returns pushed and dropped counts.
func (q *DropOldest[T]) Stats() (pushed, dropped int64) {
	return q.pushed.Load(), q.dropped.Load()
}
