// Package queue implements blocking FIFO queues safe for many producers and
// consumers. A queue hands items over; it never copies or inspects them.
package queue

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue: closed")

// Queue is a FIFO queue guarded by one mutex and two condition variables:
// notEmpty wakes poppers, changed wakes pushers waiting for room and
// WaitForDrain callers.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	changed  *sync.Cond

	items    []T
	head     int
	capacity int // 0 means unbounded
	pushed   uint64
	popped   uint64
	closed   bool
}

// NewFIFO returns an unbounded queue. Push never blocks.
func NewFIFO[T any]() *Queue[T] {
	return newQueue[T](0)
}

// NewBounded returns a queue holding at most capacity items. Push blocks
// while the queue is full.
func NewBounded[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return newQueue[T](capacity)
}

func newQueue[T any](capacity int) *Queue[T] {
	q := &Queue[T]{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.changed = sync.NewCond(&q.mu)
	return q
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

// Push appends item, waiting for room on a bounded queue.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.capacity > 0 && q.lenLocked() >= q.capacity {
		q.changed.Wait()
	}
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, item)
	q.pushed++
	q.notEmpty.Signal()
	return nil
}

// Pop removes the oldest item, blocking while the queue is empty. Items
// queued before Close are still returned; ok is false once the queue is
// closed and empty.
func (q *Queue[T]) Pop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.lenLocked() == 0 {
		q.notEmpty.Wait()
	}
	if q.lenLocked() == 0 {
		return item, false
	}
	return q.popLocked(), true
}

// TryPop is Pop without blocking.
func (q *Queue[T]) TryPop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lenLocked() == 0 {
		return item, false
	}
	return q.popLocked(), true
}

func (q *Queue[T]) popLocked() T {
	var zero T
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	q.popped++
	q.changed.Broadcast()
	return item
}

// WaitForDrain blocks until every pushed item has been popped and returns
// the number of items that passed through the queue.
func (q *Queue[T]) WaitForDrain() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pushed != q.popped {
		q.changed.Wait()
	}
	return q.popped
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Cap returns the capacity, 0 for an unbounded queue.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Close rejects further pushes and wakes every waiter. Queued items stay
// poppable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.changed.Broadcast()
}

// CloseIfEmpty closes the queue only if it holds no items, atomically with
// respect to Push. It reports whether the queue is now closed.
func (q *Queue[T]) CloseIfEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return true
	}
	if q.lenLocked() > 0 {
		return false
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.changed.Broadcast()
	return true
}

func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
