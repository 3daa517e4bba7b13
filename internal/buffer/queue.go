package buffer

import (
	"context"
	"sync"
	"time"
)

// Queue is an unbounded work queue with optional head placement for
// priority items. Pop blocks with a bounded wait so a single consumer
// can observe shutdown promptly.
type Queue[T any] struct {
	mutex  sync.Mutex
	items  []T
	signal chan struct{}
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		signal: make(chan struct{}, 1),
	}
}

// Push appends an item to the back of the queue.
func (q *Queue[T]) Push(item T) {
	q.mutex.Lock()
	q.items = append(q.items, item)
	q.mutex.Unlock()
	q.wake()
}

// PushFront places an item ahead of everything already queued.
// Items already handed to the consumer are not preempted.
func (q *Queue[T]) PushFront(item T) {
	q.mutex.Lock()
	q.items = append([]T{item}, q.items...)
	q.mutex.Unlock()
	q.wake()
}

// Pop removes the head of the queue, waiting up to wait for an item.
// It returns ok == false when the wait expires or the context is done.
func (q *Queue[T]) Pop(ctx context.Context, wait time.Duration) (item T, ok bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		q.mutex.Lock()
		if len(q.items) > 0 {
			item, q.items = q.items[0], q.items[1:]
			q.mutex.Unlock()
			return item, true
		}
		q.mutex.Unlock()
		select {
		case <-ctx.Done():
			return item, false
		case <-timer.C:
			return item, false
		case <-q.signal:
			// an item arrived, loop and claim it
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}

func (q *Queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
