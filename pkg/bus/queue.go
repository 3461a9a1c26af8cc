package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

// ErrClosed is returned by Send on a closed queue and by Recv once a
// closed queue has been drained.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded multi-producer single-consumer FIFO. Send never
// blocks. Values are delivered in the order producers enqueued them.
type Queue[T any] struct {
	mu     sync.Mutex
	items  *linkedlistqueue.Queue
	closed bool
	ready  chan struct{}
	done   chan struct{}
}

// NewQueue returns an empty open queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		items: linkedlistqueue.New(),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Send appends v to the queue.
func (q *Queue[T]) Send(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items.Enqueue(v)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// TryRecv removes and returns the head of the queue, if any.
func (q *Queue[T]) TryRecv() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.items.Dequeue()
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Recv blocks until a value is available, the queue is closed and empty,
// or ctx is done.
func (q *Queue[T]) Recv(ctx context.Context) (T, error) {
	for {
		if v, ok := q.TryRecv(); ok {
			return v, nil
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			// a Send may have raced with Close
			if v, ok := q.TryRecv(); ok {
				return v, nil
			}
			var zero T
			return zero, ErrClosed
		}
		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Ready returns a channel that receives a value after one or more Sends.
// Notifications coalesce: after waking up the consumer must drain the
// queue with TryRecv.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Done returns a channel that is closed when the queue is closed.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

// Close closes the queue. Values already queued can still be received.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Size()
}
