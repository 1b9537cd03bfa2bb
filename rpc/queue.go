package rpc

import (
	"context"
	"sync"

	"capnproto.org/go/capnp/v3/exp/mpsc"
)

// queue is an unbounded multi-producer single-consumer queue. push never blocks.
//
// pop and drain may only be called by the consumer.
type queue[T any] struct {
	q *mpsc.Queue[T]

	mu     sync.Mutex
	closed bool
	n      int

	// set by drain, the receive end is spent after it
	drained bool
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{q: mpsc.New[T]()}
}

// push appends v, returning false if the queue was closed.
func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.q.Send(v)
	q.n++

	return true
}

// pop blocks until an item is available. Items pushed before close are still returned,
// after that pop returns false.
func (q *queue[T]) pop() (T, bool) {
	var zero T
	if q.drained {
		return zero, false
	}

	v, err := q.q.Recv(context.Background())
	if err != nil {
		return zero, false
	}

	q.mu.Lock()
	q.n--
	q.mu.Unlock()

	return v, true
}

// close stops accepting new items and wakes the consumer.
func (q *queue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		_ = q.q.Close()
	}
}

// drain closes the queue and returns everything still in it.
func (q *queue[T]) drain() []T {
	q.close()

	var items []T
	for !q.drained {
		v, ok := q.q.TryRecv()
		if !ok {
			q.drained = true
			break
		}
		items = append(items, v)
	}

	q.mu.Lock()
	q.n = 0
	q.mu.Unlock()

	return items
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}
