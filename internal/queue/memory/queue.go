// Package memory provides the in-process work queues: FIFO, LIFO and
// priority ordered.
package memory

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// ErrQueueClosed is returned by Pop once the queue is closed.
var ErrQueueClosed = errors.New("queue closed")

// Queue is an unbounded, blocking queue of requests. Push never blocks; Pop
// waits for an item, serving waiters in the order they arrived.
type Queue struct {
	mu      sync.Mutex
	items   store
	waiters list.List
	closed  bool
}

type waiter struct {
	ch        chan *crawler.Request
	elem      *list.Element
	delivered bool
}

// NewFIFO returns a first-in, first-out queue.
func NewFIFO() *Queue { return &Queue{items: &fifoStore{}} }

// NewLIFO returns a last-in, first-out queue.
func NewLIFO() *Queue { return &Queue{items: &lifoStore{}} }

// NewPriority returns a queue serving higher Request.Priority first and equal
// priorities in insertion order.
func NewPriority() *Queue { return &Queue{items: &priorityStore{}} }

// Registry returns the queue factories selectable from configuration.
func Registry() *crawler.Registry[func() crawler.Queue] {
	r := crawler.NewRegistry[func() crawler.Queue]("queue")
	r.Register("fifo", func() crawler.Queue { return NewFIFO() })
	r.Register("lifo", func() crawler.Queue { return NewLIFO() })
	r.Register("priority", func() crawler.Queue { return NewPriority() })
	return r
}

// Push adds req, handing it straight to the longest-waiting Pop if any.
func (q *Queue) Push(req *crawler.Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if front := q.waiters.Front(); front != nil {
		w := q.waiters.Remove(front).(*waiter)
		w.delivered = true
		w.ch <- req
		return
	}
	q.items.push(req)
}

// Pop removes and returns the next request, blocking until one is available.
// On cancellation it returns the context error and no item is lost.
func (q *Queue) Pop(ctx context.Context) (*crawler.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dequeue canceled: %w", err)
	}
	q.mu.Lock()
	if req := q.items.pop(); req != nil {
		q.mu.Unlock()
		return req, nil
	}
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	w := &waiter{ch: make(chan *crawler.Request, 1)}
	w.elem = q.waiters.PushBack(w)
	q.mu.Unlock()

	select {
	case req, ok := <-w.ch:
		if !ok {
			return nil, ErrQueueClosed
		}
		return req, nil
	case <-ctx.Done():
		q.mu.Lock()
		defer q.mu.Unlock()
		if !w.delivered {
			q.waiters.Remove(w.elem)
		} else if req, ok := <-w.ch; ok {
			q.items.restore(req)
		}
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	}
}

// Len reports the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.len()
}

// Close wakes every waiting Pop with ErrQueueClosed. Queued items can still be
// popped. Closing twice is safe.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for e := q.waiters.Front(); e != nil; e = q.waiters.Front() {
		w := q.waiters.Remove(e).(*waiter)
		w.delivered = true
		close(w.ch)
	}
}
