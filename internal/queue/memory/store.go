package memory

import (
	"container/heap"
	"container/list"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// store is the ordering policy behind a Queue. Implementations are not safe
// for concurrent use; Queue serializes access.
type store interface {
	push(req *crawler.Request)
	pop() *crawler.Request
	// restore puts back an item that was handed out but never consumed.
	restore(req *crawler.Request)
	len() int
}

type fifoStore struct{ items list.List }

func (s *fifoStore) push(req *crawler.Request)    { s.items.PushBack(req) }
func (s *fifoStore) restore(req *crawler.Request) { s.items.PushFront(req) }
func (s *fifoStore) len() int                     { return s.items.Len() }

func (s *fifoStore) pop() *crawler.Request {
	front := s.items.Front()
	if front == nil {
		return nil
	}
	return s.items.Remove(front).(*crawler.Request)
}

type lifoStore struct{ items []*crawler.Request }

func (s *lifoStore) push(req *crawler.Request) { s.items = append(s.items, req) }
func (s *lifoStore) len() int                  { return len(s.items) }

// restore puts a cancelled hand-off back on top, ahead of items pushed meanwhile.
func (s *lifoStore) restore(req *crawler.Request) { s.push(req) }

func (s *lifoStore) pop() *crawler.Request {
	n := len(s.items)
	if n == 0 {
		return nil
	}
	req := s.items[n-1]
	s.items[n-1] = nil
	s.items = s.items[:n-1]
	return req
}

// item is a priority heap entry. seq breaks ties in insertion order.
type item struct {
	req *crawler.Request
	seq uint64
}

type itemHeap []item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = item{}
	*h = old[:n-1]
	return it
}

type priorityStore struct {
	items itemHeap
	seq   uint64
}

func (s *priorityStore) push(req *crawler.Request) {
	s.seq++
	heap.Push(&s.items, item{req: req, seq: s.seq})
}

// restore uses sequence 0: the item predates everything pushed while it was
// handed out.
func (s *priorityStore) restore(req *crawler.Request) {
	heap.Push(&s.items, item{req: req})
}

func (s *priorityStore) len() int { return s.items.Len() }

func (s *priorityStore) pop() *crawler.Request {
	if s.items.Len() == 0 {
		return nil
	}
	return heap.Pop(&s.items).(item).req
}
