// ============================================================================
// Unbounded Priority Queue
// ============================================================================
//
// Package: internal/queue
// File: priority.go
// Purpose: Priority-ordered pool queue for descriptors with use_priority
//
// Ordering: higher Priority() dequeues first; equal priorities keep
// submission order via a monotonic sequence number. Work that does not
// implement Prioritized runs at priority zero.
//
// The queue is unbounded, so Put never applies backpressure and the
// re-entrant bypass is moot here.
//
// ============================================================================

package queue

import (
	"container/heap"
	"sync"

	"github.com/crestforge/workmanager/internal/work"
)

// Prioritized is implemented by work that wants priority ordering. Higher
// values dequeue first.
type Prioritized interface {
	Priority() int
}

// WorkPriority returns the scheduling priority of w, zero when w does not
// expose one.
func WorkPriority(w work.Work) int {
	if p, ok := w.(Prioritized); ok {
		return p.Priority()
	}
	return 0
}

type priorityItem struct {
	w        work.Work
	priority int
	seq      uint64
}

type priorityHeap []priorityItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) { *h = append(*h, x.(priorityItem)) }

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Priority is the unbounded priority-ordered pool queue.
type Priority struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   priorityHeap
	seq    uint64
	closed bool
}

// NewPriority creates an empty priority queue.
func NewPriority() *Priority {
	q := &Priority{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put enqueues w. The queue is unbounded, so Put never blocks for
// backpressure.
func (q *Priority) Put(w work.Work) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.seq++
	heap.Push(&q.heap, priorityItem{w: w, priority: WorkPriority(w), seq: q.seq})
	q.cond.Broadcast()
	return nil
}

// Take dequeues the highest-priority instance, blocking while the queue
// is empty and open.
func (q *Priority) Take() (work.Work, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.heap.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.heap.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&q.heap).(priorityItem)
	return item.w, true
}

// Remove drains every entry equal to w and reports whether any was
// removed.
func (q *Priority) Remove(w work.Work) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.heap[:0]
	removed := false
	for _, item := range q.heap {
		if w.Equals(item.w) {
			removed = true
			continue
		}
		kept = append(kept, item)
	}
	if removed {
		q.heap = kept
		heap.Init(&q.heap)
	}
	return removed
}

// Drain removes and returns everything currently queued, in priority
// order.
func (q *Priority) Drain() []work.Work {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]work.Work, 0, q.heap.Len())
	for q.heap.Len() > 0 {
		drained = append(drained, heap.Pop(&q.heap).(priorityItem).w)
	}
	return drained
}

// Len returns the number of queued instances.
func (q *Priority) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Close stops accepting new instances. Queued instances remain takeable.
func (q *Priority) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
