// ============================================================================
// Pool Queue Contract
// ============================================================================
//
// Package: internal/queue
// File: queue.go
// Purpose: The runnable feed between work submission and the pool workers
//
// Two implementations exist:
//   - Blocking: bounded FIFO with producer backpressure and a re-entrant
//     bypass for pool workers (blocking.go)
//   - Priority: unbounded, ordered by the priority the work exposes
//     (priority.go)
//
// ============================================================================

package queue

import (
	"errors"
	"runtime"

	"github.com/crestforge/workmanager/internal/work"
)

// ErrClosed indicates a Put on a closed queue.
var ErrClosed = errors.New("pool queue is closed")

// Queue feeds work instances to the pool workers.
type Queue interface {
	// Put enqueues a work instance. It blocks for backpressure rather
	// than dropping; after Close it returns ErrClosed.
	Put(w work.Work) error

	// Take blocks until an instance is available. It keeps draining after
	// Close and returns false only once the queue is closed and empty.
	Take() (work.Work, bool)

	// Remove drains every entry equal to w (multi-pass, so duplicates are
	// removed too) and reports whether any entry was removed.
	Remove(w work.Work) bool

	// Drain removes and returns everything currently queued.
	Drain() []work.Work

	// Len returns the number of queued instances.
	Len() int

	// Close stops accepting new instances. Queued instances remain
	// takeable.
	Close()
}

// GoroutineID extracts the current goroutine id from the runtime stack
// header ("goroutine NNN ["). The pool registers its worker goroutines by
// id so the bounded queue can recognise re-entrant producers, the same
// role the worker thread-name prefix plays on a thread-per-worker
// runtime.
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
