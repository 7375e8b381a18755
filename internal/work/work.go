// ============================================================================
// Work Contract - Job State Machine
// ============================================================================
//
// Package: internal/work
// File: work.go
// Purpose: The capability set every background job exposes to the pool
//
// State Machine:
//   Scheduled (submitted, waiting)
//      ↓ BeforeRun()
//   Running (executing on a worker)
//      ↓ AfterRun(ok)
//   Completed / Suspended / Canceled
//
// Transitions:
//   - External code calls SetCanceled to cancel; a running instance is not
//     force-killed, it observes the request at its next checkpoint.
//   - The pool calls BeforeRun and AfterRun at the exact state boundaries.
//   - Suspend is a polite request: a scheduled instance suspends
//     immediately, a running one only at a cooperative checkpoint.
//
// Concurrency:
//   - Base guards its fields with a mutex; every method is safe to call
//     from pool workers, submitters, and transaction callbacks at once.
//
// ============================================================================

package work

import (
	"context"
	"sync"
	"time"

	"github.com/crestforge/workmanager/pkg/types"
)

// Work is the contract between a background job and the pool that runs it.
// Implementations embed Base and provide Run.
type Work interface {
	// ID returns the stable identifier of this work instance.
	ID() string

	// Category returns the category string that selects the queue, empty
	// for the default queue.
	Category() string

	// State returns the current lifecycle state.
	State() types.State

	// Run executes the job body. The pool records a non-nil error on the
	// instance and still moves it to the completed list.
	Run(ctx context.Context) error

	// BeforeRun is invoked by the pool when a worker picks the instance
	// up. It transitions the state to running and records the start time.
	BeforeRun()

	// AfterRun is invoked by the pool when Run returns. It records the
	// completion time and transitions a running instance to completed; an
	// instance that suspended itself or was canceled keeps that state.
	AfterRun(ok bool)

	// Suspend requests a cooperative pause. A scheduled instance
	// transitions immediately; a running one transitions only when it
	// reaches a checkpoint.
	Suspend()

	// SetCanceled marks the instance canceled. The transition is
	// observable and monotonic; the instance never re-enters scheduled
	// unless resubmitted.
	SetCanceled()

	// StartTime returns the wall-clock start in Unix milliseconds, zero
	// before the first run.
	StartTime() int64

	// CompletionTime returns the wall-clock completion in Unix
	// milliseconds, zero while not completed.
	CompletionTime() int64

	// Data returns the serializable state handed to the suspended-work
	// saver at shutdown. The format is owned by the implementation.
	Data() ([]byte, error)

	// Equals reports user-defined equality used by the dedup policies and
	// by find/cancel when directed. Identity (pointer equality) is
	// consulted separately by the pool.
	Equals(other Work) bool
}

// Base is the embeddable default implementation of everything in Work
// except Run.
type Base struct {
	mu       sync.Mutex
	id       string
	category string
	state    types.State

	startTime      int64
	completionTime int64

	err        error
	suspending bool
}

// NewBase returns a Base in the scheduled state.
func NewBase(id, category string) Base {
	return Base{id: id, category: category, state: types.StateScheduled}
}

func (b *Base) ID() string       { return b.id }
func (b *Base) Category() string { return b.category }

func (b *Base) State() types.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BeforeRun transitions scheduled -> running and stamps the start time.
func (b *Base) BeforeRun() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = types.StateRunning
	b.startTime = time.Now().UnixMilli()
}

// AfterRun stamps the completion time. The state becomes completed only
// from running; an instance that already suspended at a checkpoint or was
// canceled while running keeps that state. A failed run is recorded
// separately via SetError.
func (b *Base) AfterRun(bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completionTime = time.Now().UnixMilli()
	if b.state == types.StateRunning {
		b.state = types.StateCompleted
	}
}

// Suspend requests a cooperative pause. An instance that has not started
// running suspends immediately; a running one only acknowledges at
// CheckSuspend.
func (b *Base) Suspend() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suspending = true
	if b.state == types.StateScheduled {
		b.state = types.StateSuspended
	}
}

// SuspendRequested reports whether a suspend has been asked for.
func (b *Base) SuspendRequested() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.suspending
}

// CheckSuspend is the cooperative checkpoint for long-running bodies.
// When a suspend was requested while running, the state flips to
// suspended and true is returned; the body should save its progress and
// return from Run.
func (b *Base) CheckSuspend() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.suspending && b.state == types.StateRunning {
		b.state = types.StateSuspended
		return true
	}
	return false
}

// SetCanceled marks the instance canceled.
func (b *Base) SetCanceled() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = types.StateCanceled
}

// IsCanceled is the polling point for running bodies that honour
// cancellation.
func (b *Base) IsCanceled() bool {
	return b.State() == types.StateCanceled
}

func (b *Base) StartTime() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startTime
}

func (b *Base) CompletionTime() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completionTime
}

// SetError records a failure on the instance. The pool calls this before
// AfterRun(false).
func (b *Base) SetError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// Error returns the recorded failure, nil on success.
func (b *Base) Error() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Data returns no serializable state by default.
func (b *Base) Data() ([]byte, error) {
	return nil, nil
}

// Equals compares by identifier. Implementations with richer dedup
// semantics override this.
func (b *Base) Equals(other Work) bool {
	return other != nil && b.id == other.ID()
}
