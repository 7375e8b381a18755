// ============================================================================
// Work Pool Executor - Per-Queue Lifecycle Tracking
// ============================================================================
//
// Package: internal/executor
// File: executor.go
// Purpose: Fixed-size worker pool for one queue, tracking every work
//          instance across its whole lifecycle
//
// Lifecycle Lists (all under one monitor):
//   scheduledAfterCommit - parked until the owning transaction commits
//   scheduled            - handed to the pool queue, mirrored for
//                          introspection (the pool queue stays the source
//                          of truth for dispatch)
//   running              - currently executing on a worker
//   completed            - finished, success or failure; grows until
//                          cleared
//   suspended            - cooperated with a shutdown-suspend request
//
// Invariants:
//   - A work instance appears in at most one list at any instant.
//   - scheduledCount tracks |scheduled| + |scheduledAfterCommit| at
//     quiescence; scheduledMax is its high-water mark.
//   - The monitor is never held while blocking on the pool queue.
//
// Shutdown Protocol:
//   1. Flip the pool into suspend mode: late submissions divert into the
//      suspended list instead of the queue.
//   2. Close the pool queue; workers drain what is left.
//   3. Broadcast Suspend to running, scheduled, and after-commit work.
//   4. Wait up to the deadline; on timeout drain the queue through the
//      suspend path.
//   5. Snapshot the suspended list and hand each instance's serializable
//      state to the saver.
//   6. Report whether the pool drained within the deadline.
//
// ============================================================================

package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crestforge/workmanager/internal/metrics"
	"github.com/crestforge/workmanager/internal/queue"
	"github.com/crestforge/workmanager/internal/tx"
	"github.com/crestforge/workmanager/internal/work"
	"github.com/crestforge/workmanager/pkg/types"
)

var log = slog.Default()

// SuspendSaver receives the serializable state of every suspended work
// instance during shutdown. The sink is pluggable; the pool only declares
// the hook.
type SuspendSaver interface {
	SaveSuspended(workID string, data []byte) error
}

// LogSaver is the default saver: it logs and drops.
type LogSaver struct{}

func (LogSaver) SaveSuspended(workID string, data []byte) error {
	log.Info("suspended work not persisted", "work", workID, "bytes", len(data))
	return nil
}

// Executor is the per-queue pool. It owns the five lifecycle lists, the
// counters, and a fixed set of worker goroutines fed by the pool queue.
type Executor struct {
	desc      types.QueueDescriptor
	collector *metrics.Collector
	saver     SuspendSaver
	queue     queue.Queue

	// mu is the pool monitor protecting the lists and counters.
	mu                   sync.Mutex
	scheduledAfterCommit []work.Work
	scheduled            []work.Work
	running              []work.Work
	completed            []work.Work
	suspended            []work.Work

	scheduledCount int
	scheduledMax   int
	runningCount   int
	completedCount int

	shutdown bool

	workers sync.WaitGroup

	// workerIDs registers the goroutine ids of pool workers so the
	// bounded queue can recognise re-entrant producers.
	widMu     sync.RWMutex
	workerIDs map[uint64]struct{}
}

// Counts is a point-in-time snapshot of the lifecycle list sizes.
type Counts struct {
	Scheduled int `json:"scheduled"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Suspended int `json:"suspended"`
}

// New creates the pool for desc and starts its workers. The pool size is
// fixed at the descriptor's effective thread count. collector may be nil;
// saver nil falls back to LogSaver.
func New(desc types.QueueDescriptor, collector *metrics.Collector, saver SuspendSaver) *Executor {
	if saver == nil {
		saver = LogSaver{}
	}

	e := &Executor{
		desc:      desc,
		collector: collector,
		saver:     saver,
		workerIDs: make(map[uint64]struct{}),
	}

	switch {
	case desc.UsePriority:
		e.queue = queue.NewPriority()
	case desc.Capacity > 0:
		e.queue = queue.NewBlocking(desc.Capacity, e.isWorkerGoroutine)
	default:
		// Unbounded FIFO: same queue with a bound no producer reaches.
		e.queue = queue.NewBlocking(1<<20, e.isWorkerGoroutine)
	}

	threads := desc.EffectiveMaxThreads()
	e.workers.Add(threads)
	for i := 0; i < threads; i++ {
		go e.worker()
	}

	log.Info("work queue started", "queue", desc.ID, "threads", threads,
		"capacity", desc.Capacity, "priority", desc.UsePriority)
	return e
}

// Descriptor returns the immutable configuration of this pool.
func (e *Executor) Descriptor() types.QueueDescriptor {
	return e.desc
}

func (e *Executor) isWorkerGoroutine() bool {
	gid := queue.GoroutineID()
	e.widMu.RLock()
	defer e.widMu.RUnlock()
	_, ok := e.workerIDs[gid]
	return ok
}

// ============================================================================
// Submission
// ============================================================================

// Execute submits w to this pool.
//
// With afterCommit set and an active transaction in ctx, the instance is
// parked in scheduledAfterCommit and a completion synchronization is
// registered: commit releases it to the pool queue, rollback cancels it.
// Without a usable transaction the flag degrades to immediate enqueue.
//
// The direct path may block for backpressure on a bounded queue; the
// after-commit path never blocks here.
func (e *Executor) Execute(ctx context.Context, w work.Work, afterCommit bool) error {
	e.mu.Lock()
	if e.shutdown {
		// Suspend policy: late arrivals are preserved, not dropped.
		e.suspended = append(e.suspended, w)
		e.mu.Unlock()
		w.Suspend()
		return nil
	}

	e.scheduledCount++
	if e.scheduledCount > e.scheduledMax {
		e.scheduledMax = e.scheduledCount
		if e.collector != nil {
			e.collector.SetScheduledMax(e.desc.ID, e.scheduledMax)
		}
	}
	if e.collector != nil {
		e.collector.IncScheduled(e.desc.ID)
	}

	if afterCommit {
		if t, ok := tx.FromContext(ctx); ok && t.Status() == tx.StatusActive {
			if err := t.RegisterSynchronization(&commitSync{e: e, w: w}); err == nil {
				e.scheduledAfterCommit = append(e.scheduledAfterCommit, w)
				e.mu.Unlock()
				return nil
			}
		}
		// No transaction, not active, or registration failed: degrade to
		// immediate enqueue.
	}

	e.scheduled = append(e.scheduled, w)
	e.mu.Unlock()

	return e.enqueue(w)
}

// enqueue hands w to the pool queue, diverting to the suspend path when
// the queue already closed for shutdown. The monitor must not be held.
func (e *Executor) enqueue(w work.Work) error {
	if err := e.queue.Put(w); err != nil {
		w.Suspend()
		e.mu.Lock()
		if removeIdentity(&e.scheduled, w) {
			e.decScheduledLocked()
		}
		e.suspended = append(e.suspended, w)
		e.mu.Unlock()
		return nil
	}
	return nil
}

// commitSync is the transaction synchronization registered for an
// after-commit submission.
type commitSync struct {
	e *Executor
	w work.Work
}

func (s *commitSync) BeforeCompletion() {}

// AfterCompletion releases or cancels the parked instance depending on
// the transaction outcome. An instance that already left the scheduled
// state (canceled or suspended meanwhile) is left alone.
func (s *commitSync) AfterCompletion(status tx.Status) {
	if s.w.State() != types.StateScheduled {
		return
	}

	switch status {
	case tx.StatusCommitted:
		s.e.mu.Lock()
		released := removeIdentity(&s.e.scheduledAfterCommit, s.w)
		if released {
			s.e.scheduled = append(s.e.scheduled, s.w)
		}
		s.e.mu.Unlock()
		if released {
			_ = s.e.enqueue(s.w)
		}

	case tx.StatusRolledBack:
		s.e.mu.Lock()
		canceled := removeIdentity(&s.e.scheduledAfterCommit, s.w)
		if canceled {
			s.e.decScheduledLocked()
		}
		s.e.mu.Unlock()
		if canceled {
			s.w.SetCanceled()
		}

	default:
		log.Warn("unexpected transaction status for scheduled work",
			"queue", s.e.desc.ID, "work", s.w.ID(), "status", string(status))
	}
}

// ============================================================================
// Worker Loop
// ============================================================================

func (e *Executor) worker() {
	defer e.workers.Done()

	gid := queue.GoroutineID()
	e.widMu.Lock()
	e.workerIDs[gid] = struct{}{}
	e.widMu.Unlock()
	defer func() {
		e.widMu.Lock()
		delete(e.workerIDs, gid)
		e.widMu.Unlock()
	}()

	for {
		w, ok := e.queue.Take()
		if !ok {
			return
		}

		switch w.State() {
		case types.StateCanceled:
			// Canceled while queued without going through CancelScheduled:
			// never dispatched.
			e.mu.Lock()
			if removeIdentity(&e.scheduled, w) {
				e.decScheduledLocked()
			}
			e.mu.Unlock()
			continue

		case types.StateSuspended:
			// Suspended while queued (shutdown broadcast): preserved, not
			// run.
			e.mu.Lock()
			if removeIdentity(&e.scheduled, w) {
				e.decScheduledLocked()
			}
			e.suspended = append(e.suspended, w)
			e.mu.Unlock()
			continue
		}

		e.beforeExecute(w)
		err := runWork(w)
		e.afterExecute(w, err)
	}
}

// runWork executes the body, converting a panic into an error so one bad
// work instance cannot take a worker down.
func runWork(w work.Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work panicked: %v", r)
		}
	}()
	return w.Run(context.Background())
}

// beforeExecute moves w from scheduled to running under the monitor and
// fires the state transition.
func (e *Executor) beforeExecute(w work.Work) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if removeIdentity(&e.scheduled, w) {
		e.decScheduledLocked()
	}
	e.running = append(e.running, w)
	e.runningCount++
	if e.collector != nil {
		e.collector.IncRunning(e.desc.ID)
	}
	w.BeforeRun()
}

// afterExecute records the outcome, observes the work timer, and files w
// under completed or suspended.
func (e *Executor) afterExecute(w work.Work, err error) {
	if err != nil {
		if rec, ok := w.(interface{ SetError(error) }); ok {
			rec.SetError(err)
		}
		log.Warn("work failed", "queue", e.desc.ID, "work", w.ID(), "error", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	w.AfterRun(err == nil)
	if d := w.CompletionTime() - w.StartTime(); d >= 0 && e.collector != nil {
		e.collector.ObserveWork(e.desc.ID, float64(d)/1000.0)
	}

	removeIdentity(&e.running, w)
	e.runningCount--
	if e.collector != nil {
		e.collector.DecRunning(e.desc.ID)
	}

	if w.State() == types.StateSuspended {
		e.suspended = append(e.suspended, w)
		return
	}
	e.completed = append(e.completed, w)
	e.completedCount++
	if e.collector != nil {
		e.collector.IncCompleted(e.desc.ID)
	}
}

// ============================================================================
// Introspection, Cancel, Cleanup
// ============================================================================

// Find searches the lifecycle lists for a match of w, in the order
// running, then scheduled (the pool-queue mirror and the after-commit
// park treated as one logical scheduled set), then completed. Running,
// scheduled and completed restrict the search to that group, suspended
// searches the suspended list, and the empty state (or any other state)
// searches all three groups.
//
// useEquals selects user-defined equality; otherwise identity is used.
// The returned position is the index within the first list where a match
// was found, -1 when not found.
func (e *Executor) Find(w work.Work, state types.State, useEquals bool) (work.Work, int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	groups := [][]work.Work{
		e.running,
		append(append([]work.Work{}, e.scheduled...), e.scheduledAfterCommit...),
		e.completed,
	}
	switch state {
	case types.StateRunning:
		groups = groups[:1]
	case types.StateScheduled:
		groups = groups[1:2]
	case types.StateCompleted:
		groups = groups[2:3]
	case types.StateSuspended:
		groups = [][]work.Work{e.suspended}
	}

	for _, list := range groups {
		for i, item := range list {
			if matches(w, item, useEquals) {
				return item, i
			}
		}
	}
	return nil, -1
}

// CancelScheduled removes every entry equal to w that is still waiting to
// run. The pool queue is drained first; only when that removed something
// are the scheduled lists swept and the removed instances canceled.
// Running instances are untouched. Reports whether anything was removed.
func (e *Executor) CancelScheduled(w work.Work) bool {
	if !e.queue.Remove(w) {
		return false
	}

	e.mu.Lock()
	canceled := removeEquals(&e.scheduledAfterCommit, w)
	canceled = append(canceled, removeEquals(&e.scheduled, w)...)
	for range canceled {
		e.decScheduledLocked()
	}
	e.mu.Unlock()

	for _, c := range canceled {
		c.SetCanceled()
	}
	return true
}

// ListWork returns a snapshot copy of the instances in state. The empty
// state means "non-completed": running plus everything scheduled.
func (e *Executor) ListWork(state types.State) []work.Work {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []work.Work
	switch state {
	case types.StateRunning:
		out = append(out, e.running...)
	case types.StateScheduled:
		out = append(out, e.scheduled...)
		out = append(out, e.scheduledAfterCommit...)
	case types.StateCompleted:
		out = append(out, e.completed...)
	case types.StateSuspended:
		out = append(out, e.suspended...)
	default:
		out = append(out, e.running...)
		out = append(out, e.scheduled...)
		out = append(out, e.scheduledAfterCommit...)
	}
	return out
}

// NonCompletedSize returns the number of instances still running or
// waiting to run.
func (e *Executor) NonCompletedSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running) + len(e.scheduled) + len(e.scheduledAfterCommit)
}

// ScheduledMax returns the high-water mark of the scheduled counter.
func (e *Executor) ScheduledMax() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduledMax
}

// Counts returns a snapshot of the lifecycle list sizes.
func (e *Executor) Counts() Counts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Counts{
		Scheduled: len(e.scheduled) + len(e.scheduledAfterCommit),
		Running:   len(e.running),
		Completed: len(e.completed),
		Suspended: len(e.suspended),
	}
}

// ClearCompleted drops completed entries whose completion time is older
// than olderThanMillis (Unix milliseconds). Zero drops everything.
// Returns the number of entries dropped.
func (e *Executor) ClearCompleted(olderThanMillis int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if olderThanMillis == 0 {
		n := len(e.completed)
		e.completed = nil
		return n
	}
	kept := e.completed[:0]
	dropped := 0
	for _, w := range e.completed {
		if w.CompletionTime() < olderThanMillis {
			dropped++
			continue
		}
		kept = append(kept, w)
	}
	e.completed = kept
	return dropped
}

// Cleanup applies the descriptor's time-based completed-work retention.
func (e *Executor) Cleanup() {
	secs := e.desc.ClearCompletedAfterSeconds
	if secs <= 0 {
		return
	}
	cutoff := time.Now().Add(-time.Duration(secs) * time.Second).UnixMilli()
	if n := e.ClearCompleted(cutoff); n > 0 {
		log.Info("cleared completed work", "queue", e.desc.ID, "count", n)
	}
}

// ============================================================================
// Shutdown
// ============================================================================

// Shutdown runs the graceful shutdown protocol and reports whether the
// pool drained within the deadline. Suspended work is handed to the
// saver; instances that did not reach a cooperative checkpoint in time
// keep their current state and are not saved. A failed serialization or
// save is logged and not retried.
func (e *Executor) Shutdown(timeout time.Duration) bool {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return true
	}
	e.shutdown = true
	targets := make([]work.Work, 0,
		len(e.running)+len(e.scheduled)+len(e.scheduledAfterCommit))
	targets = append(targets, e.running...)
	targets = append(targets, e.scheduled...)
	targets = append(targets, e.scheduledAfterCommit...)
	e.mu.Unlock()

	// No more submissions reach the queue; workers drain what is left.
	e.queue.Close()

	for _, w := range targets {
		w.Suspend()
	}

	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(done)
	}()

	terminated := true
	select {
	case <-done:
	case <-time.After(timeout):
		terminated = false
		for _, w := range e.queue.Drain() {
			w.Suspend()
			e.mu.Lock()
			if removeIdentity(&e.scheduled, w) {
				e.decScheduledLocked()
			}
			e.suspended = append(e.suspended, w)
			e.mu.Unlock()
		}
	}

	// After-commit work never reached the queue; whatever suspended moves
	// over for saving.
	e.mu.Lock()
	kept := e.scheduledAfterCommit[:0]
	for _, w := range e.scheduledAfterCommit {
		if w.State() == types.StateSuspended {
			e.suspended = append(e.suspended, w)
			e.decScheduledLocked()
			continue
		}
		kept = append(kept, w)
	}
	e.scheduledAfterCommit = kept
	snapshot := e.suspended
	e.suspended = nil
	e.mu.Unlock()

	for _, w := range snapshot {
		if w.State() != types.StateSuspended {
			continue
		}
		data, err := w.Data()
		if err != nil {
			log.Error("failed to serialize suspended work", "queue", e.desc.ID,
				"work", w.ID(), "error", err)
			continue
		}
		if err := e.saver.SaveSuspended(w.ID(), data); err != nil {
			log.Error("failed to save suspended work", "queue", e.desc.ID,
				"work", w.ID(), "error", err)
		}
	}

	log.Info("work queue shut down", "queue", e.desc.ID,
		"terminated", terminated, "suspended", len(snapshot))
	return terminated
}

// ============================================================================
// Helpers
// ============================================================================

func (e *Executor) decScheduledLocked() {
	e.scheduledCount--
	if e.collector != nil {
		e.collector.DecScheduled(e.desc.ID)
	}
}

func matches(w, item work.Work, useEquals bool) bool {
	if useEquals {
		return w.Equals(item)
	}
	return w == item
}

// removeIdentity removes the first entry identical to w (pointer
// equality) and reports whether one was removed.
func removeIdentity(list *[]work.Work, w work.Work) bool {
	for i, item := range *list {
		if item == w {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

// removeEquals removes every entry equal to w and returns the removed
// entries.
func removeEquals(list *[]work.Work, w work.Work) []work.Work {
	var removed []work.Work
	kept := (*list)[:0]
	for _, item := range *list {
		if w.Equals(item) {
			removed = append(removed, item)
			continue
		}
		kept = append(kept, item)
	}
	*list = kept
	return removed
}
