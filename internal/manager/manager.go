// ============================================================================
// Work Manager Facade
// ============================================================================
//
// Package: internal/manager
// File: manager.go
// Purpose: Queue lookup, scheduling policies, await, cleanup, shutdown
//
// The manager owns the descriptor registry and a lazily-populated map of
// per-queue pools. It is an explicit value constructed at startup and
// released at shutdown; callers hold a handle rather than looking it up
// from a global.
//
// Scheduling policies:
//   Enqueue                 - unconditional
//   CancelScheduled         - cancel prior equal scheduled instances, then
//                             enqueue
//   IfNotScheduled          - cancel the new instance if an equal one is
//                             already scheduled
//   IfNotRunning            - same, against the running list
//   IfNotRunningOrScheduled - same, against both
//
// After Shutdown the pool map is gone and every scheduling call fails
// with ErrShutdown.
//
// ============================================================================

package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crestforge/workmanager/internal/executor"
	"github.com/crestforge/workmanager/internal/metrics"
	"github.com/crestforge/workmanager/internal/registry"
	"github.com/crestforge/workmanager/internal/work"
	"github.com/crestforge/workmanager/pkg/types"
)

var log = slog.Default()

var (
	// ErrInvalidState indicates Schedule was called on a work instance
	// that is not in the scheduled state.
	ErrInvalidState = errors.New("work is not in the scheduled state")

	// ErrShutdown indicates the manager has been shut down.
	ErrShutdown = errors.New("work manager is shut down")
)

// awaitPollInterval is how often AwaitCompletion re-checks the queues.
const awaitPollInterval = 50 * time.Millisecond

// Option configures a Manager.
type Option func(*Manager)

// WithCollector installs the metrics collector shared by all pools.
func WithCollector(c *metrics.Collector) Option {
	return func(m *Manager) { m.collector = c }
}

// WithSuspendSaver installs the sink for suspended work state at
// shutdown.
func WithSuspendSaver(s executor.SuspendSaver) Option {
	return func(m *Manager) { m.saver = s }
}

// Manager coordinates the named queues and applies the scheduling
// policies.
type Manager struct {
	registry  *registry.Registry
	collector *metrics.Collector
	saver     executor.SuspendSaver

	// mu guards the executor map; create-or-get is atomic under it.
	mu        sync.Mutex
	executors map[string]*executor.Executor
}

// New creates a manager over the given registry.
func New(reg *registry.Registry, opts ...Option) *Manager {
	m := &Manager{registry: reg}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Init prepares the pool map. Must be called before scheduling.
func (m *Manager) Init() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.executors == nil {
		m.executors = make(map[string]*executor.Executor)
	}
}

// Activate freezes the descriptor registry. Contributions registered
// afterwards are rejected.
func (m *Manager) Activate() {
	m.registry.Activate()
}

// Deactivate shuts the manager down with a short default deadline.
func (m *Manager) Deactivate() {
	_, _ = m.Shutdown(5 * time.Second)
}

// RegisterContribution adds a queue descriptor to the registry.
func (m *Manager) RegisterContribution(d types.QueueDescriptor) error {
	return m.registry.RegisterContribution(d)
}

// getExecutor returns the pool for queueID, creating it on first
// reference.
func (m *Manager) getExecutor(queueID string) (*executor.Executor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.executors == nil {
		return nil, ErrShutdown
	}
	if e, ok := m.executors[queueID]; ok {
		return e, nil
	}
	desc, err := m.registry.Descriptor(queueID)
	if err != nil {
		return nil, err
	}
	e := executor.New(desc, m.collector, m.saver)
	m.executors[queueID] = e
	return e, nil
}

// lookupExecutor returns the pool for queueID without creating one.
func (m *Manager) lookupExecutor(queueID string) (*executor.Executor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.executors == nil {
		return nil, ErrShutdown
	}
	return m.executors[queueID], nil
}

// snapshotExecutors returns the current pools.
func (m *Manager) snapshotExecutors() ([]*executor.Executor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.executors == nil {
		return nil, ErrShutdown
	}
	out := make([]*executor.Executor, 0, len(m.executors))
	for _, e := range m.executors {
		out = append(out, e)
	}
	return out, nil
}

// ============================================================================
// Scheduling
// ============================================================================

// Schedule submits w to the queue its category is bound to, applying the
// scheduling policy. The work must be in the scheduled state. With
// afterCommit set, the submission is gated on the transaction carried in
// ctx.
func (m *Manager) Schedule(ctx context.Context, w work.Work, scheduling types.Scheduling, afterCommit bool) error {
	if w.State() != types.StateScheduled {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, w.ID(), w.State())
	}

	queueID, err := m.registry.QueueIDForCategory(w.Category())
	if err != nil {
		return err
	}
	exec, err := m.getExecutor(queueID)
	if err != nil {
		return err
	}

	switch scheduling {
	case types.CancelScheduled:
		exec.CancelScheduled(w)

	case types.IfNotScheduled:
		if m.rejectDuplicate(exec, w, types.StateScheduled) {
			return nil
		}

	case types.IfNotRunning:
		if m.rejectDuplicate(exec, w, types.StateRunning) {
			return nil
		}

	case types.IfNotRunningOrScheduled:
		// Scheduled is checked first: an equal instance that leaves the
		// scheduled list between the two checks is then seen as running.
		if m.rejectDuplicate(exec, w, types.StateScheduled) ||
			m.rejectDuplicate(exec, w, types.StateRunning) {
			return nil
		}
	}

	return exec.Execute(ctx, w, afterCommit)
}

// rejectDuplicate cancels w when an equal instance already sits in state.
func (m *Manager) rejectDuplicate(exec *executor.Executor, w work.Work, state types.State) bool {
	if found, _ := exec.Find(w, state, true); found != nil {
		log.Debug("duplicate work rejected", "work", w.ID(), "state", string(state))
		w.SetCanceled()
		return true
	}
	return false
}

// ============================================================================
// Introspection
// ============================================================================

// Find searches every pool for a match of w, delegating the list
// priority order to the pools. The returned position is the index within
// the first matching list, -1 when not found.
func (m *Manager) Find(w work.Work, state types.State, useEquals bool) (work.Work, int) {
	execs, err := m.snapshotExecutors()
	if err != nil {
		return nil, -1
	}
	for _, e := range execs {
		if found, pos := e.Find(w, state, useEquals); found != nil {
			return found, pos
		}
	}
	return nil, -1
}

// ListWork returns a snapshot of the instances in state on queueID. The
// empty state means non-completed. A queue with no pool yet is empty.
func (m *Manager) ListWork(queueID string, state types.State) ([]work.Work, error) {
	e, err := m.lookupExecutor(queueID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		if _, derr := m.registry.Descriptor(queueID); derr != nil {
			return nil, derr
		}
		return nil, nil
	}
	return e.ListWork(state), nil
}

// NonCompletedWorkSize returns the number of instances still running or
// waiting to run on queueID.
func (m *Manager) NonCompletedWorkSize(queueID string) (int, error) {
	e, err := m.lookupExecutor(queueID)
	if err != nil || e == nil {
		return 0, err
	}
	return e.NonCompletedSize(), nil
}

// QueueCounts returns the lifecycle counts of queueID's pool.
func (m *Manager) QueueCounts(queueID string) (executor.Counts, error) {
	e, err := m.lookupExecutor(queueID)
	if err != nil || e == nil {
		return executor.Counts{}, err
	}
	return e.Counts(), nil
}

// QueueIDs returns the registered queue ids.
func (m *Manager) QueueIDs() []string {
	return m.registry.IDs()
}

// Descriptor returns the descriptor of queueID.
func (m *Manager) Descriptor(queueID string) (types.QueueDescriptor, error) {
	return m.registry.Descriptor(queueID)
}

// AwaitCompletion polls the targeted queues until none has non-completed
// work or the timeout elapses. Nil queueIDs targets every pool. Returns
// false when the deadline elapsed with work still pending.
func (m *Manager) AwaitCompletion(queueIDs []string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if m.nonCompletedTotal(queueIDs) == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(awaitPollInterval)
	}
}

func (m *Manager) nonCompletedTotal(queueIDs []string) int {
	total := 0
	if queueIDs == nil {
		execs, err := m.snapshotExecutors()
		if err != nil {
			return 0
		}
		for _, e := range execs {
			total += e.NonCompletedSize()
		}
		return total
	}
	for _, id := range queueIDs {
		n, _ := m.NonCompletedWorkSize(id)
		total += n
	}
	return total
}

// ============================================================================
// Cleanup
// ============================================================================

// ClearCompletedWork drops every completed entry on queueID.
func (m *Manager) ClearCompletedWork(queueID string) error {
	e, err := m.lookupExecutor(queueID)
	if err != nil || e == nil {
		return err
	}
	e.ClearCompleted(0)
	return nil
}

// ClearCompletedBefore drops completed entries older than
// olderThanMillis (Unix milliseconds) across every pool.
func (m *Manager) ClearCompletedBefore(olderThanMillis int64) {
	execs, err := m.snapshotExecutors()
	if err != nil {
		return
	}
	for _, e := range execs {
		e.ClearCompleted(olderThanMillis)
	}
}

// Cleanup applies each descriptor's time-based completed-work retention.
func (m *Manager) Cleanup() {
	execs, err := m.snapshotExecutors()
	if err != nil {
		return
	}
	for _, e := range execs {
		e.Cleanup()
	}
}

// ============================================================================
// Shutdown
// ============================================================================

// ShutdownQueue runs the shutdown protocol on one pool and removes it
// from the manager. A later submission to the queue starts a fresh pool.
// Returns whether the pool drained within the deadline.
func (m *Manager) ShutdownQueue(queueID string, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	if m.executors == nil {
		m.mu.Unlock()
		return false, ErrShutdown
	}
	e, ok := m.executors[queueID]
	if ok {
		delete(m.executors, queueID)
	}
	m.mu.Unlock()

	if !ok {
		if _, err := m.registry.Descriptor(queueID); err != nil {
			return false, err
		}
		return true, nil
	}
	return e.Shutdown(timeout), nil
}

// Shutdown drops the pool map atomically and shuts every pool down
// concurrently, each with the full deadline. After Shutdown the manager
// rejects further calls with ErrShutdown. Returns whether every pool
// drained in time.
func (m *Manager) Shutdown(timeout time.Duration) (bool, error) {
	m.mu.Lock()
	if m.executors == nil {
		m.mu.Unlock()
		return false, ErrShutdown
	}
	execs := m.executors
	m.executors = nil
	m.mu.Unlock()

	var wg sync.WaitGroup
	var resMu sync.Mutex
	terminated := true
	for _, e := range execs {
		wg.Add(1)
		go func(e *executor.Executor) {
			defer wg.Done()
			if !e.Shutdown(timeout) {
				resMu.Lock()
				terminated = false
				resMu.Unlock()
			}
		}(e)
	}
	wg.Wait()

	log.Info("work manager shut down", "queues", len(execs), "terminated", terminated)
	return terminated, nil
}
