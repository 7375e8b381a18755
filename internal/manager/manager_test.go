package manager

// ============================================================================
// Work Manager Facade Tests
// Purpose: Verify scheduling policies, queue resolution, introspection,
// await, cleanup, and shutdown semantics
// ============================================================================

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestforge/workmanager/internal/registry"
	"github.com/crestforge/workmanager/internal/work"
	"github.com/crestforge/workmanager/pkg/types"
)

type testWork struct {
	work.Base
	body func(ctx context.Context, w *testWork) error
}

func newTestWork(id, category string, body func(ctx context.Context, w *testWork) error) *testWork {
	return &testWork{Base: work.NewBase(id, category), body: body}
}

func (w *testWork) Run(ctx context.Context) error {
	if w.body == nil {
		return nil
	}
	return w.body(ctx, w)
}

// blocked returns a work instance that occupies a worker until released.
func blocked(id, category string) (*testWork, chan struct{}) {
	release := make(chan struct{})
	w := newTestWork(id, category, func(ctx context.Context, w *testWork) error {
		<-release
		return nil
	})
	return w, release
}

func newTestManager(t *testing.T, descs ...types.QueueDescriptor) *Manager {
	t.Helper()
	reg := registry.New()
	if len(descs) == 0 {
		descs = []types.QueueDescriptor{{ID: types.DefaultQueueID, MaxThreads: 2, Capacity: 16}}
	}
	for _, d := range descs {
		require.NoError(t, reg.RegisterContribution(d))
	}
	m := New(reg)
	m.Init()
	m.Activate()
	t.Cleanup(func() {
		_, _ = m.Shutdown(2 * time.Second)
	})
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ============================================================================
// Scheduling
// ============================================================================

func TestScheduleEnqueue(t *testing.T) {
	m := newTestManager(t)

	w := newTestWork("w-1", "", nil)
	require.NoError(t, m.Schedule(context.Background(), w, types.Enqueue, false))

	waitFor(t, 2*time.Second, func() bool {
		return w.State() == types.StateCompleted
	}, "work did not complete")
}

func TestScheduleRejectsNonScheduledWork(t *testing.T) {
	m := newTestManager(t)

	w := newTestWork("w-1", "", nil)
	w.SetCanceled()

	err := m.Schedule(context.Background(), w, types.Enqueue, false)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestScheduleUnknownCategoryWithoutDefault(t *testing.T) {
	m := newTestManager(t, types.QueueDescriptor{
		ID:         "images",
		Categories: []string{"thumbnails"},
		MaxThreads: 1,
	})

	w := newTestWork("w-1", "unbound", nil)
	err := m.Schedule(context.Background(), w, types.Enqueue, false)
	assert.ErrorIs(t, err, registry.ErrUnknownQueue)
}

func TestScheduleRoutesByCategory(t *testing.T) {
	m := newTestManager(t,
		types.QueueDescriptor{ID: types.DefaultQueueID, MaxThreads: 1, Capacity: 8},
		types.QueueDescriptor{ID: "images", Categories: []string{"thumbnails"}, MaxThreads: 1, Capacity: 8},
	)

	w, release := blocked("w-1", "thumbnails")
	require.NoError(t, m.Schedule(context.Background(), w, types.Enqueue, false))

	waitFor(t, 2*time.Second, func() bool {
		works, err := m.ListWork("images", types.StateRunning)
		return err == nil && len(works) == 1
	}, "work did not run on its bound queue")

	n, err := m.NonCompletedWorkSize(types.DefaultQueueID)
	require.NoError(t, err)
	assert.Zero(t, n)

	close(release)
}

func TestScheduleIfNotScheduled(t *testing.T) {
	m := newTestManager(t, types.QueueDescriptor{ID: types.DefaultQueueID, MaxThreads: 1, Capacity: 8})

	// Occupy the single worker so the next submission stays scheduled.
	blocker, release := blocked("blocker", "")
	require.NoError(t, m.Schedule(context.Background(), blocker, types.Enqueue, false))
	waitFor(t, 2*time.Second, func() bool {
		return blocker.State() == types.StateRunning
	}, "blocker did not start")

	a := newTestWork("dup", "", nil)
	require.NoError(t, m.Schedule(context.Background(), a, types.Enqueue, false))

	// The equal duplicate is canceled immediately, without enqueueing.
	dup := newTestWork("dup", "", nil)
	require.NoError(t, m.Schedule(context.Background(), dup, types.IfNotScheduled, false))
	assert.Equal(t, types.StateCanceled, dup.State())

	close(release)
	waitFor(t, 2*time.Second, func() bool {
		return a.State() == types.StateCompleted
	}, "original work did not complete")
	assert.Zero(t, dup.StartTime())
}

func TestScheduleIfNotRunning(t *testing.T) {
	m := newTestManager(t, types.QueueDescriptor{ID: types.DefaultQueueID, MaxThreads: 1, Capacity: 8})

	running, release := blocked("dup", "")
	require.NoError(t, m.Schedule(context.Background(), running, types.Enqueue, false))
	waitFor(t, 2*time.Second, func() bool {
		return running.State() == types.StateRunning
	}, "work did not start")

	dup := newTestWork("dup", "", nil)
	require.NoError(t, m.Schedule(context.Background(), dup, types.IfNotRunning, false))
	assert.Equal(t, types.StateCanceled, dup.State())

	close(release)
}

func TestScheduleIfNotRunningOrScheduled(t *testing.T) {
	m := newTestManager(t, types.QueueDescriptor{ID: types.DefaultQueueID, MaxThreads: 1, Capacity: 8})

	running, release := blocked("dup", "")
	require.NoError(t, m.Schedule(context.Background(), running, types.Enqueue, false))
	waitFor(t, 2*time.Second, func() bool {
		return running.State() == types.StateRunning
	}, "work did not start")

	queued := newTestWork("dup", "", nil)
	require.NoError(t, m.Schedule(context.Background(), queued, types.Enqueue, false))

	dup := newTestWork("dup", "", nil)
	require.NoError(t, m.Schedule(context.Background(), dup, types.IfNotRunningOrScheduled, false))
	assert.Equal(t, types.StateCanceled, dup.State())

	close(release)
	waitFor(t, 2*time.Second, func() bool {
		return queued.State() == types.StateCompleted
	}, "queued work did not complete")
}

func TestScheduleCancelScheduled(t *testing.T) {
	m := newTestManager(t, types.QueueDescriptor{ID: types.DefaultQueueID, MaxThreads: 1, Capacity: 8})

	blocker, release := blocked("blocker", "")
	require.NoError(t, m.Schedule(context.Background(), blocker, types.Enqueue, false))
	waitFor(t, 2*time.Second, func() bool {
		return blocker.State() == types.StateRunning
	}, "blocker did not start")

	stale := newTestWork("dup", "", nil)
	require.NoError(t, m.Schedule(context.Background(), stale, types.Enqueue, false))

	// The replacement cancels the stale instance and takes its place.
	fresh := newTestWork("dup", "", nil)
	require.NoError(t, m.Schedule(context.Background(), fresh, types.CancelScheduled, false))
	assert.Equal(t, types.StateCanceled, stale.State())

	close(release)
	waitFor(t, 2*time.Second, func() bool {
		return fresh.State() == types.StateCompleted
	}, "replacement did not complete")
	assert.Zero(t, stale.StartTime())
}

// ============================================================================
// Introspection
// ============================================================================

func TestListWorkStates(t *testing.T) {
	m := newTestManager(t, types.QueueDescriptor{ID: types.DefaultQueueID, MaxThreads: 1, Capacity: 8})

	running, release := blocked("running", "")
	require.NoError(t, m.Schedule(context.Background(), running, types.Enqueue, false))
	waitFor(t, 2*time.Second, func() bool {
		return running.State() == types.StateRunning
	}, "work did not start")

	queued := newTestWork("queued", "", nil)
	require.NoError(t, m.Schedule(context.Background(), queued, types.Enqueue, false))

	works, err := m.ListWork(types.DefaultQueueID, types.StateRunning)
	require.NoError(t, err)
	require.Len(t, works, 1)
	assert.Equal(t, "running", works[0].ID())

	works, err = m.ListWork(types.DefaultQueueID, types.StateScheduled)
	require.NoError(t, err)
	require.Len(t, works, 1)
	assert.Equal(t, "queued", works[0].ID())

	// The empty state lists everything not completed.
	works, err = m.ListWork(types.DefaultQueueID, "")
	require.NoError(t, err)
	assert.Len(t, works, 2)

	n, err := m.NonCompletedWorkSize(types.DefaultQueueID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	close(release)
	waitFor(t, 2*time.Second, func() bool {
		n, _ := m.NonCompletedWorkSize(types.DefaultQueueID)
		return n == 0
	}, "work did not drain")

	works, err = m.ListWork(types.DefaultQueueID, types.StateCompleted)
	require.NoError(t, err)
	assert.Len(t, works, 2)
}

func TestListWorkUnknownQueue(t *testing.T) {
	m := newTestManager(t)
	_, err := m.ListWork("missing", "")
	assert.ErrorIs(t, err, registry.ErrUnknownQueue)
}

func TestFindAcrossQueues(t *testing.T) {
	m := newTestManager(t,
		types.QueueDescriptor{ID: types.DefaultQueueID, MaxThreads: 1, Capacity: 8},
		types.QueueDescriptor{ID: "images", Categories: []string{"thumbnails"}, MaxThreads: 1, Capacity: 8},
	)

	w, release := blocked("w-1", "thumbnails")
	require.NoError(t, m.Schedule(context.Background(), w, types.Enqueue, false))
	waitFor(t, 2*time.Second, func() bool {
		return w.State() == types.StateRunning
	}, "work did not start")

	found, pos := m.Find(newTestWork("w-1", "thumbnails", nil), types.StateRunning, true)
	require.NotNil(t, found)
	assert.Equal(t, 0, pos)
	assert.Equal(t, "w-1", found.ID())

	found, pos = m.Find(newTestWork("ghost", "", nil), "", true)
	assert.Nil(t, found)
	assert.Equal(t, -1, pos)

	close(release)
}

// ============================================================================
// Await and Cleanup
// ============================================================================

func TestAwaitCompletion(t *testing.T) {
	m := newTestManager(t)

	for i := 0; i < 4; i++ {
		w := newTestWork(fmt.Sprintf("w-%d", i), "", func(ctx context.Context, w *testWork) error {
			time.Sleep(30 * time.Millisecond)
			return nil
		})
		require.NoError(t, m.Schedule(context.Background(), w, types.Enqueue, false))
	}

	assert.True(t, m.AwaitCompletion(nil, 5*time.Second))
	assert.True(t, m.AwaitCompletion([]string{types.DefaultQueueID}, time.Second))
}

func TestAwaitCompletionTimeout(t *testing.T) {
	m := newTestManager(t)

	w, release := blocked("w-1", "")
	defer close(release)
	require.NoError(t, m.Schedule(context.Background(), w, types.Enqueue, false))

	assert.False(t, m.AwaitCompletion([]string{types.DefaultQueueID}, 150*time.Millisecond))
}

func TestClearCompletedWork(t *testing.T) {
	m := newTestManager(t)

	w := newTestWork("w-1", "", nil)
	require.NoError(t, m.Schedule(context.Background(), w, types.Enqueue, false))
	require.True(t, m.AwaitCompletion(nil, 2*time.Second))

	waitFor(t, 2*time.Second, func() bool {
		works, _ := m.ListWork(types.DefaultQueueID, types.StateCompleted)
		return len(works) == 1
	}, "completed list not populated")

	require.NoError(t, m.ClearCompletedWork(types.DefaultQueueID))
	works, err := m.ListWork(types.DefaultQueueID, types.StateCompleted)
	require.NoError(t, err)
	assert.Empty(t, works)
}

func TestClearCompletedBefore(t *testing.T) {
	m := newTestManager(t)

	w := newTestWork("w-1", "", nil)
	require.NoError(t, m.Schedule(context.Background(), w, types.Enqueue, false))
	require.True(t, m.AwaitCompletion(nil, 2*time.Second))
	waitFor(t, 2*time.Second, func() bool {
		works, _ := m.ListWork(types.DefaultQueueID, types.StateCompleted)
		return len(works) == 1
	}, "completed list not populated")

	// A cutoff before the completion keeps the entry.
	m.ClearCompletedBefore(w.CompletionTime() - 1000)
	works, _ := m.ListWork(types.DefaultQueueID, types.StateCompleted)
	assert.Len(t, works, 1)

	// A cutoff after the completion drops it.
	m.ClearCompletedBefore(w.CompletionTime() + 1000)
	works, _ = m.ListWork(types.DefaultQueueID, types.StateCompleted)
	assert.Empty(t, works)
}

// ============================================================================
// Shutdown
// ============================================================================

func TestShutdownRejectsFurtherCalls(t *testing.T) {
	m := newTestManager(t)

	terminated, err := m.Shutdown(2 * time.Second)
	require.NoError(t, err)
	assert.True(t, terminated)

	_, err = m.Shutdown(time.Second)
	assert.ErrorIs(t, err, ErrShutdown)

	err = m.Schedule(context.Background(), newTestWork("late", "", nil), types.Enqueue, false)
	assert.ErrorIs(t, err, ErrShutdown)

	_, err = m.ListWork(types.DefaultQueueID, "")
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestShutdownQueueRestartsLazily(t *testing.T) {
	m := newTestManager(t)

	w := newTestWork("w-1", "", nil)
	require.NoError(t, m.Schedule(context.Background(), w, types.Enqueue, false))
	require.True(t, m.AwaitCompletion(nil, 2*time.Second))

	terminated, err := m.ShutdownQueue(types.DefaultQueueID, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, terminated)

	// The manager stays alive; the next submission starts a fresh pool.
	again := newTestWork("w-2", "", nil)
	require.NoError(t, m.Schedule(context.Background(), again, types.Enqueue, false))
	waitFor(t, 2*time.Second, func() bool {
		return again.State() == types.StateCompleted
	}, "work did not run on the restarted queue")
}

func TestShutdownQueueUnknown(t *testing.T) {
	m := newTestManager(t)
	_, err := m.ShutdownQueue("missing", time.Second)
	assert.ErrorIs(t, err, registry.ErrUnknownQueue)
}
