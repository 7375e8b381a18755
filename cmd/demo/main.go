// Demo exercising the work manager end to end: direct submission,
// after-commit gating on commit and rollback, and graceful shutdown.
//
// Usage: go run cmd/demo/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/crestforge/workmanager/internal/manager"
	"github.com/crestforge/workmanager/internal/registry"
	"github.com/crestforge/workmanager/internal/tx"
	"github.com/crestforge/workmanager/internal/work"
	"github.com/crestforge/workmanager/pkg/types"
)

type sleepWork struct {
	work.Base
	d time.Duration
}

func newSleepWork(id string, d time.Duration) *sleepWork {
	return &sleepWork{Base: work.NewBase(id, ""), d: d}
}

func (w *sleepWork) Run(ctx context.Context) error {
	time.Sleep(w.d)
	return nil
}

func main() {
	reg := registry.New()
	if err := reg.RegisterContribution(types.QueueDescriptor{
		ID:         types.DefaultQueueID,
		MaxThreads: 2,
		Capacity:   8,
	}); err != nil {
		log.Fatalf("Failed to register queue: %v", err)
	}

	mgr := manager.New(reg)
	mgr.Init()
	mgr.Activate()

	ctx := context.Background()

	// Direct submissions.
	for i := 0; i < 4; i++ {
		w := newSleepWork(fmt.Sprintf("direct-%d", i), 50*time.Millisecond)
		if err := mgr.Schedule(ctx, w, types.Enqueue, false); err != nil {
			log.Fatalf("Failed to schedule: %v", err)
		}
	}

	// After-commit submission: held until the transaction commits.
	txCtx, t := tx.Begin(ctx)
	gated := newSleepWork("after-commit", 50*time.Millisecond)
	if err := mgr.Schedule(txCtx, gated, types.Enqueue, true); err != nil {
		log.Fatalf("Failed to schedule after-commit: %v", err)
	}
	fmt.Printf("before commit: %s is %s\n", gated.ID(), gated.State())
	t.Commit()

	// After-commit submission on a rolled-back transaction: canceled.
	rbCtx, rb := tx.Begin(ctx)
	doomed := newSleepWork("rolled-back", 50*time.Millisecond)
	if err := mgr.Schedule(rbCtx, doomed, types.Enqueue, true); err != nil {
		log.Fatalf("Failed to schedule after-commit: %v", err)
	}
	rb.Rollback()
	fmt.Printf("after rollback: %s is %s\n", doomed.ID(), doomed.State())

	if !mgr.AwaitCompletion(nil, 5*time.Second) {
		log.Fatal("work did not complete in time")
	}

	counts, _ := mgr.QueueCounts(types.DefaultQueueID)
	fmt.Printf("completed: %d (expect 5: 4 direct + 1 after-commit)\n", counts.Completed)

	if _, err := mgr.Shutdown(2 * time.Second); err != nil {
		log.Fatalf("Shutdown failed: %v", err)
	}
	fmt.Println("done")
}
