// ============================================================================
// Transaction Abstraction - Commit/Rollback Synchronizations
// ============================================================================
//
// Package: internal/tx
// File: tx.go
// Purpose: The two-method completion callback the work manager consumes,
//          plus an in-memory transaction that carries it through a Context
//
// The work manager only ever consumes the synchronization contract: it
// registers a callback on the ambient transaction and reacts to the final
// status. The in-memory Transaction here gates after-commit submissions in
// the standalone binary and in tests; a deployment with a real transaction
// manager adapts it behind the same interface.
//
// The ambient transaction travels in a context.Context, the Go rendering
// of a thread-bound transaction.
//
// ============================================================================

package tx

import (
	"context"
	"errors"
	"sync"
)

// Status is the outcome a synchronization observes at completion.
type Status string

const (
	StatusActive     Status = "active"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
	StatusUnknown    Status = "unknown"
)

var (
	// ErrNotActive indicates a synchronization was registered on a
	// transaction that already completed.
	ErrNotActive = errors.New("transaction not active")
)

// Synchronization is the completion callback registered on a transaction.
type Synchronization interface {
	// BeforeCompletion runs before the outcome is decided.
	BeforeCompletion()
	// AfterCompletion runs exactly once with the final status.
	AfterCompletion(status Status)
}

// Transaction is a minimal in-memory transaction. Synchronizations fire in
// registration order on Commit and Rollback.
type Transaction struct {
	mu     sync.Mutex
	status Status
	syncs  []Synchronization
}

type ctxKey struct{}

// Begin starts a transaction and binds it to the returned context.
func Begin(ctx context.Context) (context.Context, *Transaction) {
	t := &Transaction{status: StatusActive}
	return context.WithValue(ctx, ctxKey{}, t), t
}

// FromContext returns the ambient transaction, if any.
func FromContext(ctx context.Context) (*Transaction, bool) {
	if ctx == nil {
		return nil, false
	}
	t, ok := ctx.Value(ctxKey{}).(*Transaction)
	return t, ok
}

// Status returns the current transaction status.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// RegisterSynchronization adds a completion callback. Only an active
// transaction accepts registrations.
func (t *Transaction) RegisterSynchronization(s Synchronization) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return ErrNotActive
	}
	t.syncs = append(t.syncs, s)
	return nil
}

// Commit completes the transaction with StatusCommitted. Committing a
// completed transaction is a no-op.
func (t *Transaction) Commit() {
	t.complete(StatusCommitted)
}

// Rollback completes the transaction with StatusRolledBack.
func (t *Transaction) Rollback() {
	t.complete(StatusRolledBack)
}

func (t *Transaction) complete(status Status) {
	t.mu.Lock()
	if t.status != StatusActive {
		t.mu.Unlock()
		return
	}
	t.status = status
	syncs := t.syncs
	t.syncs = nil
	t.mu.Unlock()

	// Callbacks run outside the transaction lock: they may start new
	// transactions or submit more work.
	for _, s := range syncs {
		s.BeforeCompletion()
	}
	for _, s := range syncs {
		s.AfterCompletion(status)
	}
}

// RunInTransaction runs fn inside a fresh transaction bound to the
// context. The transaction commits when fn returns nil and rolls back
// otherwise. Work implementations that need a transaction around their
// body use this; the pool itself does not interpret work variants.
func RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	txCtx, t := Begin(ctx)
	if err := fn(txCtx); err != nil {
		t.Rollback()
		return err
	}
	t.Commit()
	return nil
}
