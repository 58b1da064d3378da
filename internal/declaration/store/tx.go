// Package store holds storage helpers shared by the period and declaration
// stores.
package store

import (
	"context"
	"sync"
	"time"

	dErrors "dimona/pkg/domain-errors"
)

const defaultTxTimeout = 5 * time.Second

type memTxKey struct{}

// MemoryTx serialises in-memory units of work behind one coarse lock. It gives
// isolation, not rollback: callers check every precondition before writing.
type MemoryTx struct {
	mu      sync.Mutex
	timeout time.Duration
}

func NewMemoryTx() *MemoryTx {
	return &MemoryTx{timeout: defaultTxTimeout}
}

// RunInTx runs fn under the lock. Nested calls join the outer unit.
func (t *MemoryTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	return fn(context.WithValue(ctx, memTxKey{}, struct{}{}))
}
