// Package keylock serialises work per key using a fixed set of sharded locks.
package keylock

import (
	"context"
	"time"

	dErrors "dimona/pkg/domain-errors"
)

// DefaultShards spreads keys across enough locks to keep unrelated keys from
// contending under normal load.
const DefaultShards = 128

const defaultTimeout = 30 * time.Second

// Locker runs functions under a per-key lock. Distinct keys may share a shard,
// so a caller must never hold two keys of the same Locker at once.
type Locker struct {
	shards  []chan struct{}
	timeout time.Duration
}

type Option func(*Locker)

// WithTimeout bounds how long Do waits and runs when ctx carries no deadline.
func WithTimeout(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// New builds a Locker with n shards (DefaultShards when n <= 0).
func New(n int, opts ...Option) *Locker {
	if n <= 0 {
		n = DefaultShards
	}
	l := &Locker{shards: make([]chan struct{}, n), timeout: defaultTimeout}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Do acquires the lock for key and runs fn. It gives up when ctx ends first.
func (l *Locker) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "lock aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	shard := l.shards[hashKey(key)%uint32(len(l.shards))]
	select {
	case shard <- struct{}{}:
	case <-ctx.Done():
		return dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "lock wait timed out")
	}
	defer func() { <-shard }()

	return fn(ctx)
}

// hashKey is FNV-1a.
func hashKey(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
