// Package locks provides the mutual-exclusion scopes the resolve pipeline
// relies on: per-record-key serialization and per-entity mutation locks.
package locks

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/kanoniv/kanoniv-cloud/pkg/redis"
)

// ErrNotAcquired is returned when a lock cannot be acquired within the
// configured wait.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker serializes work on string keys.
type Locker interface {
	// WithLock runs fn while holding the lock for key. Returns ErrNotAcquired
	// when the lock cannot be obtained in time.
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// WithOrderedLocks acquires every key in sorted order before running fn.
// Sorting gives all callers a globally consistent acquisition order, so two
// merges touching the same entities cannot deadlock.
func WithOrderedLocks(ctx context.Context, locker Locker, keys []string, fn func(ctx context.Context) error) error {
	if len(keys) == 0 {
		return fn(ctx)
	}

	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	// dedupe: a merge can name the same entity twice
	deduped := sorted[:0]
	for i, k := range sorted {
		if i == 0 || k != sorted[i-1] {
			deduped = append(deduped, k)
		}
	}

	var run func(ctx context.Context, remaining []string) error
	run = func(ctx context.Context, remaining []string) error {
		if len(remaining) == 0 {
			return fn(ctx)
		}
		return locker.WithLock(ctx, remaining[0], func(ctx context.Context) error {
			return run(ctx, remaining[1:])
		})
	}

	return run(ctx, deduped)
}

// RedisLocker adapts the shared Redis SETNX locker to the Locker interface.
// Used when multiple engine instances share one graph.
type RedisLocker struct {
	locker  *redis.Locker
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed holder
// can wedge a key; timeout bounds how long an acquirer waits.
func NewRedisLocker(locker *redis.Locker, ttl, timeout time.Duration) *RedisLocker {
	return &RedisLocker{
		locker:  locker,
		ttl:     ttl,
		timeout: timeout,
	}
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lock, err := l.locker.TryAcquire(ctx, key, l.ttl, l.timeout)
	if err != nil {
		if errors.Is(err, redis.ErrLockNotAcquired) {
			return ErrNotAcquired
		}
		return err
	}
	defer lock.Release(ctx)

	return fn(ctx)
}
