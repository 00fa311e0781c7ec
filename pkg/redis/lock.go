package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockNotAcquired is returned when a lease is still held by another
	// caller at the end of the acquisition wait.
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when releasing a lease that expired or was
	// taken over.
	ErrLockNotHeld = errors.New("lock not held")
)

const (
	acquireBaseBackoff = 10 * time.Millisecond
	acquireMaxBackoff  = 500 * time.Millisecond
)

// releaseScript deletes the lease only when the stored token still matches,
// so a holder whose lease expired cannot delete a successor's lease.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Locker hands out single-holder leases backed by SET NX. The resolver takes
// one lease per record key and per entity id; the TTL is the recovery bound
// after a crashed holder, not the critical-section budget.
type Locker struct {
	client    *Client
	keyPrefix string
}

// NewLocker creates a new Locker
func NewLocker(client *Client, keyPrefix string) *Locker {
	if keyPrefix == "" {
		keyPrefix = "lock:"
	}
	return &Locker{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Lock is a held lease. Resolve critical sections are short relative to the
// TTL, so leases are released, never extended.
type Lock struct {
	client *Client
	key    string
	token  string
}

// TryAcquire takes the lease for key, waiting up to timeout with doubling
// backoff while another holder has it.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration, timeout time.Duration) (*Lock, error) {
	lockKey := l.keyPrefix + key
	token := uuid.New().String()
	deadline := time.Now().Add(timeout)
	backoff := acquireBaseBackoff

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			l.client.logger.WithContext(ctx).Debugf("Acquired lock: %s", key)
			return &Lock{client: l.client, key: lockKey, token: token}, nil
		}

		if !time.Now().Add(backoff).Before(deadline) {
			return nil, ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > acquireMaxBackoff {
				backoff = acquireMaxBackoff
			}
		}
	}
}

// Release returns the lease.
func (lock *Lock) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, lock.client.rdb, []string{lock.key}, lock.token).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}

	lock.client.logger.WithContext(ctx).Debugf("Released lock: %s", lock.key)
	return nil
}
