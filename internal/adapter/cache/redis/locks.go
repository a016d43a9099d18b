package redisadp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// releaseScript deletes the lock key only while we still hold it, so an
// expired lease taken over by another holder is never released from under
// them.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// LockManager hands out Redis-backed leases implementing domain.LockManager.
type LockManager struct {
	client *redis.Client
}

// NewLockManager wraps an existing client.
func NewLockManager(client *redis.Client) *LockManager {
	return &LockManager{client: client}
}

// Get returns a named lock handle. Nothing is acquired yet.
func (m *LockManager) Get(name string, ttl time.Duration) domain.Lock {
	return &lock{client: m.client, key: "lock:" + name, ttl: ttl}
}

type lock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// Acquire is non-blocking: it takes the lease or fails with
// ErrUnableToAcquireLock. The returned release func is safe to call after the
// lease has expired.
func (l *lock) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("op=lock.Acquire: key=%s: %w", l.key, err)
	}
	if !ok {
		return nil, fmt.Errorf("op=lock.Acquire: key=%s: %w", l.key, domain.ErrUnableToAcquireLock)
	}
	release := func() {
		if err := releaseScript.Run(context.Background(), l.client, []string{l.key}, token).Err(); err != nil {
			slog.Warn("could not release lock", slog.String("key", l.key), slog.Any("error", err))
		}
	}
	return release, nil
}
