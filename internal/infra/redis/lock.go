// File: internal/infra/redis/lock.go
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockHeld is returned when the lock could not be acquired in time.
var ErrLockHeld = errors.New("lock already held")

type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

// RedisLocker guards the provider status re-fetch during reconciliation so
// concurrent duplicate notifications don't each hit the provider. It is an
// optimization only: the ledger's conditional update remains the sole
// correctness guard.
type RedisLocker struct {
	cli *redis.Client
}

func NewLocker(c *Client) *RedisLocker {
	return &RedisLocker{cli: c.cli}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	var lastErr error
	for i := 0; i < 5; i++ { // 5 tries
		ok, err := l.cli.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return token, nil
		}
		lastErr = nil
		time.Sleep(50 * time.Millisecond) // wait before retrying
	}
	if lastErr != nil {
		// Transport failure, not contention. ErrLockHeld means another
		// request actually holds the key.
		return "", lastErr
	}
	return "", ErrLockHeld
}

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	_, err := luaUnlock.Run(ctx, l.cli, []string{key}, token).Result()
	return err
}

func ReconcileLockKey(gateway, externalRef string) string {
	return "reconcile_lock:" + gateway + ":" + externalRef
}
