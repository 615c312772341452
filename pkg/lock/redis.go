// Package lock provides a Redis token lock so that only one process runs a
// maintenance task, such as the record sweep, at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when the lock expired or was taken by another holder.
var ErrNotHeld = errors.New("lock not held")

// KeySweep guards the product record sweep.
const KeySweep = "storefront:lock:records-sweep"

var (
	unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)
)

// RedisLock is a held lock.
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
}

// TryLock acquires key for ttl. It reports false without error when another
// holder has it.
func TryLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*RedisLock, bool, error) {
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &RedisLock{client: client, key: key, token: token}, true, nil
}

// Key returns the locked key.
func (l *RedisLock) Key() string {
	return l.key
}

// Refresh extends the lock to ttl from now.
func (l *RedisLock) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Unlock releases the lock if this holder still owns it.
func (l *RedisLock) Unlock(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Do runs fn while holding key. It reports whether fn ran.
func Do(ctx context.Context, client *redis.Client, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	l, ok, err := TryLock(ctx, client, key, ttl)
	if err != nil || !ok {
		return false, err
	}

	runErr := fn(ctx)

	unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.Unlock(unlockCtx); err != nil && !errors.Is(err, ErrNotHeld) {
		return true, errors.Join(runErr, err)
	}
	return true, runErr
}
