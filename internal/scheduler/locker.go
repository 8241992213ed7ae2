package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Locker guards a pipeline run. TryLock never waits: ok is false when the
// lock is already held. release must be called exactly once after a
// successful TryLock.
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

// LocalLocker serializes runs within one process.
type LocalLocker struct {
	held atomic.Bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{}
}

func (l *LocalLocker) TryLock(ctx context.Context) (func(), bool, error) {
	if !l.held.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	return func() { l.held.Store(false) }, true, nil
}

const DefaultLockKey = "disaster-risk:pipeline:lock"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker serializes runs across every process sharing the Redis
// instance. The TTL bounds how long a crashed holder can block others.
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, key string, ttl time.Duration) *RedisLocker {
	if key == "" {
		key = DefaultLockKey
	}
	return &RedisLocker{
		client: client,
		key:    key,
		ttl:    ttl,
	}
}

func (l *RedisLocker) TryLock(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("error acquiring run-lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Only delete the key if it still carries our token; it may have
		// expired and been taken by another process.
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			slog.Error("failed to release run-lock", "key", l.key, "error", err)
		}
	}
	return release, true, nil
}
