package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by TryLock when another holder owns the lock.
var ErrLockHeld = errors.New("lock held by another process")

// releaseScript deletes the key only if it still holds our token, so an
// expired lock taken over by another replica is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker provides short-lived mutual exclusion across replicas.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(opts *redis.Options) *RedisLocker {
	rdb := redis.NewClient(opts)
	return &RedisLocker{client: rdb, prefix: "push:lock:"}
}

func (l *RedisLocker) Ping(ctx context.Context) error { return l.client.Ping(ctx).Err() }

func (l *RedisLocker) Close() error { return l.client.Close() }

// TryLock takes name for ttl. The returned release func is safe to call after
// the lock expired.
func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	key := l.prefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}

	release := func(ctx context.Context) error {
		err := releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	return release, nil
}
