package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// unlockScript releases a lock only if the caller still holds the token
// it set, so a goroutine whose lease already expired cannot clobber a
// newer holder's lock.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

const lockKeyPrefix = "flowctl:lock:"

// Lock is a Redis-backed distributed advisory lock. The daemon keeps
// only the client NewLockClient returns (for LogStreamCache); neither
// the program compile queue nor per-pipeline automaton dispatch takes
// this lock.
type Lock struct {
	client *redis.Client
}

// NewLock wraps an existing Redis client for distributed locking.
func NewLock(client *redis.Client) *Lock {
	return &Lock{client: client}
}

// NewLockClient connects to addr and returns a Lock, pinging to verify
// connectivity.
func NewLockClient(addr, password string, db int) (*Lock, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Lock{client: client}, client, nil
}

// TryAcquire attempts to take the named lock for ttl under token (the
// same token must later be passed to Release), returning (true, nil) on
// success or (false, nil) if the lock is already held.
func (l *Lock) TryAcquire(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKeyPrefix+name, token, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release drops the lock if token still matches the current holder.
func (l *Lock) Release(ctx context.Context, name, token string) error {
	return unlockScript.Run(ctx, l.client, []string{lockKeyPrefix + name}, token).Err()
}

// Extend refreshes the lock's TTL if token still matches the current
// holder, used by a long reconcile iteration to avoid losing the lock
// mid-transition.
func (l *Lock) Extend(ctx context.Context, name, token string, ttl time.Duration) error {
	pipe := l.client.Pipeline()
	get := pipe.Get(ctx, lockKeyPrefix+name)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return err
	}
	held, err := get.Result()
	if err == redis.Nil {
		return fmt.Errorf("lock %s not held", name)
	}
	if err != nil {
		return err
	}
	if held != token {
		return fmt.Errorf("lock %s held by a different token", name)
	}
	return l.client.Expire(ctx, lockKeyPrefix+name, ttl).Err()
}

const logStreamKeyPrefix = "flowctl:logstream:"

// LogStreamCache mirrors the recent tail of a pipeline's worker output
// in Redis so a façade restart does not lose what InputGenerator/worker
// wrote moments before, complementing the in-process OutputStore.
type LogStreamCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLogStreamCache wraps client with a fixed TTL applied on every append.
func NewLogStreamCache(client *redis.Client, ttl time.Duration) *LogStreamCache {
	return &LogStreamCache{client: client, ttl: ttl}
}

// Append pushes a chunk onto the pipeline's list and refreshes its TTL,
// trimming the list to maxLines entries.
func (c *LogStreamCache) Append(ctx context.Context, pipelineID, chunk string, maxLines int64) error {
	key := logStreamKeyPrefix + pipelineID
	pipe := c.client.Pipeline()
	pipe.RPush(ctx, key, chunk)
	pipe.LTrim(ctx, key, -maxLines, -1)
	pipe.Expire(ctx, key, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Tail returns the buffered chunks for a pipeline, oldest first.
func (c *LogStreamCache) Tail(ctx context.Context, pipelineID string) ([]string, error) {
	return c.client.LRange(ctx, logStreamKeyPrefix+pipelineID, 0, -1).Result()
}

// Clear removes the buffered entry for a pipeline at once, without
// waiting for its TTL.
func (c *LogStreamCache) Clear(ctx context.Context, pipelineID string) error {
	return c.client.Del(ctx, logStreamKeyPrefix+pipelineID).Err()
}
