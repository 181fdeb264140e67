// Package coordination owns the ephemeral state of indexing: redis fences
// marking in-flight (pair, settings) work, worker leases, and the
// validator that reclaims state left behind by crashed workers. Durable
// attempt rows live in the repository; this package composes the two.
package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the coordination key-value contract: strings with TTL plus a scan
// and counter primitive. Satisfied by RedisKV below; tests use an
// in-memory fake.
type KV interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string) ([]string, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)

	// Lease primitives: acquire is SET NX with an owner token; reacquire
	// extends only while still owned.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReacquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

// RedisKV implements KV on go-redis.
type RedisKV struct {
	rdb *redis.Client
}

func NewRedisKV(rdb *redis.Client) *RedisKV {
	return &RedisKV{rdb: rdb}
}

var _ KV = (*RedisKV)(nil)

func (r *RedisKV) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("coordination: exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("coordination: get %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("coordination: set %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("coordination: delete %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("coordination: scan %s: %w", prefix, err)
	}
	return keys, nil
}

func (r *RedisKV) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	v, err := r.rdb.IncrBy(ctx, key, n).Result()
	if err != nil {
		return 0, fmt.Errorf("coordination: incrby %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisKV) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("coordination: acquire %s: %w", key, err)
	}
	return ok, nil
}

// reacquireScript extends the TTL only when the caller still owns the key.
var reacquireScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)

func (r *RedisKV) ReacquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := reacquireScript.Run(ctx, r.rdb, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("coordination: reacquire %s: %w", key, err)
	}
	return res == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

func (r *RedisKV) ReleaseLease(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{key}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("coordination: release %s: %w", key, err)
	}
	return nil
}
