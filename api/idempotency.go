package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// pendingMarker is stored while the first request for a key is in flight.
const pendingMarker = "pending"

// RedisDeduper remembers which task an Idempotency-Key created so a retried
// create returns the original task instead of a duplicate.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("idem:%s:%s", userID, key)
}

// Reserve claims the key. It returns true when the caller is the first to
// use it.
func (r *RedisDeduper) Reserve(ctx context.Context, userID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(userID, key), pendingMarker, r.ttl).Result()
}

// Complete binds a reserved key to the created task.
func (r *RedisDeduper) Complete(ctx context.Context, userID, key, taskID string) error {
	return r.client.Set(ctx, r.key(userID, key), taskID, r.ttl).Err()
}

// Lookup returns the task bound to key. An empty id with a nil error means
// the first request has not finished yet.
func (r *RedisDeduper) Lookup(ctx context.Context, userID, key string) (string, error) {
	v, err := r.client.Get(ctx, r.key(userID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if v == pendingMarker {
		return "", nil
	}
	return v, nil
}

// Remove deletes a reserved key so a failed create may be retried.
func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
