package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the dedup lock with redis so multiple nodes can share
// it. SET NX with a TTL is the atomic add-if-absent primitive.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a redis-backed lock store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Acquire implements Store.
func (r *RedisStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return ok, nil
}
