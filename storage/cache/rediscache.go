package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend is an optional distributed Backend, useful when multiple
// server processes should share one cache instead of each holding its own
// process-local map. Grounded on suleymanmyradov-growth-server's go-redis
// usage for its session/read cache.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBackend returns a Backend storing entries in Redis with the given
// TTL (0 disables expiry).
func NewRedisBackend(client *redis.Client, ttl time.Duration) *RedisBackend {
	return &RedisBackend{client: client, ttl: ttl}
}

func (r *RedisBackend) Get(key string) ([]byte, bool) {
	v, err := r.client.Get(context.Background(), key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (r *RedisBackend) Set(key string, value []byte) {
	r.client.Set(context.Background(), key, value, r.ttl)
}

func (r *RedisBackend) Delete(key string) {
	r.client.Del(context.Background(), key)
}
