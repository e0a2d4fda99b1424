package state

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisBackend stores dedupe state under a shared Redis key. It trades the
// durability of a file or Postgres table for low-latency shared access
// across multiple pipeline hosts; operators accepting that a Redis restart
// without persistence can drop flap history should prefer it over
// FileBackend, never as the default.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend wraps an already-connected client.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "alerts:state:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) Save(ctx context.Context, key string, data []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis save %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis load %s: %w", key, err)
	}
	return data, nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := r.client.Keys(ctx, r.prefix+prefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("redis list %s: %w", prefix, err)
	}
	for i, k := range keys {
		keys[i] = k[len(r.prefix):]
	}
	return keys, nil
}

func (r *RedisBackend) Close(ctx context.Context) error {
	return r.client.Close()
}
