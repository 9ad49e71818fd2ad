package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis client used by level backends
type RedisConfig struct {
	Addr         string `json:"addr" yaml:"addr"`
	Password     string `json:"password" yaml:"password"`
	DB           int    `json:"db" yaml:"db"`
	PoolSize     int    `json:"pool_size" yaml:"pool_size"`
	MinIdleConns int    `json:"min_idle_conns" yaml:"min_idle_conns"`
	MaxRetries   int    `json:"max_retries" yaml:"max_retries"`
	KeyPrefix    string `json:"key_prefix" yaml:"key_prefix"`
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisBackend stores JSON-encoded values under a key prefix
type RedisBackend[V any] struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend creates a backend using keys prefix+key
func NewRedisBackend[V any](client redis.UniversalClient, prefix string) *RedisBackend[V] {
	return &RedisBackend[V]{client: client, prefix: prefix}
}

func (b *RedisBackend[V]) key(k string) string {
	return b.prefix + k
}

// Get returns the decoded value, or found=false when the key is absent
func (b *RedisBackend[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V

	data, err := b.client.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("redis get failed: %w", err)
	}

	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, false, fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return v, true, nil
}

// Set stores value with the given expiry
func (b *RedisBackend[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	if err := b.client.Set(ctx, b.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete removes key
func (b *RedisBackend[V]) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.key(key)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// Clear removes every key under the prefix
func (b *RedisBackend[V]) Clear(ctx context.Context) error {
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 100).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := b.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis clear failed: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan failed: %w", err)
	}
	if len(batch) > 0 {
		if err := b.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis clear failed: %w", err)
		}
	}
	return nil
}

// Name identifies the backend in logs and stats
func (b *RedisBackend[V]) Name() string {
	return "redis"
}
