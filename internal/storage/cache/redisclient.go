package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient wraps go-redis to satisfy CacheClient. Values are stored as JSON.
type RedisClient struct {
	rdb *redis.Client
}

func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Fail fast if connection is bad
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisClient{rdb: rdb}, nil
}

// Get decodes the value at key into dest. A missing key returns redis.Nil.
func (c *RedisClient) Get(ctx context.Context, key string, dest any) error {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(val, dest)
}

func (c *RedisClient) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	bytes, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, bytes, ttl).Err()
}

// SetMany writes every entry in a single pipeline.
func (c *RedisClient) SetMany(ctx context.Context, entries map[string]any, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	encoded := make(map[string][]byte, len(entries))
	for key, value := range entries {
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		encoded[key] = b
	}
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, b := range encoded {
			pipe.Set(ctx, key, b, ttl)
		}
		return nil
	})
	return err
}

func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *RedisClient) Close() error {
	return c.rdb.Close()
}
