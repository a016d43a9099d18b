// Package redisadp provides the Redis-backed cache, distributed locks and the
// event processing store.
package redisadp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient parses a redis URL and builds a client.
func NewClient(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisadp.NewClient: %w", err)
	}
	return redis.NewClient(opt), nil
}

// Cache implements domain.Cache on Redis. Values are opaque bytes; TTLs are
// mandatory, this cache holds nothing forever.
type Cache struct {
	client *redis.Client
}

// NewCache wraps an existing client.
func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Get returns (nil, false, nil) on a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("op=Cache.Get: key=%s: %w", key, err)
	}
	return b, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("op=Cache.Set: key=%s: %w", key, err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("op=Cache.Delete: key=%s: %w", key, err)
	}
	return nil
}
