package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheConfig configures the Redis-backed second tier behind the FIGI
// resolver's in-process LRU.
type CacheConfig struct {
	Enabled  bool
	RedisURL string
}

// Cache is a Redis-backed second-tier cache for FIGI lookup results,
// fronted by an in-process LRU in the symbols package. Negative and
// positive lookups are stored under different TTLs by the caller (the
// cache itself is TTL-agnostic; Set takes an explicit ttl).
type Cache struct {
	client *redis.Client
}

// NewCache dials Redis and verifies connectivity.
func NewCache(config CacheConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr: config.RedisURL,
		DB:   0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Get reads a cached JSON value under key into dest. Returns ErrNoData if
// absent.
func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrNoData
		}
		return fmt.Errorf("%w: %v", ErrCacheError, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("%w: failed to unmarshal: %v", ErrCacheError, err)
	}
	return nil
}

// Set caches value as JSON under key with the given ttl.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal: %v", ErrCacheError, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheError, err)
	}
	return nil
}

// Close closes the underlying Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
