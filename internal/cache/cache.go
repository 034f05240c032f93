// Package cache provides a small TTL-keyed cache used by the Manager to
// correlate an asynchronous placement-oracle response back to the request
// that triggered it, and by cluster Drivers to remember which backend
// resources belong to an assignment so they can be torn down on
// termination without a further KV round trip.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache wraps a Redis client with JSON marshaling and a namespacing prefix
// so unrelated callers (Manager correlation vs Driver resource cache) never
// collide on keys.
type Cache struct {
	rdb    *redis.Client
	prefix string
}

// Config holds the connection parameters for a Cache.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func New(cfg Config) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Cache{rdb: rdb, prefix: cfg.Prefix}
}

func (c *Cache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Set stores value under key with the given TTL. A ttl of zero means no
// expiry, used sparingly for long-lived resource-cache entries that are
// cleared explicitly on termination instead.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	return c.rdb.Set(ctx, c.key(key), data, ttl).Err()
}

// Get unmarshals the value stored at key into dest. It returns
// redis.Nil-wrapped errors unchanged so callers can check
// errors.Is(err, redis.Nil) for a cache miss.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.key(key)).Err()
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Ping verifies connectivity, used at service startup.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
