package analytics

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gyaneshwarpardhi/provgraph/internal/config"
	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
)

// Cache stores serialized query answers.
type Cache interface {
	// Get reports a miss as ok == false with a nil error.
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// RedisCache is a Cache on Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a cache backed by the Redis server in conf.
func NewRedisCache(conf config.CacheConf) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.RedisAddr,
		Password: conf.RedisPassword,
		DB:       conf.RedisDB,
	})
	return &RedisCache{client: rdb}
}

// Ping checks that the server answers.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "redis get %s", key)
	}
	return b, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, val, ttl).Err(); err != nil {
		return errors.Wrapf(err, "redis set %s", key)
	}
	return nil
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// NopCache never hits.
type NopCache struct{}

// Get implements Cache.
func (NopCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

// Set implements Cache.
func (NopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
