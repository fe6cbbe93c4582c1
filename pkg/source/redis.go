// Package source holds shared backends that sit behind query fetch functions:
// a Redis response cache shared between processes and a Firestore document
// source.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// RedisResponseCache stores fetch responses in Redis so that several processes
// share one upstream request per key and TTL. It is a read-through layer in
// front of a fetch function; the in-process cache.Store stays the source of
// staleness and subscription state.
type RedisResponseCache struct {
	client redis.UniversalClient
	logger zerolog.Logger
	ttl    time.Duration
	prefix string
}

// NewRedisResponseCache connects to Redis and pings it before returning.
func NewRedisResponseCache(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisResponseCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")
	return NewRedisResponseCacheFromClient(rdb, cfg, logger), nil
}

// NewRedisResponseCacheFromClient wraps an existing client. The cache takes
// ownership of it and closes it in Close.
func NewRedisResponseCacheFromClient(client redis.UniversalClient, cfg *RedisConfig, logger zerolog.Logger) *RedisResponseCache {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "querysync:"
	}
	return &RedisResponseCache{
		client: client,
		logger: logger.With().Str("component", "RedisResponseCache").Logger(),
		ttl:    cfg.CacheTTL,
		prefix: prefix,
	}
}

func (c *RedisResponseCache) redisKey(key querykey.Key) string {
	return c.prefix + key.Hash()
}

// ReadThrough wraps fetch so that a Redis hit short-circuits the upstream call.
// On a miss the upstream result is written back in the background. Redis
// failures are logged and fall through to fetch; they never fail the query.
func ReadThrough[T any](c *RedisResponseCache, key querykey.Key, fetch func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		var cached T
		hit, err := c.get(ctx, key, &cached)
		if hit {
			return cached, nil
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("key", key.Canonical()).Msg("Redis lookup failed, fetching from source.")
		}

		value, err := fetch(ctx)
		if err != nil {
			var zero T
			return zero, err
		}

		go func() {
			writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if writeErr := c.Put(writeCtx, key, value); writeErr != nil {
				c.logger.Error().Err(writeErr).Str("key", key.Canonical()).Msg("Failed to write to cache in background.")
			}
		}()
		return value, nil
	}
}

// get reports hit=false with a nil error for a plain miss.
func (c *RedisResponseCache) get(ctx context.Context, key querykey.Key, out any) (bool, error) {
	rk := c.redisKey(key)
	raw, err := c.client.Get(ctx, rk).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.logger.Debug().Str("key", key.Canonical()).Msg("Redis cache miss.")
			return false, nil
		}
		return false, fmt.Errorf("redis get %s: %w", rk, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	c.logger.Debug().Str("key", key.Canonical()).Msg("Redis cache hit.")
	return true, nil
}

// Get loads a cached response into out. The boolean is false on a miss.
func (c *RedisResponseCache) Get(ctx context.Context, key querykey.Key, out any) (bool, error) {
	return c.get(ctx, key, out)
}

// Put stores value under key with the configured TTL.
func (c *RedisResponseCache) Put(ctx context.Context, key querykey.Key, value any) error {
	rk := c.redisKey(key)
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := c.client.Set(ctx, rk, jsonData, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	c.logger.Debug().Str("key", key.Canonical()).Msg("Successfully stored data in Redis cache.")
	return nil
}

// Purge deletes the shared responses for keys, so that an invalidated key is
// not served from Redis on the next refetch. It returns the number removed.
func (c *RedisResponseCache) Purge(ctx context.Context, keys ...querykey.Key) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	rks := make([]string, len(keys))
	for i, k := range keys {
		rks[i] = c.redisKey(k)
	}
	n, err := c.client.Del(ctx, rks...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}
	return n, nil
}

// Close closes the Redis client connection.
func (c *RedisResponseCache) Close() error {
	if c.client != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.client.Close()
	}
	return nil
}
