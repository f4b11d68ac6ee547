package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis-backed cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// CacheTTL bounds how long an identity association is trusted before
	// it is re-resolved from the platform.
	CacheTTL time.Duration
}

// RedisCache is a generic Cache backed by Redis, for deployments where
// several connector instances share one identity cache. On a miss, a
// configured fallback Fetcher is consulted and the result written back in
// the background.
type RedisCache[K comparable, V any] struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
	fallback    Fetcher[K, V]
}

// NewRedisCache creates and connects a RedisCache. It pings the server to
// ensure connectivity before returning. The fallback may be nil.
func NewRedisCache[K comparable, V any](
	ctx context.Context,
	cfg *RedisConfig,
	fallback Fetcher[K, V],
	logger zerolog.Logger,
) (*RedisCache[K, V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache[K, V]{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisCache").Logger(),
		ttl:         cfg.CacheTTL,
		fallback:    fallback,
	}, nil
}

// Fetch retrieves an item by key. A redis.Nil result is a normal miss and
// falls through to the fallback when one is configured.
func (c *RedisCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	stringKey := fmt.Sprintf("%v", key)
	cachedData, err := c.redisClient.Get(ctx, stringKey).Result()
	if err == nil {
		var value V
		if err := json.Unmarshal([]byte(cachedData), &value); err != nil {
			c.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to unmarshal cached data.")
			return zero, fmt.Errorf("failed to unmarshal cached data: %w", err)
		}
		return value, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.logger.Error().Err(err).Msg("Unexpected Redis error during fetch.")
		return zero, err
	}

	if c.fallback == nil {
		return zero, fmt.Errorf("key '%v' not found in cache and no fallback is configured", key)
	}
	value, err := c.fallback.Fetch(ctx, key)
	if err != nil {
		return zero, err
	}

	// Write back in the background so the request path is not blocked on
	// the cache write.
	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if writeErr := c.Write(writeCtx, key, value); writeErr != nil {
			c.logger.Error().Err(writeErr).Str("key", stringKey).Msg("Failed to write to cache in background.")
		}
	}()

	return value, nil
}

// Write sets a value with the configured TTL.
func (c *RedisCache[K, V]) Write(ctx context.Context, key K, value V) error {
	stringKey := fmt.Sprintf("%v", key)
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal data for caching: %w", err)
	}
	if err := c.redisClient.Set(ctx, stringKey, jsonData, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

// Invalidate removes a key; removing an absent key is not an error.
func (c *RedisCache[K, V]) Invalidate(ctx context.Context, key K) error {
	stringKey := fmt.Sprintf("%v", key)
	if err := c.redisClient.Del(ctx, stringKey).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection and the fallback, if any.
func (c *RedisCache[K, V]) Close() error {
	var firstErr error
	if c.redisClient != nil {
		firstErr = c.redisClient.Close()
	}
	if c.fallback != nil {
		if err := c.fallback.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
