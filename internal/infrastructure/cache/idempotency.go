package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/carebill-backend/internal/infrastructure/config"
)

// IdempotencyCache is a Redis lookaside mapping payment idempotency keys to
// payment IDs. It only short-circuits duplicate submissions; the unique
// constraint on the payments table remains the correctness mechanism, so a
// cache miss or failure is never an error.
type IdempotencyCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewIdempotencyCache connects to Redis and verifies the connection
func NewIdempotencyCache(cfg *config.RedisConfig, logger *zap.Logger) (*IdempotencyCache, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("idempotency cache initialized",
		zap.String("addr", cfg.URL),
		zap.Duration("ttl", cfg.KeyTTL))

	return &IdempotencyCache{
		client: client,
		ttl:    cfg.KeyTTL,
		logger: logger,
	}, nil
}

// NewIdempotencyCacheWithClient wraps an existing client, used by tests
func NewIdempotencyCacheWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *IdempotencyCache {
	return &IdempotencyCache{client: client, ttl: ttl, logger: logger}
}

// Get returns the payment ID cached for the key, if any
func (c *IdempotencyCache) Get(ctx context.Context, key string) (uuid.UUID, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("idempotency get failed: %w", err)
	}

	id, err := uuid.Parse(val)
	if err != nil {
		// A corrupt entry is treated as a miss; the database resolves it
		c.logger.Warn("dropping malformed idempotency entry", zap.String("key", key))
		c.client.Del(ctx, cacheKey(key))
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

// Set records the key to payment mapping with the configured TTL
func (c *IdempotencyCache) Set(ctx context.Context, key string, paymentID uuid.UUID) error {
	if err := c.client.Set(ctx, cacheKey(key), paymentID.String(), c.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency set failed: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable, used by readiness checks
func (c *IdempotencyCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying Redis client
func (c *IdempotencyCache) Close() error {
	return c.client.Close()
}

func cacheKey(key string) string {
	return "billing:idempotency:" + key
}
