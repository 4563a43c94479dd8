package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// defaultKeyPrefix namespaces the per-day counters in Redis.
	defaultKeyPrefix = "llmgate:daily_cost"

	// counterTTL keeps yesterday's counter around briefly for debugging,
	// then lets Redis reclaim it.
	counterTTL = 48 * time.Hour
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the connection URL, e.g. "redis://localhost:6379" or
	// "redis://:password@host:6379/0".
	URL string

	// KeyPrefix overrides the default counter namespace.
	KeyPrefix string
}

// RedisCost is a Redis-backed daily-cost counter shared across gateway
// instances behind a load balancer.
type RedisCost struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisCost connects to Redis and verifies the connection.
func NewRedisCost(cfg RedisConfig) (*RedisCost, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}

	slog.Info("redis daily cost counter connected", "key_prefix", keyPrefix)
	return &RedisCost{client: client, keyPrefix: keyPrefix}, nil
}

// Add implements DailyCost with INCRBYFLOAT, so concurrent instances see a
// consistent running total.
func (c *RedisCost) Add(ctx context.Context, day string, amount float64) (float64, error) {
	key := c.keyPrefix + ":" + day

	pipe := c.client.TxPipeline()
	incr := pipe.IncrByFloat(ctx, key, amount)
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment daily cost: %w", err)
	}
	return incr.Val(), nil
}

func (c *RedisCost) Close() error {
	return c.client.Close()
}
