// Package kv wraps the Redis client shared by every engine component:
// connection pooling, health checks, error translation, and the pub/sub
// event bus. Components receive the client by constructor injection.
package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"vidgen/internal/config"
	"vidgen/internal/models"
)

// NewClient builds a pooled Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})
}

// Ping verifies the store is reachable.
func Ping(ctx context.Context, rdb *redis.Client) error {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return Wrap("ping", err)
	}
	return nil
}

// IsMiss reports whether err is the store's key-absent result.
func IsMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Wrap translates store errors into the engine taxonomy while preserving the
// underlying message. Key misses become ErrNotFound; everything else is a
// ServiceUnavailable condition.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return fmt.Errorf("%s: %v: %w", op, err, models.ErrServiceUnavailable)
}
