// Package cache is the Redis layer: IOC intel with confidence-tiered TTLs,
// FP pattern snapshots, kill switches, spend counters and idempotency
// markers. Every read and write is fail-open: the cache accelerates the
// pipeline but never gates it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds connection settings for the cache.
type Config struct {
	URL string
}

// Client wraps go-redis with the key discipline the platform relies on:
// tenant-scoped keys for tenant data, global keys only for globally-owned
// state (FP patterns, kill switches).
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewClient connects and pings. Startup fails on an unreachable cache;
// runtime outages after startup degrade to fail-open behavior.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("cache connected", "addr", opts.Addr)
	return &Client{rdb: rdb, logger: logger}, nil
}

// NewClientFromRedis wraps an existing redis client; tests pass a miniredis
// backed one.
func NewClientFromRedis(rdb *redis.Client, logger *slog.Logger) *Client {
	return &Client{rdb: rdb, logger: logger}
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// GetJSON reads key into v. Returns (false, nil) on a miss and (false, err)
// on infrastructure failure; callers treat both as a miss.
func (c *Client) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		c.logger.Warn("cache read failed", "key", key, "error", err)
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		// A corrupt entry is treated as a miss and evicted.
		c.logger.Warn("cache entry corrupt, evicting", "key", key, "error", err)
		_ = c.rdb.Del(ctx, key).Err()
		return false, nil
	}
	return true, nil
}

// SetJSON writes v under key with ttl (0 means no expiry).
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache value for %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
		return err
	}
	return nil
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("cache delete failed", "key", key, "error", err)
		return err
	}
	return nil
}

// SetOnce sets key only if absent, returning whether this call won. It backs
// one-shot signals (escalation pings, monthly soft alerts); on cache failure
// it reports false so the signal is suppressed rather than duplicated
// unboundedly by a flapping cache.
func (c *Client) SetOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	won, err := c.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		c.logger.Warn("cache setnx failed", "key", key, "error", err)
		return false, err
	}
	return won, nil
}

// IncrBy adds delta to the counter at key, creating it with ttl when new.
func (c *Client) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	val, err := c.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		c.logger.Warn("cache incr failed", "key", key, "error", err)
		return 0, err
	}
	if val == delta && ttl > 0 {
		_ = c.rdb.Expire(ctx, key, ttl).Err()
	}
	return val, nil
}

// IncrByFloat adds delta to the float counter at key.
func (c *Client) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	val, err := c.rdb.IncrByFloat(ctx, key, delta).Result()
	if err != nil {
		c.logger.Warn("cache incrbyfloat failed", "key", key, "error", err)
		return 0, err
	}
	return val, nil
}

// ExpireOnce sets a ttl on key only when it has none yet. Counters created
// by IncrByFloat use this so month-scoped keys age out on their own.
func (c *Client) ExpireOnce(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.ExpireNX(ctx, key, ttl).Err(); err != nil {
		c.logger.Warn("cache expire failed", "key", key, "error", err)
		return err
	}
	return nil
}

// GetFloat reads a float counter, 0 when absent.
func (c *Client) GetFloat(ctx context.Context, key string) (float64, error) {
	val, err := c.rdb.Get(ctx, key).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		c.logger.Warn("cache float read failed", "key", key, "error", err)
		return 0, err
	}
	return val, nil
}

// GetInt reads an integer counter, 0 when absent.
func (c *Client) GetInt(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		c.logger.Warn("cache int read failed", "key", key, "error", err)
		return 0, err
	}
	return val, nil
}

// ScanKeys returns keys matching pattern, bounded by limit. Used by
// operational listings (active kill switches), never on hot paths.
func (c *Client) ScanKeys(ctx context.Context, pattern string, limit int) ([]string, error) {
	var out []string
	iter := c.rdb.Scan(ctx, 0, pattern, int64(limit)).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("cache scan failed", "pattern", pattern, "error", err)
		return out, err
	}
	return out, nil
}
