// Package redis caches raw headers by hash, indexes them by height and
// keeps run counters.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/redis/go-redis/v9"

	"github.com/bardlex/gomine/internal/header"
)

// Client wraps Redis operations for the header cache
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	PoolSize     int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns connection settings for url.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		PoolSize:     4,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewClient creates a new Redis client and pings it
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MaxRetries = cfg.MaxRetries
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key layout

func headerKey(hash chainhash.Hash) string {
	return fmt.Sprintf("header:%s", hash)
}

func heightKey(height int64) string {
	return fmt.Sprintf("height:%d", height)
}

func counterKey(name string) string {
	return fmt.Sprintf("counter:%s", name)
}

func cacheKey(key string) string {
	return fmt.Sprintf("cache:%s", key)
}

// Headers

// SetHeader caches the 80 raw bytes of h under its hash and, when the
// height is known, points the height index at it.
func (c *Client) SetHeader(ctx context.Context, h *header.Header, expiration time.Duration) error {
	raw, err := h.Bytes()
	if err != nil {
		return err
	}
	hash, ok := h.Hash()
	if !ok {
		return fmt.Errorf("header has no hash")
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, headerKey(hash), raw, expiration)
	if height, ok := h.Height(); ok {
		pipe.Set(ctx, heightKey(height), hash.String(), expiration)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache header: %w", err)
	}
	return nil
}

// GetHeader returns the cached header for hash, or ok == false on a miss.
// The returned header carries hash as its observed hash.
func (c *Client) GetHeader(ctx context.Context, hash chainhash.Hash) (h *header.Header, ok bool, err error) {
	raw, err := c.rdb.Get(ctx, headerKey(hash)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get header: %w", err)
	}

	h, err = header.FromBytes(raw)
	if err != nil {
		return nil, false, err
	}
	nonce, _ := h.Nonce()
	return h.WithSolution(nonce, hash), true, nil
}

// GetHeaderAtHeight follows the height index to a cached header.
func (c *Client) GetHeaderAtHeight(ctx context.Context, height int64) (*header.Header, bool, error) {
	s, err := c.rdb.Get(ctx, heightKey(height)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get height index: %w", err)
	}

	hash, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return nil, false, fmt.Errorf("corrupt height index %d: %w", height, err)
	}
	h, ok, err := c.GetHeader(ctx, *hash)
	if err != nil || !ok {
		return nil, ok, err
	}
	h.SetHeight(height)
	return h, true, nil
}

// Statistics and counters

// IncrementCounter adds delta to a counter and returns the new value
func (c *Client) IncrementCounter(ctx context.Context, name string, delta int64) (int64, error) {
	val, err := c.rdb.IncrBy(ctx, counterKey(name), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return val, nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, name string) (int64, error) {
	val, err := c.rdb.Get(ctx, counterKey(name)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// Caching

// ErrCacheMiss is returned by GetCache when key holds nothing.
var ErrCacheMiss = errors.New("cache miss")

// SetCache stores data as JSON under key
func (c *Client) SetCache(ctx context.Context, key string, data any, expiration time.Duration) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, cacheKey(key), raw, expiration).Err(); err != nil {
		return fmt.Errorf("failed to cache %s: %w", key, err)
	}
	return nil
}

// GetCache decodes the JSON stored under key into dest. It returns
// ErrCacheMiss when the key is absent or expired.
func (c *Client) GetCache(ctx context.Context, key string, dest any) error {
	raw, err := c.rdb.Get(ctx, cacheKey(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return fmt.Errorf("%s: %w", key, ErrCacheMiss)
	case err != nil:
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// DeleteCache drops key. Deleting an absent key is not an error.
func (c *Client) DeleteCache(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, cacheKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to drop %s: %w", key, err)
	}
	return nil
}
