package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taxreply/internal/config"

	redis "github.com/redis/go-redis/v9"
)

// Client wraps go-redis client to centralize configuration.
type Client struct {
	inner *redis.Client
}

// ErrCacheMiss mirrors redis.Nil for callers.
var ErrCacheMiss = redis.Nil

// NewRedisClient creates the redis client from app config. It returns a nil client and no
// error when no host is configured.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	host := cfg.Redis.Host
	if host == "" {
		return nil, nil
	}
	port := cfg.Redis.Port
	if port == 0 {
		port = 6379
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Client{inner: client}, nil
}

// Enabled reports whether c talks to a server.
func (c *Client) Enabled() bool {
	return c != nil && c.inner != nil
}

// Set stores a key with TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.Enabled() {
		return errors.New("redis client not initialized")
	}
	return c.inner.Set(ctx, key, value, ttl).Err()
}

// Get fetches the key as string.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if !c.Enabled() {
		return "", errors.New("redis client not initialized")
	}
	return c.inner.Get(ctx, key).Result()
}

// SetJSON stores v encoded as JSON.
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}

// GetJSON decodes the key into v. A missing key returns ErrCacheMiss.
func (c *Client) GetJSON(ctx context.Context, key string, v any) error {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Del removes provided keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if !c.Enabled() {
		return errors.New("redis client not initialized")
	}
	if len(keys) == 0 {
		return nil
	}
	return c.inner.Del(ctx, keys...).Err()
}

// Close closes client.
func (c *Client) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.inner.Close()
}
