// Package redis implements the settlement daemon's Redis-backed coordination
// primitives: the operation dedup set, the keeper lease, the NAV cache, the
// API rate limiter, and the signal bus. Everything shares one connection pool
// and writes under the coverd keyspace.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyspace prefixes every key coverd writes, so a shared Redis instance never
// collides with other tenants.
const keyspace = "coverd"

// key joins parts under the coverd keyspace: key("lease", "sweep") ->
// "coverd:lease:sweep".
func key(parts ...string) string {
	return keyspace + ":" + strings.Join(parts, ":")
}

const (
	dialTimeout = 5 * time.Second
	readTimeout = 3 * time.Second
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Client owns the go-redis connection pool shared by the coordination
// primitives in this package.
type Client struct {
	rdb *redis.Client
}

// New dials Redis and verifies connectivity with a ping before returning.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		ClientName:  keyspace,
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: dialTimeout,
		ReadTimeout: readTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}

	return &Client{rdb: rdb}, nil
}

// Ping checks the Redis connection; the health endpoint calls this.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying exposes the raw driver client to the sibling files in this
// package.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
