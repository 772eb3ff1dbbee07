package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"
)

const defaultPingTimeout = 5 * time.Second

// Config holds the Redis connection used for backfill locks, enrichment pacing and job streams.
type Config struct {
	Addr     string
	Password string
	DB       int
	// PoolSize of zero keeps the go-redis default (10 per CPU).
	PoolSize int
}

type Client struct {
	rdb    *redis.Client
	logger ectologger.Logger
}

// NewClient connects and pings. A server that does not answer within five seconds is an error.
func NewClient(ctx context.Context, cfg Config, logger ectologger.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis at %s is unreachable: %w", cfg.Addr, err)
	}

	logger.WithFields(map[string]any{"addr": cfg.Addr, "db": cfg.DB}).Info("redis connected")
	return &Client{rdb: rdb, logger: logger}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Redis exposes the go-redis client.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Ping backs the readiness check.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
