package redis

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const connectTimeout = 5 * time.Second

// Config holds Redis configuration.
type Config struct {
	Host         string
	Port         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
}

// Client is the pipeline's connection pool. Status snapshots and the
// dead-letter stream share it.
type Client struct {
	rdb *redis.Client
	dlq string
	log *zap.Logger
}

// NewClient connects and pings once. An unreachable server is an error so a
// misconfigured deployment fails at startup.
func NewClient(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	})
	pctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", net.JoinHostPort(cfg.Host, cfg.Port), err)
	}
	return &Client{
		rdb: rdb,
		dlq: NewKeyBuilder(NamespaceQueue, ContextPipeline).Build(EntityDeadLetters, ""),
		log: log.With(zap.String("module", "redis")),
	}, nil
}

// Ping backs the readiness check.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		c.log.Error("Failed to close Redis client", zap.Error(err))
		return err
	}
	return nil
}
