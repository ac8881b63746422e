package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mutter0815/InviteFlow/pkg/config"
)

var ErrEmptyURL = errors.New("redis url is required")

const connectionTimeout = 5 * time.Second

// NewClient builds a client from {url, poolSize, reconnectBackoffMs} and
// verifies the connection.
func NewClient(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, ErrEmptyURL
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.ReconnectBackoffMs > 0 {
		backoff := time.Duration(cfg.ReconnectBackoffMs) * time.Millisecond
		opts.MinRetryBackoff = backoff
		opts.MaxRetryBackoff = 8 * backoff
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
