package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options tunes the shared Redis client. Zero values for PoolSize and
// Timeout fall back to sane defaults, so callers only set what they
// configure.
type Options struct {
	Addr     string
	Username string
	Password string
	PoolSize int
	Timeout  time.Duration
}

// NewRedisClient connects, verifies the connection with a bounded ping, and
// hands back the client. Slot locks are short-lived, so the read and write
// timeouts share one knob.
func NewRedisClient(opts Options) (*redis.Client, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           0,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return rdb, nil
}
