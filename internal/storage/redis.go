package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the shared redis connection
type RedisOptions struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient connects to redis and verifies the connection
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is empty")
	}

	rc := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     10,
	})

	dial := opts.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), dial)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("redis connect error: %w", err)
	}
	return rc, nil
}
