package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"canteen-settlement/internal/models"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

type Client struct {
	rdb    *redis.Client
	locker *redislock.Client
}

// NewClient creates a new Redis client and its lock client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:    rdb,
		locker: redislock.New(rdb),
	}, nil
}

// Ping checks Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Obtain takes the lock `lock:<key>` for ttl without waiting. A lock held
// elsewhere is reported as models.ErrLockNotObtained. The returned release
// func is safe to call once the work is done, even after the lock expired.
func (c *Client) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lock, err := c.locker.Obtain(ctx, lockKey(key), ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", models.ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = lock.Release(ctx)
	}, nil
}

func lockKey(key string) string {
	return fmt.Sprintf("lock:%s", key)
}
