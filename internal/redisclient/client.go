package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/incr_window.lua
var incrWindowScript string

//go:embed scripts/compare_delete.lua
var compareDeleteScript string

//go:embed scripts/zmove_due.lua
var zmoveDueScript string

// Client implements coord.Store on top of Redis
type Client struct {
	rdb           *redis.Client
	incrScript    *redis.Script
	compareScript *redis.Script
	moveScript    *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
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

	return newClient(rdb), nil
}

func newClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		incrScript:    redis.NewScript(incrWindowScript),
		compareScript: redis.NewScript(compareDeleteScript),
		moveScript:    redis.NewScript(zmoveDueScript),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks the connection, used by readiness probes
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, positive(ttl)).Result()
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, positive(ttl)).Err()
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// CompareAndDelete releases a key only if the caller still owns it
func (c *Client) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := c.compareScript.Run(ctx, c.rdb, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("compare-delete script failed: %w", err)
	}
	return n == 1, nil
}

// IncrBy increments a counter and starts its window on first use
func (c *Client) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	n, err := c.incrScript.Run(ctx, c.rdb, []string{key}, delta, positive(ttl).Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr-window script failed: %w", err)
	}
	return n, nil
}

func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// -1 (no expiry) and -2 (missing) come back as raw negative values
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (c *Client) ListPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return c.rdb.RPush(ctx, key, args...).Err()
}

func (c *Client) ListPop(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *Client) ListHead(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.LIndex(ctx, key, 0).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *Client) ListLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

func (c *Client) ZAdd(ctx context.Context, key, member string, score float64) error {
	return c.rdb.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
}

// ZMoveDue atomically moves due members from a sorted set onto a list
func (c *Client) ZMoveDue(ctx context.Context, key, listKey string, max float64, limit int64) (int64, error) {
	if limit <= 0 {
		limit = -1
	}
	maxArg := strconv.FormatFloat(max, 'f', -1, 64)
	moved, err := c.moveScript.Run(ctx, c.rdb, []string{key, listKey}, maxArg, limit).Int64()
	if err != nil {
		return 0, fmt.Errorf("zmove-due script failed: %w", err)
	}
	return moved, nil
}

func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.ZCard(ctx, key).Result()
}

func (c *Client) ZMinScore(ctx context.Context, key string) (float64, bool, error) {
	zs, err := c.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, false, err
	}
	if len(zs) == 0 {
		return 0, false, nil
	}
	return zs[0].Score, true, nil
}

func positive(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}
