package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"checkout-engine/internal/service"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_claim.lua
var releaseClaimScript string

const (
	keyPrefix     = "idempotency:checkout:"
	pendingPrefix = "pending:"
	orderPrefix   = "order:"
)

// Client is the Redis-backed idempotency cache used by checkout. A key holds
// either "pending:<token>" while a checkout runs or "order:<id>" once it
// committed.
type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

var _ service.IdempotencyCache = (*Client)(nil)

// NewClient creates a new Redis client and checks the connection
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

	return NewFromRedis(rdb), nil
}

// NewFromRedis wraps an existing connection
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseClaimScript),
	}
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Claim takes key for a new checkout. When the key already produced an order
// its id is returned; when another checkout holds it the error is
// service.ErrCheckoutInProgress.
func (c *Client) Claim(ctx context.Context, key string, ttl time.Duration) (int64, string, error) {
	token := uuid.New().String()

	ok, err := c.rdb.SetNX(ctx, redisKey(key), pendingPrefix+token, ttl).Result()
	if err != nil {
		return 0, "", fmt.Errorf("claim idempotency key failed: %w", err)
	}
	if ok {
		return 0, token, nil
	}

	val, err := c.rdb.Get(ctx, redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		// released or expired between SETNX and GET
		return 0, "", service.ErrCheckoutInProgress
	}
	if err != nil {
		return 0, "", fmt.Errorf("read idempotency key failed: %w", err)
	}

	if strings.HasPrefix(val, orderPrefix) {
		orderID, err := strconv.ParseInt(strings.TrimPrefix(val, orderPrefix), 10, 64)
		if err != nil {
			return 0, "", fmt.Errorf("malformed idempotency value %q: %w", val, err)
		}
		return orderID, "", nil
	}
	return 0, "", service.ErrCheckoutInProgress
}

// Complete records the order a key produced
func (c *Client) Complete(ctx context.Context, key string, orderID int64, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, redisKey(key), orderPrefix+strconv.FormatInt(orderID, 10), ttl).Err(); err != nil {
		return fmt.Errorf("complete idempotency key failed: %w", err)
	}
	return nil
}

// Release drops a pending claim if it is still ours. Completed keys are kept.
func (c *Client) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	if err := c.releaseScript.Run(ctx, c.rdb, []string{redisKey(key)}, pendingPrefix+token).Err(); err != nil {
		return fmt.Errorf("release idempotency key failed: %w", err)
	}
	return nil
}

func redisKey(key string) string {
	return keyPrefix + key
}
