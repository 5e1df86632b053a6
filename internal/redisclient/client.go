package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/reserve_stock.lua
var reserveStockScript string

//go:embed scripts/rollback_stock.lua
var rollbackStockScript string

// DefaultStockTTL bounds how stale a cached stock count can get.
const DefaultStockTTL = time.Hour

// ReserveResult is the outcome of the scripted reservation.
type ReserveResult int

const (
	ReserveUnavailable ReserveResult = -1
	ReserveOutOfStock  ReserveResult = 0
	ReserveOK          ReserveResult = 1
)

func (r ReserveResult) String() string {
	switch r {
	case ReserveOK:
		return "reserved"
	case ReserveOutOfStock:
		return "out_of_stock"
	case ReserveUnavailable:
		return "unavailable"
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

type Client struct {
	rdb            *redis.Client
	reserveScript  *redis.Script
	rollbackScript *redis.Script
	ttl            time.Duration
}

// NewClient connects to Redis and fails when the server cannot be pinged.
func NewClient(addr, password string, db int, ttl time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return New(rdb, ttl), nil
}

// New wraps an existing connection pool.
func New(rdb *redis.Client, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = DefaultStockTTL
	}
	return &Client{
		rdb:            rdb,
		reserveScript:  redis.NewScript(reserveStockScript),
		rollbackScript: redis.NewScript(rollbackStockScript),
		ttl:            ttl,
	}
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// StockKey scopes a cached count to one SKU in one warehouse. The hash tag
// keeps a warehouse's keys on one cluster slot.
func StockKey(warehouseID int64, sku string) string {
	return fmt.Sprintf("inventory:{wh_%d}:%s", warehouseID, sku)
}

func (c *Client) ttlSeconds() int {
	return int(c.ttl / time.Second)
}

// ReserveStock atomically checks and decrements the cached count.
func (c *Client) ReserveStock(ctx context.Context, warehouseID int64, sku string, quantity int) (ReserveResult, error) {
	key := StockKey(warehouseID, sku)

	code, err := c.reserveScript.Run(ctx, c.rdb, []string{key}, quantity, c.ttlSeconds()).Int()
	if err != nil {
		return ReserveUnavailable, fmt.Errorf("reserve stock script failed: %w", err)
	}

	switch res := ReserveResult(code); res {
	case ReserveOK, ReserveOutOfStock, ReserveUnavailable:
		return res, nil
	default:
		return ReserveUnavailable, fmt.Errorf("unexpected reserve script result %d", code)
	}
}

// RollbackStock gives quantity back to an existing cached count. It reports
// whether the key was present.
func (c *Client) RollbackStock(ctx context.Context, warehouseID int64, sku string, quantity int) (bool, error) {
	key := StockKey(warehouseID, sku)

	code, err := c.rollbackScript.Run(ctx, c.rdb, []string{key}, quantity, c.ttlSeconds()).Int()
	if err != nil {
		return false, fmt.Errorf("rollback stock script failed: %w", err)
	}
	return code == 1, nil
}

// HydrateStock seeds a missing key. An existing key is left untouched so a
// concurrent hydration is never clobbered.
func (c *Client) HydrateStock(ctx context.Context, warehouseID int64, sku string, available int) (bool, error) {
	return c.rdb.SetNX(ctx, StockKey(warehouseID, sku), available, c.ttl).Result()
}

// SetStock overwrites the cached count with the ledger's value.
func (c *Client) SetStock(ctx context.Context, warehouseID int64, sku string, available int) error {
	return c.rdb.Set(ctx, StockKey(warehouseID, sku), available, c.ttl).Err()
}

// GetStock reads the cached count; ok is false when the key is absent.
func (c *Client) GetStock(ctx context.Context, warehouseID int64, sku string) (available int, ok bool, err error) {
	available, err = c.rdb.Get(ctx, StockKey(warehouseID, sku)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return available, true, nil
}
