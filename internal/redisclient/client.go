package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"coupon-service/internal/models"

	"github.com/go-redis/redis/v8"
)

var (
	//go:embed scripts/reserve_stock.lua
	reserveStockScript string
	//go:embed scripts/release_stock.lua
	releaseStockScript string
)

// compensationMarkerTTL bounds how long an undone event is remembered
const compensationMarkerTTL = time.Hour

// ErrStoreUnavailable is returned when Redis cannot be reached or fails a command
var ErrStoreUnavailable = errors.New("counter store unavailable")

type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
	recordScript  *redis.Script
	fillScript    *redis.Script
}

// Reservation is the outcome of a single reserve call
type Reservation struct {
	Granted   bool
	Remaining int64
	Reason    string
}

// NewClient creates a new Redis client with the scripts loaded.
// Commands are never retried by the driver: a lost reply to a counter
// update must not apply it twice.
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:       addr,
		Password:   password,
		DB:         db,
		MaxRetries: -1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveStockScript),
		releaseScript: redis.NewScript(releaseStockScript),
		recordScript:  redis.NewScript(recordAttemptScript),
		fillScript:    redis.NewScript(fillCouponsScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func stockKey(couponID int64) string {
	return fmt.Sprintf("coupon:%d:stock", couponID)
}

// Reserve atomically takes one unit of stock.
// The script decrements and, if the result went negative, increments back
// before returning, so the counter is never left below zero.
// An error does not prove the script did not run: a reply lost to a timeout
// may hide a taken unit, which then stays taken (undersell, never oversell).
func (c *Client) Reserve(ctx context.Context, couponID int64) (*Reservation, error) {
	result, err := c.reserveScript.Run(ctx, c.rdb, []string{stockKey(couponID)}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: reserve coupon %d: %v", ErrStoreUnavailable, couponID, err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return nil, fmt.Errorf("unexpected reserve script result: %v", result)
	}
	granted, ok1 := values[0].(int64)
	remaining, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("unexpected reserve script result types: %v", values)
	}

	switch granted {
	case 1:
		return &Reservation{Granted: true, Remaining: remaining, Reason: models.ReasonSuccess}, nil
	case -1:
		return &Reservation{Reason: models.ReasonCouponNotFound}, nil
	default:
		return &Reservation{Reason: models.ReasonOutOfStock}, nil
	}
}

// Release returns the unit reserved for eventID (compensation).
// Releasing the same event again is a no-op, so callers may retry freely.
func (c *Client) Release(ctx context.Context, couponID int64, eventID string) (int64, error) {
	keys := []string{stockKey(couponID), compensationKey(couponID, eventID)}
	result, err := c.releaseScript.Run(ctx, c.rdb, keys, int64(compensationMarkerTTL/time.Second)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: release coupon %d: %v", ErrStoreUnavailable, couponID, err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return 0, fmt.Errorf("unexpected release script result: %v", result)
	}
	remaining, ok := values[1].(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected release script result types: %v", values)
	}
	return remaining, nil
}

func compensationKey(couponID int64, eventID string) string {
	return fmt.Sprintf("coupon:%d:comp:%s", couponID, eventID)
}

// ProvisionStock sets the stock of a coupon, overwriting any current value
func (c *Client) ProvisionStock(ctx context.Context, couponID, quantity int64) error {
	if quantity < 0 {
		return fmt.Errorf("stock quantity must not be negative, got %d", quantity)
	}
	if err := c.rdb.Set(ctx, stockKey(couponID), quantity, 0).Err(); err != nil {
		return fmt.Errorf("%w: provision coupon %d: %v", ErrStoreUnavailable, couponID, err)
	}
	return nil
}

// ProvisionStockIfAbsent sets the stock only if the counter does not exist yet.
// Returns whether the counter was created.
func (c *Client) ProvisionStockIfAbsent(ctx context.Context, couponID, quantity int64) (bool, error) {
	if quantity < 0 {
		return false, fmt.Errorf("stock quantity must not be negative, got %d", quantity)
	}
	created, err := c.rdb.SetNX(ctx, stockKey(couponID), quantity, 0).Result()
	if err != nil {
		return false, fmt.Errorf("%w: provision coupon %d: %v", ErrStoreUnavailable, couponID, err)
	}
	return created, nil
}

// Stock returns the remaining stock and whether the counter exists
func (c *Client) Stock(ctx context.Context, couponID int64) (int64, bool, error) {
	stock, err := c.rdb.Get(ctx, stockKey(couponID)).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: get coupon %d: %v", ErrStoreUnavailable, couponID, err)
	}
	return stock, true, nil
}
