package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"coupon-service/internal/models"
)

var (
	//go:embed scripts/record_attempt.lua
	recordAttemptScript string
	//go:embed scripts/fill_coupons.lua
	fillCouponsScript string
)

// countedMarkerTTL outlives any realistic redelivery of an event
const countedMarkerTTL = 24 * time.Hour

func userCouponsKey(userID int64) string {
	return fmt.Sprintf("user:coupons:%d", userID)
}

func userCouponsVersionKey(userID int64) string {
	return fmt.Sprintf("user:coupons:ver:%d", userID)
}

// CachedCoupons is the result of a coupon cache lookup.
// Version is the invalidation generation the lookup observed; a miss is
// filled only while that generation is still current.
type CachedCoupons struct {
	Data    []byte
	Hit     bool
	Version int64
}

// GetUserCoupons returns the cached JSON of a user's coupons, if present
func (c *Client) GetUserCoupons(ctx context.Context, userID int64) (*CachedCoupons, error) {
	values, err := c.rdb.MGet(ctx, userCouponsKey(userID), userCouponsVersionKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	entry := &CachedCoupons{}
	if v, ok := values[1].(string); ok {
		if entry.Version, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("corrupt coupon cache version for user %d: %w", userID, err)
		}
	}
	if data, ok := values[0].(string); ok {
		entry.Data = []byte(data)
		entry.Hit = true
	}
	return entry, nil
}

// SetUserCoupons caches the JSON of a user's coupons unless the list was
// invalidated after version was read. Reports whether the entry was written.
func (c *Client) SetUserCoupons(ctx context.Context, userID, version int64, data []byte, ttl time.Duration) (bool, error) {
	keys := []string{userCouponsKey(userID), userCouponsVersionKey(userID)}
	written, err := c.fillScript.Run(ctx, c.rdb, keys, version, data, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return written == 1, nil
}

// InvalidateUserCoupons drops the cached coupons of a user and bumps the
// version so that reads started before the invalidation cannot refill it
func (c *Client) InvalidateUserCoupons(ctx context.Context, userID int64) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, userCouponsKey(userID))
	pipe.Incr(ctx, userCouponsVersionKey(userID))
	_, err := pipe.Exec(ctx)
	return err
}

// RecordGrabAttempt bumps the per-user attempt counters once per event.
// Reports false when the event had already been counted.
func (c *Client) RecordGrabAttempt(ctx context.Context, userID int64, eventID string, success bool) (bool, error) {
	outcome := "failed"
	if success {
		outcome = "success"
	}

	keys := []string{
		fmt.Sprintf("event:%s:counted", eventID),
		fmt.Sprintf("user:attempts:%d", userID),
		fmt.Sprintf("user:%s:%d", outcome, userID),
	}
	counted, err := c.recordScript.Run(ctx, c.rdb, keys, int64(countedMarkerTTL/time.Second)).Int64()
	if err != nil {
		return false, err
	}
	return counted == 1, nil
}

// GetUserAttemptStats reads the per-user attempt counters. Missing counters read as zero.
func (c *Client) GetUserAttemptStats(ctx context.Context, userID int64) (*models.UserAttemptStats, error) {
	values, err := c.rdb.MGet(ctx,
		fmt.Sprintf("user:attempts:%d", userID),
		fmt.Sprintf("user:success:%d", userID),
		fmt.Sprintf("user:failed:%d", userID),
	).Result()
	if err != nil {
		return nil, err
	}

	counts := make([]int64, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		fmt.Sscanf(s, "%d", &counts[i])
	}

	return &models.UserAttemptStats{
		UserID:    userID,
		Attempts:  counts[0],
		Successes: counts[1],
		Failures:  counts[2],
	}, nil
}
