package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"coupon-service/internal/models"
	"coupon-service/internal/redisclient"
	"coupon-service/internal/util"

	"go.uber.org/zap"
)

const (
	DefaultRoomLimit      = 100
	DefaultTimeRangeLimit = 1000
)

var ErrInvalidQuery = errors.New("invalid query")

// ResultReader is the sharded read path
type ResultReader interface {
	ResultsByUser(ctx context.Context, userID int64) ([]models.GrabResult, error)
	ResultsByRoom(ctx context.Context, roomID int64, limit int) ([]models.GrabResult, error)
	ResultsBetween(ctx context.Context, start, end time.Time, limit int) ([]models.GrabResult, error)
	UserCouponStats(ctx context.Context, userID int64) (*models.UserCouponStats, error)
	ShardStats(ctx context.Context) ([]models.ShardStats, error)
}

// CouponCache caches user coupon lists and holds per-user attempt counters
type CouponCache interface {
	GetUserCoupons(ctx context.Context, userID int64) (*redisclient.CachedCoupons, error)
	// SetUserCoupons writes only if no invalidation happened since version was read
	SetUserCoupons(ctx context.Context, userID, version int64, data []byte, ttl time.Duration) (bool, error)
	GetUserAttemptStats(ctx context.Context, userID int64) (*models.UserAttemptStats, error)
}

// CacheOptions controls user coupon cache lifetimes
type CacheOptions struct {
	TTL time.Duration
	// Jitter is added to TTL at random so entries written together do not expire together
	Jitter time.Duration
	// EmptyTTL is used for users with no coupons
	EmptyTTL time.Duration
}

// QueryService serves user-facing reads over the sharded store
type QueryService struct {
	reader ResultReader
	cache  CouponCache
	opts   CacheOptions
	logger *zap.Logger
}

// NewQueryService creates a new query service
func NewQueryService(reader ResultReader, cache CouponCache, opts CacheOptions) *QueryService {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.EmptyTTL <= 0 {
		opts.EmptyTTL = time.Minute
	}
	return &QueryService{
		reader: reader,
		cache:  cache,
		opts:   opts,
		logger: util.GetLogger(),
	}
}

// UserCoupons returns a user's grab results, reading through the cache.
// The bool reports whether the cache served the request.
func (q *QueryService) UserCoupons(ctx context.Context, userID int64) ([]models.GrabResult, bool, error) {
	ctx, span := util.StartSpan(ctx, "QueryService.UserCoupons")
	defer span.End()

	if userID <= 0 {
		return nil, false, fmt.Errorf("%w: user_id must be positive", ErrInvalidQuery)
	}

	entry, err := q.cache.GetUserCoupons(ctx, userID)
	switch {
	case err != nil:
		util.CacheRequestsTotal.WithLabelValues("error").Inc()
		q.logger.Warn("User coupon cache read failed", zap.Int64("user_id", userID), zap.Error(err))
	case entry.Hit:
		var results []models.GrabResult
		if err := json.Unmarshal(entry.Data, &results); err == nil {
			util.CacheRequestsTotal.WithLabelValues("hit").Inc()
			return results, true, nil
		}
		q.logger.Warn("Discarding corrupt cache entry", zap.Int64("user_id", userID))
	}
	util.CacheRequestsTotal.WithLabelValues("miss").Inc()

	results, err := q.reader.ResultsByUser(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	// without a version the fill could overwrite a newer invalidation
	if entry != nil {
		q.populate(ctx, userID, entry.Version, results)
	}
	return results, false, nil
}

func (q *QueryService) populate(ctx context.Context, userID, version int64, results []models.GrabResult) {
	data, err := json.Marshal(results)
	if err != nil {
		q.logger.Warn("Failed to encode user coupons", zap.Int64("user_id", userID), zap.Error(err))
		return
	}

	written, err := q.cache.SetUserCoupons(ctx, userID, version, data, q.ttlFor(len(results)))
	switch {
	case err != nil:
		q.logger.Warn("User coupon cache write failed", zap.Int64("user_id", userID), zap.Error(err))
	case !written:
		q.logger.Debug("Skipped stale user coupon fill", zap.Int64("user_id", userID))
	}
}

func (q *QueryService) ttlFor(n int) time.Duration {
	if n == 0 {
		return q.opts.EmptyTTL
	}
	ttl := q.opts.TTL
	if q.opts.Jitter > 0 {
		ttl += time.Duration(rand.Int63n(int64(q.opts.Jitter)))
	}
	return ttl
}

// RoomResults returns the newest results of a room
func (q *QueryService) RoomResults(ctx context.Context, roomID int64, limit int) ([]models.GrabResult, error) {
	ctx, span := util.StartSpan(ctx, "QueryService.RoomResults")
	defer span.End()

	if roomID < 0 {
		return nil, fmt.Errorf("%w: room_id must not be negative", ErrInvalidQuery)
	}
	if limit <= 0 || limit > DefaultRoomLimit {
		limit = DefaultRoomLimit
	}
	return q.reader.ResultsByRoom(ctx, roomID, limit)
}

// ResultsBetween returns the newest results created in [start, end]
func (q *QueryService) ResultsBetween(ctx context.Context, start, end time.Time, limit int) ([]models.GrabResult, error) {
	ctx, span := util.StartSpan(ctx, "QueryService.ResultsBetween")
	defer span.End()

	if end.Before(start) {
		return nil, fmt.Errorf("%w: end is before start", ErrInvalidQuery)
	}
	if limit <= 0 || limit > DefaultTimeRangeLimit {
		limit = DefaultTimeRangeLimit
	}
	return q.reader.ResultsBetween(ctx, start, end, limit)
}

// UserStats combines the attempt counters with the persisted grab count
type UserStats struct {
	models.UserAttemptStats
	PersistedGrabs int64      `json:"persisted_grabs"`
	LastGrabAt     *time.Time `json:"last_grab_at,omitempty"`
}

// UserStats returns attempt counters for a user
func (q *QueryService) UserStats(ctx context.Context, userID int64) (*UserStats, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user_id must be positive", ErrInvalidQuery)
	}

	attempts, err := q.cache.GetUserAttemptStats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read attempt stats: %w", err)
	}

	persisted, err := q.reader.UserCouponStats(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := &UserStats{
		UserAttemptStats: *attempts,
		PersistedGrabs:   persisted.SuccessfulGrabs,
	}
	if !persisted.LastGrabAt.IsZero() {
		stats.LastGrabAt = &persisted.LastGrabAt
	}
	return stats, nil
}

// ShardStats reports row counts per shard
func (q *QueryService) ShardStats(ctx context.Context) ([]models.ShardStats, error) {
	return q.reader.ShardStats(ctx)
}
