package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"coupon-service/internal/models"
	"coupon-service/internal/util"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrDuplicateResult means the event was already persisted
var ErrDuplicateResult = errors.New("grab result already recorded")

const uniqueViolation = "23505"

const (
	insertResultQuery = `
		INSERT INTO grab_results (event_id, user_id, coupon_id, room_id, status, fail_reason, created_at, use_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING result_id`

	upsertUserStatsQuery = `
		INSERT INTO user_coupon_stats (user_id, successful_grabs, last_grab_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET successful_grabs = user_coupon_stats.successful_grabs + 1,
			last_grab_at = GREATEST(user_coupon_stats.last_grab_at, EXCLUDED.last_grab_at)`

	selectResultColumns = `SELECT result_id, event_id, user_id, coupon_id, room_id, status, fail_reason,
		created_at, use_status, use_time FROM grab_results`
)

// SaveResult writes a result and bumps the owner's running counter in one
// shard transaction. It returns the shard the row landed on.
func (s *ShardedStore) SaveResult(ctx context.Context, result *models.GrabResult) (int, error) {
	ctx, span := util.StartSpan(ctx, "ShardedStore.SaveResult")
	defer span.End()

	shardID := s.placement.ShardFor(result)
	db := s.shards[shardID]

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return shardID, fmt.Errorf("shard %d: failed to begin transaction: %w", shardID, err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowxContext(ctx, insertResultQuery,
		result.EventID, result.UserID, result.CouponID, result.RoomID,
		result.Status, result.FailReason, result.CreatedAt, result.UseStatus,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
		return shardID, ErrDuplicateResult
	}
	if err != nil {
		return shardID, fmt.Errorf("shard %d: failed to insert grab result: %w", shardID, err)
	}

	if _, err := tx.ExecContext(ctx, upsertUserStatsQuery, result.UserID, result.CreatedAt); err != nil {
		return shardID, fmt.Errorf("shard %d: failed to update user stats: %w", shardID, err)
	}

	if err := tx.Commit(); err != nil {
		return shardID, fmt.Errorf("shard %d: failed to commit: %w", shardID, err)
	}

	result.ID = id
	util.ShardWritesTotal.WithLabelValues(strconv.Itoa(shardID)).Inc()
	util.GetLogger().Debug("Grab result stored",
		zap.String("event_id", result.EventID),
		zap.Int64("result_id", id),
		zap.Int("shard", shardID))

	return shardID, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// ResultsByUser returns every result owned by a user, newest first
func (s *ShardedStore) ResultsByUser(ctx context.Context, userID int64) ([]models.GrabResult, error) {
	ctx, span := util.StartSpan(ctx, "ShardedStore.ResultsByUser")
	defer span.End()

	shards := s.placement.ShardsForUser(userID)
	defer observeQuery("user", len(shards), time.Now())

	rows, err := fanOut(ctx, s, shards, func(ctx context.Context, db *sqlx.DB) ([]models.GrabResult, error) {
		var out []models.GrabResult
		err := db.SelectContext(ctx, &out,
			selectResultColumns+" WHERE user_id = $1 ORDER BY created_at DESC", userID)
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query results for user %d: %w", userID, err)
	}

	return newestFirst(rows, 0), nil
}

// ResultsByRoom returns up to limit results for a room, newest first.
// Under user routing this fans out to every shard.
func (s *ShardedStore) ResultsByRoom(ctx context.Context, roomID int64, limit int) ([]models.GrabResult, error) {
	ctx, span := util.StartSpan(ctx, "ShardedStore.ResultsByRoom")
	defer span.End()

	shards := s.placement.ShardsForRoom(roomID)
	defer observeQuery("room", len(shards), time.Now())

	rows, err := fanOut(ctx, s, shards, func(ctx context.Context, db *sqlx.DB) ([]models.GrabResult, error) {
		var out []models.GrabResult
		err := db.SelectContext(ctx, &out,
			selectResultColumns+" WHERE room_id = $1 ORDER BY created_at DESC LIMIT $2", roomID, limit)
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query results for room %d: %w", roomID, err)
	}

	return newestFirst(rows, limit), nil
}

// ResultsBetween returns up to limit results created in [start, end], newest first.
// No routing dimension covers time, so this always visits every shard.
func (s *ShardedStore) ResultsBetween(ctx context.Context, start, end time.Time, limit int) ([]models.GrabResult, error) {
	ctx, span := util.StartSpan(ctx, "ShardedStore.ResultsBetween")
	defer span.End()

	shards := s.placement.AllShards()
	defer observeQuery("time_range", len(shards), time.Now())

	rows, err := fanOut(ctx, s, shards, func(ctx context.Context, db *sqlx.DB) ([]models.GrabResult, error) {
		var out []models.GrabResult
		err := db.SelectContext(ctx, &out,
			selectResultColumns+" WHERE created_at BETWEEN $1 AND $2 ORDER BY created_at DESC LIMIT $3",
			start, end, limit)
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query results between %s and %s: %w",
			start.Format(time.RFC3339), end.Format(time.RFC3339), err)
	}

	return newestFirst(rows, limit), nil
}

// UserCouponStats sums the per-shard running counters for a user
func (s *ShardedStore) UserCouponStats(ctx context.Context, userID int64) (*models.UserCouponStats, error) {
	rows, err := fanOut(ctx, s, s.placement.ShardsForUser(userID),
		func(ctx context.Context, db *sqlx.DB) ([]models.UserCouponStats, error) {
			var out []models.UserCouponStats
			err := db.SelectContext(ctx, &out,
				"SELECT user_id, successful_grabs, last_grab_at FROM user_coupon_stats WHERE user_id = $1", userID)
			return out, err
		})
	if err != nil {
		return nil, fmt.Errorf("failed to query stats for user %d: %w", userID, err)
	}

	stats := &models.UserCouponStats{UserID: userID}
	for _, row := range rows {
		stats.SuccessfulGrabs += row.SuccessfulGrabs
		if row.LastGrabAt.After(stats.LastGrabAt) {
			stats.LastGrabAt = row.LastGrabAt
		}
	}
	return stats, nil
}

// ShardStats reports how many results each shard holds
func (s *ShardedStore) ShardStats(ctx context.Context) ([]models.ShardStats, error) {
	stats := make([]models.ShardStats, len(s.shards))
	for i, db := range s.shards {
		var count int64
		if err := db.GetContext(ctx, &count, "SELECT COUNT(*) FROM grab_results"); err != nil {
			return nil, fmt.Errorf("shard %d: failed to count results: %w", i, err)
		}
		stats[i] = models.ShardStats{
			ShardID:   i,
			Strategy:  s.placement.Name(),
			TotalRows: count,
		}
	}
	return stats, nil
}

func newestFirst(rows []models.GrabResult, limit int) []models.GrabResult {
	sortNewestFirst(rows,
		func(r models.GrabResult) time.Time { return r.CreatedAt },
		func(r models.GrabResult) int64 { return r.ID })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []models.GrabResult{}
	}
	return rows
}
