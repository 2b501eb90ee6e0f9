package store

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS grab_results (
		result_id   BIGSERIAL PRIMARY KEY,
		event_id    VARCHAR(64) NOT NULL UNIQUE,
		user_id     BIGINT NOT NULL,
		coupon_id   BIGINT NOT NULL,
		room_id     BIGINT NOT NULL,
		status      VARCHAR(16) NOT NULL,
		fail_reason VARCHAR(64),
		created_at  TIMESTAMPTZ NOT NULL,
		use_status  VARCHAR(16) NOT NULL DEFAULT 'NOT_USED',
		use_time    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_grab_results_user_id ON grab_results (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_grab_results_room_id ON grab_results (room_id)`,
	`CREATE INDEX IF NOT EXISTS idx_grab_results_created_at ON grab_results (created_at)`,
	`CREATE TABLE IF NOT EXISTS user_coupon_stats (
		user_id          BIGINT PRIMARY KEY,
		successful_grabs BIGINT NOT NULL DEFAULT 0,
		last_grab_at     TIMESTAMPTZ NOT NULL
	)`,
}

// EnsureSchema creates the result tables on every shard if they are missing
func (s *ShardedStore) EnsureSchema(ctx context.Context) error {
	for i, db := range s.shards {
		for _, stmt := range schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("shard %d: failed to apply schema: %w", i, err)
			}
		}
	}
	return nil
}
