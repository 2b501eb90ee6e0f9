package models

import "time"

// GrabResult is the durable record of a successful grab, owned by exactly one shard
type GrabResult struct {
	ID         int64      `db:"result_id" json:"result_id"`
	EventID    string     `db:"event_id" json:"event_id"`
	UserID     int64      `db:"user_id" json:"user_id"`
	CouponID   int64      `db:"coupon_id" json:"coupon_id"`
	RoomID     int64      `db:"room_id" json:"room_id"`
	Status     string     `db:"status" json:"status"`
	FailReason *string    `db:"fail_reason" json:"fail_reason,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UseStatus  string     `db:"use_status" json:"use_status"`
	UseTime    *time.Time `db:"use_time" json:"use_time,omitempty"`
}

// Grab result statuses
const (
	GrabStatusSuccess = "SUCCESS"
	GrabStatusFailed  = "FAILED"
)

// Redemption statuses
const (
	UseStatusNotUsed = "NOT_USED"
	UseStatusUsed    = "USED"
	UseStatusExpired = "EXPIRED"
)

// UserCouponStats is the per-shard running counter of successful grabs for a user
type UserCouponStats struct {
	UserID          int64     `db:"user_id" json:"user_id"`
	SuccessfulGrabs int64     `db:"successful_grabs" json:"successful_grabs"`
	LastGrabAt      time.Time `db:"last_grab_at" json:"last_grab_at"`
}

// UserAttemptStats holds the per-user attempt counters kept in Redis
type UserAttemptStats struct {
	UserID    int64 `json:"user_id"`
	Attempts  int64 `json:"total_attempts"`
	Successes int64 `json:"successful_grabs"`
	Failures  int64 `json:"failed_grabs"`
}

// ShardStats reports the row count of a single shard
type ShardStats struct {
	ShardID   int    `json:"shard_id"`
	Strategy  string `json:"strategy"`
	TotalRows int64  `json:"total_rows"`
}
