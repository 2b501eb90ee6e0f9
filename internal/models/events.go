package models

import (
	"fmt"
	"time"
)

// Event types
const (
	EventTypeCouponGrab = "coupon_grab"
)

// Grab outcome reasons
const (
	ReasonSuccess        = "success"
	ReasonOutOfStock     = "out_of_stock"
	ReasonCouponNotFound = "coupon_not_found"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// GrabEvent is the immutable outcome of one reservation attempt
type GrabEvent struct {
	BaseEvent
	UserID         int64  `json:"user_id"`
	CouponID       int64  `json:"coupon_id"`
	RoomID         int64  `json:"room_id"`
	Success        bool   `json:"success"`
	Reason         string `json:"reason"`
	RemainingStock int64  `json:"remaining_stock"`
}

// ToResult translates a successful grab event into the record persisted on its shard.
func (e *GrabEvent) ToResult() (*GrabResult, error) {
	if !e.Success {
		return nil, fmt.Errorf("event %s is not a successful grab", e.EventID)
	}
	if e.EventID == "" {
		return nil, fmt.Errorf("event has no id")
	}
	if e.UserID <= 0 || e.CouponID <= 0 {
		return nil, fmt.Errorf("event %s has invalid ids: user=%d coupon=%d", e.EventID, e.UserID, e.CouponID)
	}
	if e.Timestamp.IsZero() {
		return nil, fmt.Errorf("event %s has no timestamp", e.EventID)
	}

	return &GrabResult{
		EventID:   e.EventID,
		UserID:    e.UserID,
		CouponID:  e.CouponID,
		RoomID:    e.RoomID,
		Status:    GrabStatusSuccess,
		CreatedAt: e.Timestamp.UTC(),
		UseStatus: UseStatusNotUsed,
	}, nil
}
