package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coupon-service/internal/models"
	"coupon-service/internal/redisclient"
	"coupon-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var (
	// ErrPublishFailed means the reservation was undone because its event never reached the relay
	ErrPublishFailed = errors.New("grab event could not be published")

	ErrInvalidRequest = errors.New("invalid grab request")
)

const (
	defaultGrabTimeout   = 5 * time.Second
	compensationTimeout  = 3 * time.Second
	compensationAttempts = 3
)

// StockReserver is the atomic counter the grab path reserves against
type StockReserver interface {
	Reserve(ctx context.Context, couponID int64) (*redisclient.Reservation, error)
	// Release undoes the reservation made for eventID; repeating it is a no-op
	Release(ctx context.Context, couponID int64, eventID string) (int64, error)
}

// GrabPublisher durably publishes grab events
type GrabPublisher interface {
	PublishGrab(ctx context.Context, event *models.GrabEvent) error
}

// GrabOptions tunes the grab path
type GrabOptions struct {
	// Timeout bounds the whole reserve, publish and compensate sequence.
	// The sequence is not cancelled when the caller goes away.
	Timeout time.Duration
	// PublishFailedGrabs also publishes out-of-stock attempts
	PublishFailedGrabs bool
}

// GrabService reserves stock and emits one durable event per attempt
type GrabService struct {
	stock     StockReserver
	publisher GrabPublisher
	opts      GrabOptions
	logger    *zap.Logger
}

// NewGrabService creates a new grab service
func NewGrabService(stock StockReserver, publisher GrabPublisher, opts GrabOptions) *GrabService {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultGrabTimeout
	}
	return &GrabService{
		stock:     stock,
		publisher: publisher,
		opts:      opts,
		logger:    util.GetLogger(),
	}
}

// GrabRequest represents a request to grab a coupon
type GrabRequest struct {
	UserID   int64 `json:"user_id" binding:"required"`
	CouponID int64 `json:"coupon_id" binding:"required"`
	RoomID   int64 `json:"room_id"`
}

func (r *GrabRequest) validate() error {
	if r.UserID <= 0 {
		return fmt.Errorf("%w: user_id must be positive", ErrInvalidRequest)
	}
	if r.CouponID <= 0 {
		return fmt.Errorf("%w: coupon_id must be positive", ErrInvalidRequest)
	}
	if r.RoomID < 0 {
		return fmt.Errorf("%w: room_id must not be negative", ErrInvalidRequest)
	}
	return nil
}

// GrabResponse is returned for both granted and denied grabs
type GrabResponse struct {
	Success        bool   `json:"success"`
	Reason         string `json:"reason"`
	RemainingStock int64  `json:"remaining_stock"`
	EventID        string `json:"event_id,omitempty"`
}

// Grab reserves one unit of stock for the user and publishes the outcome.
// A granted grab is reported only after its event is durably published;
// if publishing fails the unit is released and ErrPublishFailed is returned.
func (s *GrabService) Grab(ctx context.Context, req *GrabRequest) (*GrabResponse, error) {
	ctx, span := util.StartSpan(ctx, "GrabService.Grab")
	defer span.End()

	if err := req.validate(); err != nil {
		util.GrabRequestsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	defer cancel()

	start := time.Now()
	reservation, err := s.stock.Reserve(opCtx, req.CouponID)
	util.StockReserveLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.GrabRequestsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve failed")
		s.logger.Error("Failed to reserve stock",
			zap.Int64("coupon_id", req.CouponID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to reserve stock for coupon %d: %w", req.CouponID, err)
	}

	event := &models.GrabEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCouponGrab,
			Timestamp: time.Now().UTC(),
		},
		UserID:         req.UserID,
		CouponID:       req.CouponID,
		RoomID:         req.RoomID,
		Success:        reservation.Granted,
		Reason:         reservation.Reason,
		RemainingStock: reservation.Remaining,
	}

	if !reservation.Granted {
		if s.opts.PublishFailedGrabs {
			if err := s.publisher.PublishGrab(opCtx, event); err != nil {
				s.logger.Warn("Failed to publish denied grab",
					zap.String("event_id", event.EventID),
					zap.Error(err))
			}
		}
		util.GrabRequestsTotal.WithLabelValues(reservation.Reason).Inc()
		s.logger.Debug("Grab denied",
			zap.Int64("user_id", req.UserID),
			zap.Int64("coupon_id", req.CouponID),
			zap.String("reason", reservation.Reason))
		return &GrabResponse{
			Success: false,
			Reason:  reservation.Reason,
			EventID: event.EventID,
		}, nil
	}

	if err := s.publisher.PublishGrab(opCtx, event); err != nil {
		util.GrabPublishFailedTotal.Inc()
		util.GrabRequestsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		s.logger.Error("Failed to publish granted grab, releasing stock",
			zap.String("event_id", event.EventID),
			zap.Int64("coupon_id", req.CouponID),
			zap.Error(err))
		s.compensate(context.WithoutCancel(ctx), req.CouponID, event.EventID)
		return nil, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	util.GrabRequestsTotal.WithLabelValues(models.ReasonSuccess).Inc()
	return &GrabResponse{
		Success:        true,
		Reason:         models.ReasonSuccess,
		RemainingStock: reservation.Remaining,
		EventID:        event.EventID,
	}, nil
}

// compensate gives back a reserved unit whose event was never published.
// Retrying is safe because the release is keyed by the event.
func (s *GrabService) compensate(ctx context.Context, couponID int64, eventID string) {
	ctx, cancel := context.WithTimeout(ctx, compensationTimeout)
	defer cancel()

	var err error
retry:
	for attempt := 1; attempt <= compensationAttempts; attempt++ {
		if _, err = s.stock.Release(ctx, couponID, eventID); err == nil {
			util.StockCompensationsTotal.WithLabelValues("ok").Inc()
			return
		}

		select {
		case <-ctx.Done():
			break retry
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}

	util.StockCompensationsTotal.WithLabelValues("failed").Inc()
	s.logger.Error("Stock compensation failed, counter needs manual reconciliation",
		zap.Int64("coupon_id", couponID),
		zap.String("event_id", eventID),
		zap.Error(err))
}
