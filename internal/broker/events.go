package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"coupon-service/internal/models"
)

// Delivery is one consumed message awaiting a decision.
// Exactly one of Ack, Requeue or DeadLetter should be called.
type Delivery interface {
	Payload() []byte
	// Attempt is the number of times the message has been requeued
	Attempt() int
	Ack(ctx context.Context) error
	Requeue(ctx context.Context) error
	DeadLetter(ctx context.Context, reason string) error
}

// DecodeGrabEvent translates a delivery payload into a grab event
func DecodeGrabEvent(d Delivery) (*models.GrabEvent, error) {
	var event models.GrabEvent
	if err := json.Unmarshal(d.Payload(), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grab event: %w", err)
	}
	if event.EventType != models.EventTypeCouponGrab {
		return nil, fmt.Errorf("unexpected event type %q", event.EventType)
	}
	return &event, nil
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishGrab publishes a grab event keyed by user so one user's events stay in one partition
func (ep *EventPublisher) PublishGrab(ctx context.Context, event *models.GrabEvent) error {
	key := strconv.FormatInt(event.UserID, 10)
	return ep.producer.PublishEvent(ctx, key, event)
}
