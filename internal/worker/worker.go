package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"coupon-service/internal/broker"
	"coupon-service/internal/models"
	"coupon-service/internal/store"
	"coupon-service/internal/util"

	"go.uber.org/zap"
)

// Outcomes of handling one delivery
const (
	OutcomePersisted    = "persisted"
	OutcomeSkipped      = "skipped"
	OutcomeDuplicate    = "duplicate"
	OutcomeRequeued     = "requeued"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeAbandoned    = "abandoned"
)

// Receiver yields deliveries one at a time
type Receiver interface {
	Receive(ctx context.Context) (broker.Delivery, error)
	Close() error
}

// ResultWriter persists grab results on their owning shard
type ResultWriter interface {
	SaveResult(ctx context.Context, result *models.GrabResult) (int, error)
}

// UserCache holds per-user counters and cached coupon lists
type UserCache interface {
	// RecordGrabAttempt counts an event once, however often it is delivered
	RecordGrabAttempt(ctx context.Context, userID int64, eventID string, success bool) (bool, error)
	InvalidateUserCoupons(ctx context.Context, userID int64) error
}

// Options tunes retry behaviour
type Options struct {
	// MaxRetries is how many times a failing event is requeued before it is dead-lettered
	MaxRetries int
	// Backoff is the pause between attempts to settle a delivery with the relay
	Backoff time.Duration
}

// PersistenceWorker turns successful grab events into grab results
type PersistenceWorker struct {
	id       int
	receiver Receiver
	writer   ResultWriter
	cache    UserCache
	opts     Options
	logger   *zap.Logger
}

// NewPersistenceWorker creates a new persistence worker
func NewPersistenceWorker(id int, receiver Receiver, writer ResultWriter, cache UserCache, opts Options) *PersistenceWorker {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	return &PersistenceWorker{
		id:       id,
		receiver: receiver,
		writer:   writer,
		cache:    cache,
		opts:     opts,
		logger:   util.GetLogger().With(zap.Int("worker", id)),
	}
}

// Start receives and handles deliveries until ctx is cancelled or the receiver is closed
func (w *PersistenceWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting persistence worker")

	for {
		delivery, err := w.receiver.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			w.logger.Error("Failed to receive event", zap.Error(err))
			if !sleep(ctx, w.opts.Backoff) {
				return nil
			}
			continue
		}

		w.Handle(ctx, delivery)
	}
}

// Stop closes the receiver
func (w *PersistenceWorker) Stop() error {
	w.logger.Info("Stopping persistence worker")
	return w.receiver.Close()
}

// Handle processes one delivery and settles it with the relay
func (w *PersistenceWorker) Handle(ctx context.Context, d broker.Delivery) string {
	ctx, span := util.StartSpan(ctx, "PersistenceWorker.Handle")
	defer span.End()

	start := time.Now()
	outcome := w.handle(ctx, d)
	util.EventProcessingLatency.Observe(time.Since(start).Seconds())
	util.EventsConsumedTotal.WithLabelValues(outcome).Inc()
	return outcome
}

func (w *PersistenceWorker) handle(ctx context.Context, d broker.Delivery) string {
	event, err := broker.DecodeGrabEvent(d)
	if err != nil {
		return w.retryOrDrop(ctx, d, "undecodable event", err)
	}

	log := w.logger.With(zap.String("event_id", event.EventID), zap.Int("attempt", d.Attempt()))

	// failed attempts are counted but never written
	if !event.Success {
		w.recordAttempt(ctx, event, false)
		return w.settle(ctx, d.Ack, OutcomeSkipped)
	}

	result, err := event.ToResult()
	if err != nil {
		return w.retryOrDrop(ctx, d, "invalid event", err)
	}

	shard, err := w.writer.SaveResult(ctx, result)
	switch {
	case errors.Is(err, store.ErrDuplicateResult):
		log.Info("Event already persisted", zap.Int("shard", shard))
		w.invalidate(ctx, event.UserID)
		return w.settle(ctx, d.Ack, OutcomeDuplicate)
	case err != nil:
		return w.retryOrDrop(ctx, d, "write failed", err)
	}

	log.Debug("Grab result persisted",
		zap.Int64("result_id", result.ID),
		zap.Int("shard", shard))

	w.recordAttempt(ctx, event, true)
	w.invalidate(ctx, event.UserID)
	return w.settle(ctx, d.Ack, OutcomePersisted)
}

// retryOrDrop requeues a failing delivery until the retry cap is reached,
// then moves it to the dead-letter topic so the partition keeps flowing.
func (w *PersistenceWorker) retryOrDrop(ctx context.Context, d broker.Delivery, reason string, cause error) string {
	if d.Attempt() < w.opts.MaxRetries {
		w.logger.Warn("Requeueing event",
			zap.String("reason", reason),
			zap.Int("attempt", d.Attempt()),
			zap.Error(cause))
		return w.settle(ctx, d.Requeue, OutcomeRequeued)
	}

	w.logger.Error("Dead-lettering event after retries exhausted",
		zap.String("reason", reason),
		zap.Int("attempt", d.Attempt()),
		zap.ByteString("payload", d.Payload()),
		zap.Error(cause))

	deadLetter := func(ctx context.Context) error {
		return d.DeadLetter(ctx, fmt.Sprintf("%s: %v", reason, cause))
	}
	return w.settle(ctx, deadLetter, OutcomeDeadLettered)
}

// settle retries op until it succeeds or ctx ends. A delivery that is never
// settled is redelivered later, so giving up on shutdown is safe.
func (w *PersistenceWorker) settle(ctx context.Context, op func(context.Context) error, outcome string) string {
	for {
		err := op(ctx)
		if err == nil {
			return outcome
		}

		w.logger.Error("Failed to settle delivery",
			zap.String("outcome", outcome),
			zap.Error(err))
		if !sleep(ctx, w.opts.Backoff) {
			return OutcomeAbandoned
		}
	}
}

func (w *PersistenceWorker) recordAttempt(ctx context.Context, event *models.GrabEvent, success bool) {
	counted, err := w.cache.RecordGrabAttempt(ctx, event.UserID, event.EventID, success)
	switch {
	case err != nil:
		w.logger.Warn("Failed to record grab attempt", zap.Int64("user_id", event.UserID), zap.Error(err))
	case !counted:
		w.logger.Debug("Grab attempt already counted", zap.String("event_id", event.EventID))
	}
}

func (w *PersistenceWorker) invalidate(ctx context.Context, userID int64) {
	if err := w.cache.InvalidateUserCoupons(ctx, userID); err != nil {
		w.logger.Warn("Failed to invalidate user coupons", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
