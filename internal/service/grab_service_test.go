package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"coupon-service/internal/models"
	"coupon-service/internal/redisclient"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu      sync.Mutex
	events  []*models.GrabEvent
	ctxErrs []error
	err     error
}

func (p *fakePublisher) PublishGrab(ctx context.Context, event *models.GrabEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) published() []*models.GrabEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.GrabEvent(nil), p.events...)
}

func newStock(t *testing.T) (*redisclient.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redisclient.NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestGrabNeverOversells(t *testing.T) {
	stock, mr := newStock(t)
	require.NoError(t, stock.ProvisionStock(context.Background(), 101, 10))

	publisher := &fakePublisher{}
	svc := NewGrabService(stock, publisher, GrabOptions{PublishFailedGrabs: true})

	const callers = 2000
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		granted    int
		outOfStock int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			resp, err := svc.Grab(context.Background(), &GrabRequest{UserID: userID, CouponID: 101, RoomID: 1500})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if resp.Success {
				granted++
			} else if resp.Reason == models.ReasonOutOfStock {
				outOfStock++
			}
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, 10, granted)
	assert.Equal(t, callers-10, outOfStock)

	value, err := mr.Get("coupon:101:stock")
	require.NoError(t, err)
	assert.Equal(t, "0", value)

	events := publisher.published()
	assert.Len(t, events, callers)
	var successEvents int
	for _, e := range events {
		if e.Success {
			successEvents++
		}
	}
	assert.Equal(t, 10, successEvents)
}

func TestGrabGrantedEvent(t *testing.T) {
	stock, _ := newStock(t)
	require.NoError(t, stock.ProvisionStock(context.Background(), 101, 3))

	publisher := &fakePublisher{}
	svc := NewGrabService(stock, publisher, GrabOptions{})

	resp, err := svc.Grab(context.Background(), &GrabRequest{UserID: 7, CouponID: 101, RoomID: 1500})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, models.ReasonSuccess, resp.Reason)
	assert.Equal(t, int64(2), resp.RemainingStock)

	events := publisher.published()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, resp.EventID, e.EventID)
	assert.Equal(t, models.EventTypeCouponGrab, e.EventType)
	assert.Equal(t, int64(7), e.UserID)
	assert.Equal(t, int64(1500), e.RoomID)
	assert.Equal(t, int64(2), e.RemainingStock)
	assert.False(t, e.Timestamp.IsZero())
}

func TestGrabPublishFailureRestoresCounter(t *testing.T) {
	stock, mr := newStock(t)
	require.NoError(t, stock.ProvisionStock(context.Background(), 101, 5))

	publisher := &fakePublisher{err: errors.New("broker unreachable")}
	svc := NewGrabService(stock, publisher, GrabOptions{})

	resp, err := svc.Grab(context.Background(), &GrabRequest{UserID: 7, CouponID: 101, RoomID: 1})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrPublishFailed)

	value, err := mr.Get("coupon:101:stock")
	require.NoError(t, err)
	assert.Equal(t, "5", value)
}

// lostReplyStock applies every release but reports the first failures as
// errors, the way a reply lost to a read timeout looks to the caller
type lostReplyStock struct {
	*redisclient.Client
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *lostReplyStock) Release(ctx context.Context, couponID int64, eventID string) (int64, error) {
	remaining, err := s.Client.Release(ctx, couponID, eventID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err == nil && s.calls <= s.failures {
		return 0, errors.New("i/o timeout")
	}
	return remaining, err
}

func TestGrabCompensationRetryDoesNotOversell(t *testing.T) {
	client, mr := newStock(t)
	require.NoError(t, client.ProvisionStock(context.Background(), 101, 1))

	stock := &lostReplyStock{Client: client, failures: 2}
	failing := NewGrabService(stock, &fakePublisher{err: errors.New("broker unreachable")}, GrabOptions{})

	_, err := failing.Grab(context.Background(), &GrabRequest{UserID: 7, CouponID: 101})
	require.ErrorIs(t, err, ErrPublishFailed)
	assert.Equal(t, 3, stock.calls)

	value, err := mr.Get("coupon:101:stock")
	require.NoError(t, err)
	assert.Equal(t, "1", value)

	publisher := &fakePublisher{}
	svc := NewGrabService(client, publisher, GrabOptions{})
	granted := 0
	for i := 0; i < 3; i++ {
		resp, err := svc.Grab(context.Background(), &GrabRequest{UserID: int64(10 + i), CouponID: 101})
		require.NoError(t, err)
		if resp.Success {
			granted++
		}
	}
	assert.Equal(t, 1, granted)
}

func TestGrabDeniedPublishFailureIsNotFatal(t *testing.T) {
	stock, _ := newStock(t)
	require.NoError(t, stock.ProvisionStock(context.Background(), 101, 0))

	publisher := &fakePublisher{err: errors.New("broker unreachable")}
	svc := NewGrabService(stock, publisher, GrabOptions{PublishFailedGrabs: true})

	resp, err := svc.Grab(context.Background(), &GrabRequest{UserID: 7, CouponID: 101})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, models.ReasonOutOfStock, resp.Reason)
}

func TestGrabSkipsDeniedEventsWhenFiltering(t *testing.T) {
	stock, _ := newStock(t)
	require.NoError(t, stock.ProvisionStock(context.Background(), 101, 0))

	publisher := &fakePublisher{}
	svc := NewGrabService(stock, publisher, GrabOptions{PublishFailedGrabs: false})

	resp, err := svc.Grab(context.Background(), &GrabRequest{UserID: 7, CouponID: 101})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Empty(t, publisher.published())
}

func TestGrabUnknownCoupon(t *testing.T) {
	stock, mr := newStock(t)

	svc := NewGrabService(stock, &fakePublisher{}, GrabOptions{PublishFailedGrabs: true})

	resp, err := svc.Grab(context.Background(), &GrabRequest{UserID: 7, CouponID: 999})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, models.ReasonCouponNotFound, resp.Reason)
	assert.False(t, mr.Exists("coupon:999:stock"))
}

func TestGrabStoreUnavailable(t *testing.T) {
	stock, mr := newStock(t)
	mr.Close()

	publisher := &fakePublisher{}
	svc := NewGrabService(stock, publisher, GrabOptions{PublishFailedGrabs: true})

	resp, err := svc.Grab(context.Background(), &GrabRequest{UserID: 7, CouponID: 101})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, redisclient.ErrStoreUnavailable)
	assert.Empty(t, publisher.published())
}

func TestGrabOutlivesCallerCancellation(t *testing.T) {
	stock, mr := newStock(t)
	require.NoError(t, stock.ProvisionStock(context.Background(), 101, 1))

	publisher := &fakePublisher{}
	svc := NewGrabService(stock, publisher, GrabOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := svc.Grab(ctx, &GrabRequest{UserID: 7, CouponID: 101})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	require.Len(t, publisher.ctxErrs, 1)
	assert.NoError(t, publisher.ctxErrs[0])
	assert.Len(t, publisher.published(), 1)

	value, err := mr.Get("coupon:101:stock")
	require.NoError(t, err)
	assert.Equal(t, "0", value)
}

func TestGrabRejectsInvalidRequest(t *testing.T) {
	svc := NewGrabService(nil, nil, GrabOptions{})

	tests := []struct {
		name string
		req  GrabRequest
	}{
		{"missing user", GrabRequest{CouponID: 1}},
		{"missing coupon", GrabRequest{UserID: 1}},
		{"negative room", GrabRequest{UserID: 1, CouponID: 1, RoomID: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Grab(context.Background(), &tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}
