package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prohmpiriya/featured-placement/internal/domain"
	"github.com/prohmpiriya/featured-placement/internal/notifier"
	"github.com/prohmpiriya/featured-placement/internal/repository"
	"github.com/prohmpiriya/featured-placement/pkg/retry"
)

func fastRetry() *retry.Config {
	return &retry.Config{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}
}

func TestNotification_OncePerStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.store.InsertVerifiedQueueEntry(ctx, &repository.NewEntry{
		ListingID:        "listing-1",
		OwnerID:          "owner-1",
		Area:             "bondi",
		PaymentMethodID:  "pm_card_visa",
		StripeCustomerID: "cus_1",
		PriceLockedCents: 4900,
		Currency:         "aud",
	})
	require.NoError(t, err)

	claimed := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		go func() { claimed <- f.notifications.Notify(ctx, res.Entry) }()
	}
	wins := 0
	for i := 0; i < 20; i++ {
		if <-claimed {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	f.notifications.Wait()
	require.Len(t, f.sink.statuses(res.Entry.ID), 1)

	f.sink.mu.Lock()
	n := f.sink.sent[0]
	f.sink.mu.Unlock()
	assert.Equal(t, "listing-1", n.ListingID)
	assert.Equal(t, "owner-1", n.OwnerID)
	assert.Equal(t, domain.StatusPendingReady, n.Status)
	assert.NotEmpty(t, n.ID)
}

func TestNotification_RetriesTransportFailures(t *testing.T) {
	var calls int32
	sink := &recordingSink{FailFunc: func(n *notifier.Notification) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("connection reset")
		}
		return nil
	}}
	svc := NewNotificationService(&MockNotificationGate{}, sink, nil, &NotificationServiceConfig{Timeout: time.Second, Retry: fastRetry()})

	assert.True(t, svc.Notify(context.Background(), &domain.QueueEntry{ID: 7, Status: domain.StatusActive}))
	svc.Wait()

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Len(t, sink.statuses(7), 1)
}

func TestNotification_SinkFailureKeepsGateClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sink := &recordingSink{FailFunc: func(n *notifier.Notification) error { return errors.New("broker down") }}
	svc := NewNotificationService(f.store, sink, nil, &NotificationServiceConfig{Timeout: time.Second, Retry: fastRetry()})

	res, err := f.store.InsertVerifiedQueueEntry(ctx, &repository.NewEntry{
		ListingID:         "listing-1",
		OwnerID:           "owner-1",
		Area:              "bondi",
		PriceLockedCents:  4900,
		Currency:          "aud",
		Prepaid:           true,
		CheckoutSessionID: "cs_1",
	})
	require.NoError(t, err)

	assert.True(t, svc.Notify(ctx, res.Entry))
	svc.Wait()
	assert.Empty(t, sink.statuses(res.Entry.ID))

	assert.False(t, svc.Notify(ctx, res.Entry))
	assert.Equal(t, domain.StatusActive, f.entry(t, res.Entry.ID).LastNotifiedStatus)
}

type capturingDLQ struct {
	mu   sync.Mutex
	msgs []*retry.DLQMessage
}

func (d *capturingDLQ) PublishToDLQ(ctx context.Context, msg *retry.DLQMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *capturingDLQ) GetDLQTopic(topic string) string { return topic + ".dlq" }

func TestNotification_ExhaustedRetriesGoToDLQ(t *testing.T) {
	var calls int32
	sink := &recordingSink{FailFunc: func(n *notifier.Notification) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("broker down")
	}}
	dlq := &capturingDLQ{}
	svc := NewNotificationService(&MockNotificationGate{}, sink, nil, &NotificationServiceConfig{
		Timeout: time.Second,
		Retry:   fastRetry(),
		DLQ:     dlq,
		Topic:   "featured.notifications",
	})

	entry := &domain.QueueEntry{ID: 9, ListingID: "listing-9", Status: domain.StatusPaymentFailed}
	assert.True(t, svc.Notify(context.Background(), entry))
	svc.Wait()

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	require.Len(t, dlq.msgs, 1)
	msg := dlq.msgs[0]
	assert.Equal(t, "featured.notifications", msg.OriginalTopic)
	assert.Equal(t, "listing-9", msg.OriginalKey)
	assert.Equal(t, "broker down", msg.Error)
	assert.Equal(t, 3, msg.Attempts)
	assert.Equal(t, "payment_failed", msg.Headers["status"])

	var parked notifier.Notification
	require.NoError(t, json.Unmarshal(msg.Payload, &parked))
	assert.Equal(t, int64(9), parked.EntryID)
	assert.Equal(t, domain.StatusPaymentFailed, parked.Status)
}

func TestNotification_GateErrors(t *testing.T) {
	sink := &recordingSink{}
	gate := &MockNotificationGate{
		AttemptFunc: func(ctx context.Context, entryID int64, status domain.EntryStatus) (bool, error) {
			return false, errors.New("connection refused")
		},
	}
	svc := NewNotificationService(gate, sink, nil, nil)

	assert.False(t, svc.Notify(context.Background(), &domain.QueueEntry{ID: 1, Status: domain.StatusActive}))
	assert.False(t, svc.Notify(context.Background(), nil))
	assert.False(t, svc.Notify(context.Background(), &domain.QueueEntry{ID: 2}))
	svc.Wait()
	assert.Empty(t, sink.sent)
}

func TestNotification_OutlivesCallerContext(t *testing.T) {
	sink := &recordingSink{}
	svc := NewNotificationService(&MockNotificationGate{}, sink, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	assert.True(t, svc.Notify(ctx, &domain.QueueEntry{ID: 3, Status: domain.StatusExpired}))
	cancel()
	svc.Wait()

	assert.Equal(t, []domain.EntryStatus{domain.StatusExpired}, sink.statuses(3))
}
