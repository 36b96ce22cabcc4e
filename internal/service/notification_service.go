package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prohmpiriya/featured-placement/internal/domain"
	"github.com/prohmpiriya/featured-placement/internal/metrics"
	"github.com/prohmpiriya/featured-placement/internal/notifier"
	"github.com/prohmpiriya/featured-placement/pkg/logger"
	"github.com/prohmpiriya/featured-placement/pkg/retry"
	"github.com/prohmpiriya/featured-placement/pkg/telemetry"
)

// NotificationGate is the store's compare-and-set on last_notified_status
type NotificationGate interface {
	AttemptNotificationUpdate(ctx context.Context, entryID int64, status domain.EntryStatus) (bool, error)
}

// NotificationService sends at most one notification per (entry, status)
type NotificationService interface {
	// Notify claims the gate for the entry's current status and, when claimed,
	// hands the notification to the sink in the background. Returns whether it claimed.
	Notify(ctx context.Context, entry *domain.QueueEntry) bool
	// Wait blocks until background sends finish
	Wait()
}

// NotificationServiceConfig contains configuration for the notification service
type NotificationServiceConfig struct {
	// Timeout bounds each send attempt
	Timeout time.Duration
	Retry   *retry.Config
	// DLQ receives notifications that still fail after all retries
	DLQ retry.DLQPublisher
	// Topic names the notification stream in DLQ messages
	Topic string
}

type notificationService struct {
	gate    NotificationGate
	sink    notifier.Sink
	timeout time.Duration
	topic   string
	dlq     *retry.DLQHandler
	log     *logger.Logger
	wg      sync.WaitGroup
}

// NewNotificationService creates a new notification service
func NewNotificationService(gate NotificationGate, sink notifier.Sink, log *logger.Logger, cfg *NotificationServiceConfig) NotificationService {
	timeout := 5 * time.Second
	topic := "featured-placement.notifications"
	retryCfg := retry.DefaultConfig()
	var publisher retry.DLQPublisher
	if cfg != nil {
		if cfg.Timeout > 0 {
			timeout = cfg.Timeout
		}
		if cfg.Retry != nil {
			retryCfg = cfg.Retry
		}
		if cfg.Topic != "" {
			topic = cfg.Topic
		}
		publisher = cfg.DLQ
	}
	if log == nil {
		log = logger.Get()
	}

	return &notificationService{
		gate:    gate,
		sink:    sink,
		timeout: timeout,
		topic:   topic,
		dlq: retry.NewDLQHandler(publisher, &retry.DLQHandlerConfig{
			RetryConfig: retryCfg,
			Source:      "notification-service",
		}),
		log: log,
	}
}

func (s *notificationService) Notify(ctx context.Context, entry *domain.QueueEntry) bool {
	if entry == nil || entry.Status == "" {
		return false
	}

	ctx, span := telemetry.StartSpan(ctx, "service.notification.notify")
	defer span.End()

	claimed, err := s.gate.AttemptNotificationUpdate(ctx, entry.ID, entry.Status)
	if err != nil {
		telemetry.RecordError(span, err)
		s.log.ErrorContext(ctx, fmt.Sprintf("Failed to claim notification gate for entry %d", entry.ID), zap.Error(err))
		return false
	}
	if !claimed {
		return false
	}

	n, err := notifier.New(entry)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to build notification", zap.Int64("entry_id", entry.ID), zap.Error(err))
		return true
	}

	// the gate is already closed for this status; delivery failures are only logged
	sendCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.send(sendCtx, n)
	}()
	return true
}

func (s *notificationService) send(ctx context.Context, n *notifier.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		s.log.Error(fmt.Sprintf("Failed to encode notification %s: %v", n.ID, err))
		return
	}

	msg := &retry.MessageContext{
		ID:      n.ID,
		Topic:   s.topic,
		Key:     n.ListingID,
		Payload: payload,
		Headers: map[string]string{"status": string(n.Status), "sink": s.sink.Name()},
	}
	res, dlqErr := s.dlq.ProcessWithDLQ(ctx, msg, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.sink.Send(attemptCtx, n)
	}, func(attempt int, err error, wait time.Duration) {
		s.log.Warn(fmt.Sprintf("Notification %s send attempt %d failed, retrying in %v", n.ID, attempt, wait), zap.Error(err))
	})

	var sendErr error
	if res.Err != nil {
		sendErr = res.LastError
		if sendErr == nil {
			sendErr = res.Err
		}
		s.log.Error(fmt.Sprintf("Failed to deliver notification for entry %d after %d attempts", n.EntryID, res.Attempts),
			zap.String("notification_id", n.ID),
			zap.String("sink", s.sink.Name()),
			zap.String("status", string(n.Status)),
			zap.Error(sendErr),
		)
	}
	if dlqErr != nil {
		s.log.Error(fmt.Sprintf("Notification %s lost", n.ID), zap.Error(dlqErr))
	}
	metrics.RecordNotification(ctx, s.sink.Name(), string(n.Status), sendErr)
}

func (s *notificationService) Wait() {
	s.wg.Wait()
}
