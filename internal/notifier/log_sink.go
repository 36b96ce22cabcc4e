package notifier

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/prohmpiriya/featured-placement/pkg/logger"
)

// LogSink writes notifications to the service log. Used in development.
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Send(ctx context.Context, n *Notification) error {
	s.log.InfoContext(ctx, fmt.Sprintf("Featured placement notification: entry %d is %s", n.EntryID, n.Status),
		zap.String("notification_id", n.ID),
		zap.String("listing_id", n.ListingID),
		zap.String("owner_id", n.OwnerID),
		zap.String("area", n.Area),
	)
	return nil
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Close() error { return nil }
