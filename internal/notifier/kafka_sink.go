package notifier

import (
	"context"
	"fmt"
)

// Producer is the subset of pkg/kafka.Producer the sink needs
type Producer interface {
	ProduceJSON(ctx context.Context, topic, key string, v interface{}, headers map[string]string) error
	Close()
}

// KafkaSink publishes notifications keyed by listing so one listing's messages stay ordered
type KafkaSink struct {
	producer Producer
	topic    string
}

func NewKafkaSink(producer Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Send(ctx context.Context, n *Notification) error {
	headers := map[string]string{
		"message_id": n.ID,
		"status":     string(n.Status),
	}
	if err := s.producer.ProduceJSON(ctx, s.topic, n.ListingID, n, headers); err != nil {
		return fmt.Errorf("kafka: publish notification %s: %w", n.ID, err)
	}
	return nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Close() error {
	s.producer.Close()
	return nil
}
