// Package events publishes trade lifecycle events to Kafka. Consumers
// (dashboards, moderation tooling) subscribe to the topic instead of the
// engine calling back into presentation code.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/creatureworld/tradecore/internal/trade"
)

// KafkaPublisher writes trade events to a Kafka topic, keyed by session id
// so one trade's events stay ordered.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	return &KafkaPublisher{
		writer: writer,
		logger: logger,
	}
}

// Publish sends one trade event.
func (p *KafkaPublisher) Publish(ctx context.Context, event trade.TradeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode trade event %s: %w", event.ID, err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.SessionID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("publish trade event %s: %w", event.ID, err)
	}

	p.logger.Debug("published trade event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("session_id", event.SessionID))
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
