// Package kafka carries the engine's event boundary: the inbound
// contract-completion consumer and the outbound settlement, run, and
// notification producers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tidemark/settler/internal/tracing"
	"github.com/tidemark/settler/pkg/metrics"
)

// Config holds Kafka configuration
type Config struct {
	Brokers            []string
	CompletionTopic    string
	ConsumerGroup      string
	EventsTopic        string
	NotificationsTopic string
}

// ParseBrokers parses a comma-separated broker string
func ParseBrokers(brokers string) []string {
	list := strings.Split(brokers, ",")
	for i := range list {
		list[i] = strings.TrimSpace(list[i])
	}
	return list
}

// Producer publishes settlement lifecycle events and notifications.
type Producer struct {
	eventWriter        *kafka.Writer
	notificationWriter *kafka.Writer
	logger             ectologger.Logger
	eventsTopic        string
	notificationsTopic string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			Async:        false,
			// Allow Kafka to auto-create topics in dev environments.
			AllowAutoTopicCreation: true,
		}
	}

	return &Producer{
		eventWriter:        newWriter(cfg.EventsTopic),
		notificationWriter: newWriter(cfg.NotificationsTopic),
		logger:             logger,
		eventsTopic:        cfg.EventsTopic,
		notificationsTopic: cfg.NotificationsTopic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	var firstErr error
	if err := p.eventWriter.Close(); err != nil {
		firstErr = err
	}
	if err := p.notificationWriter.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// publish writes one message to the named writer, stamping trace context.
func (p *Producer) publish(ctx context.Context, writer *kafka.Writer, topic, key, eventType string, payload any) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.publish")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("event_type", eventType),
	)

	data, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal event")
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := []kafka.Header{
		{Key: "type", Value: []byte(eventType)},
	}
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}

	start := time.Now()
	err = writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish event")
		metrics.RecordKafkaPublish(topic, "error", time.Since(start).Seconds())
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish %s to Kafka topic %s", eventType, topic)
		return err
	}

	span.SetStatus(codes.Ok, "event published")
	metrics.RecordKafkaPublish(topic, "ok", time.Since(start).Seconds())
	p.logger.WithContext(ctx).Debugf("Published %s event to %s (key=%s)", eventType, topic, key)
	return nil
}

// Stats returns producer statistics for the events writer
func (p *Producer) Stats() kafka.WriterStats {
	return p.eventWriter.Stats()
}
