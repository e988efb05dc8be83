package kafka

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/tidemark/settler/internal/tracing"
	"github.com/tidemark/settler/pkg/models"
)

// CompletionEvent is the inbound message shape the trade-capture system
// publishes when a contract completes.
type CompletionEvent struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	SubjectID   string    `json:"subject_id"`
	SubjectType string    `json:"subject_type"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CompletionHandler receives decoded completion triggers. Satisfied by the
// dispatcher's DispatchCompletion.
type CompletionHandler func(ctx context.Context, trigger models.TriggerEvent) error

// Consumer reads contract-completion events and hands them to the dispatcher.
type Consumer struct {
	reader  *kafka.Reader
	logger  ectologger.Logger
	handler CompletionHandler
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewConsumer creates a completion-event consumer
func NewConsumer(cfg Config, logger ectologger.Logger, handler CompletionHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.CompletionTopic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: time.Second,
	})

	return &Consumer{
		reader:  reader,
		logger:  logger,
		handler: handler,
	}
}

// Start begins consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic": c.reader.Config().Topic,
	}).Infof("Kafka consumer started")
	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			c.logger.WithContext(ctx).Infof("Consumer loop stopping")
			return
		default:
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if err == context.Canceled || err == io.EOF {
					return
				}
				c.logger.WithContext(ctx).WithError(err).Error("Failed to fetch message")
				continue
			}

			c.processMessage(ctx, msg)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) {
	ctx, span := tracing.StartSpan(ctx, "kafka.Consumer.processMessage")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	var event CompletionEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// Malformed messages are committed so the consumer never wedges
		log.WithError(err).Error("Failed to parse completion event, committing and skipping")
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			log.WithError(err).Error("Failed to commit message")
		}
		return
	}

	trigger := models.TriggerEvent{
		EventID:     event.EventID,
		EventType:   models.TriggerTypeCompletion,
		SubjectID:   event.SubjectID,
		SubjectType: event.SubjectType,
		OccurredAt:  event.OccurredAt,
	}
	if trigger.OccurredAt.IsZero() {
		trigger.OccurredAt = msg.Time
	}

	if err := trigger.Validate(); err != nil {
		log.WithError(err).Error("Completion event missing required fields, committing and skipping")
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			log.WithError(err).Error("Failed to commit message")
		}
		return
	}

	// Not committing on handler failure keeps delivery at-least-once; the
	// engine's trigger dedupe absorbs the redelivery.
	if err := c.handler(ctx, trigger); err != nil {
		log.WithError(err).Error("Failed to dispatch completion event (not committing)")
		return
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to commit message")
	}
}

// Health returns the consumer health status
func (c *Consumer) Health() bool {
	return c.reader != nil
}
