package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tidemark/settler/pkg/models"
)

// RunJob is one queued rule invocation: the rule to run and the trigger
// event that caused it. Delivery counts live in the stream's pending
// entries, not in the job payload.
type RunJob struct {
	ID         string              `json:"id"`
	RuleID     uuid.UUID           `json:"rule_id"`
	Trigger    models.TriggerEvent `json:"trigger"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
}

// StreamMessage pairs a stream entry ID with its decoded job.
type StreamMessage struct {
	ID     string
	Stream string
	Job    RunJob
}

// Streams provides the Redis Streams substrate for the rule-run queue.
type Streams struct {
	client *Client
}

// NewStreams creates a new Streams instance
func NewStreams(client *Client) *Streams {
	return &Streams{client: client}
}

// Publish enqueues a run job onto a stream.
func (s *Streams) Publish(ctx context.Context, stream string, job *RunJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run job: %w", err)
	}

	result, err := s.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(payload),
		},
	}).Result()
	if err != nil {
		s.client.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to stream %s", stream)
		return "", err
	}

	s.client.logger.WithContext(ctx).Debugf("Published job %s for rule %s to stream %s (message ID: %s)", job.ID, job.RuleID, stream, result)
	return result, nil
}

// CreateConsumerGroup creates the consumer group, tolerating re-creation.
func (s *Streams) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := s.client.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

// Consume reads new messages for a consumer in the group.
func (s *Streams) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	results, err := s.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()

	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, result := range results {
		for _, msg := range result.Messages {
			decoded, ok := s.decode(ctx, msg)
			if !ok {
				continue
			}
			decoded.Stream = result.Stream
			messages = append(messages, decoded)
		}
	}
	return messages, nil
}

// Ack acknowledges processed messages
func (s *Streams) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return s.client.rdb.XAck(ctx, stream, group, ids...).Err()
}

// PendingMessage describes one unacknowledged stream entry.
type PendingMessage struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	RetryCount int64
}

// Pending lists unacknowledged messages in the group.
func (s *Streams) Pending(ctx context.Context, stream, group string, count int64) ([]PendingMessage, error) {
	results, err := s.client.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}

	pending := make([]PendingMessage, 0, len(results))
	for _, msg := range results {
		pending = append(pending, PendingMessage{
			ID:         msg.ID,
			Consumer:   msg.Consumer,
			Idle:       msg.Idle,
			RetryCount: msg.RetryCount,
		})
	}
	return pending, nil
}

// Claim takes over messages a dead consumer left pending for too long.
func (s *Streams) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error) {
	results, err := s.client.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, msg := range results {
		decoded, ok := s.decode(ctx, msg)
		if !ok {
			continue
		}
		decoded.Stream = stream
		messages = append(messages, decoded)
	}
	return messages, nil
}

// Len returns the length of a stream
func (s *Streams) Len(ctx context.Context, stream string) (int64, error) {
	return s.client.rdb.XLen(ctx, stream).Result()
}

// Trim trims a stream to approximately maxLen entries
func (s *Streams) Trim(ctx context.Context, stream string, maxLen int64) error {
	return s.client.rdb.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err()
}

// decode extracts the run job from a stream entry. Malformed entries are
// logged and dropped rather than wedging the consumer.
func (s *Streams) decode(ctx context.Context, msg redis.XMessage) (StreamMessage, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		s.client.logger.WithContext(ctx).Warnf("Stream message %s has no data field, dropping", msg.ID)
		return StreamMessage{}, false
	}

	var job RunJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		s.client.logger.WithContext(ctx).WithError(err).Warnf("Failed to unmarshal stream message %s, dropping", msg.ID)
		return StreamMessage{}, false
	}

	return StreamMessage{ID: msg.ID, Job: job}, true
}
