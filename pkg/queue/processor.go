// Package queue consumes rule-run jobs from a Redis Streams work queue and
// hands them to the orchestrator. Delivery is at-least-once; redelivered
// jobs are absorbed by the orchestrator's trigger dedupe.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/tidemark/settler/internal/appctx"
	"github.com/tidemark/settler/internal/tracing"
	"github.com/tidemark/settler/pkg/metrics"
	"github.com/tidemark/settler/pkg/models"
	"github.com/tidemark/settler/pkg/redis"
	"github.com/tidemark/settler/pkg/repositories"
)

const (
	// DefaultBatchSize is the default number of messages to consume at once
	DefaultBatchSize = 10

	// DefaultBlockTimeout is how long to block waiting for messages
	DefaultBlockTimeout = 5 * time.Second

	// DefaultMaxDeliveries is how many deliveries a job gets before it is dropped
	DefaultMaxDeliveries = 3

	// DefaultClaimInterval is how often to claim stale pending messages
	DefaultClaimInterval = 30 * time.Second

	// DefaultClaimMinIdle is the minimum idle time before claiming a message
	DefaultClaimMinIdle = 60 * time.Second
)

// Runner executes one rule invocation. Satisfied by the orchestrator.
type Runner interface {
	ExecuteRule(ctx context.Context, def models.RuleDefinition, trigger models.TriggerEvent) (*models.RuleExecutionRecord, error)
}

// JobStream is the stream surface the processor consumes from. Satisfied by
// redis.Streams.
type JobStream interface {
	CreateConsumerGroup(ctx context.Context, stream, group string) error
	Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.StreamMessage, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Pending(ctx context.Context, stream, group string, count int64) ([]redis.PendingMessage, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]redis.StreamMessage, error)
}

// DefinitionLoader resolves the full rule definition for a queued job.
type DefinitionLoader interface {
	GetDefinition(ctx context.Context, id uuid.UUID) (*models.RuleDefinition, error)
}

// ProcessorConfig holds configuration for the run-job processor
type ProcessorConfig struct {
	// Stream name for the job queue
	Stream string

	// Consumer group name
	ConsumerGroup string

	// Consumer name (unique per instance)
	ConsumerName string

	// Number of messages to fetch per batch
	BatchSize int64

	// How long to block waiting for new messages
	BlockTimeout time.Duration

	// Deliveries a job gets before being dropped
	MaxDeliveries int

	// How often to check for and claim stale pending messages
	ClaimInterval time.Duration

	// Minimum idle time before claiming a pending message
	ClaimMinIdle time.Duration

	// Number of worker goroutines
	WorkerCount int
}

// DefaultProcessorConfig returns the default processor configuration
func DefaultProcessorConfig() ProcessorConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.New().String()[:8]
	}

	return ProcessorConfig{
		Stream:        "settler:runs",
		ConsumerGroup: "settler-workers",
		ConsumerName:  hostname,
		BatchSize:     DefaultBatchSize,
		BlockTimeout:  DefaultBlockTimeout,
		MaxDeliveries: DefaultMaxDeliveries,
		ClaimInterval: DefaultClaimInterval,
		ClaimMinIdle:  DefaultClaimMinIdle,
		WorkerCount:   1,
	}
}

// Processor pulls rule-run jobs off the stream and executes them.
type Processor struct {
	streams JobStream
	rules   DefinitionLoader
	runner  Runner
	config  ProcessorConfig
	logger  ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	jobsCh   chan redis.StreamMessage

	running bool
	mu      sync.RWMutex
}

// NewProcessor creates a new run-job processor
func NewProcessor(streams JobStream, rules DefinitionLoader, runner Runner, config ProcessorConfig, logger ectologger.Logger) *Processor {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}
	if config.MaxDeliveries <= 0 {
		config.MaxDeliveries = DefaultMaxDeliveries
	}
	if config.ClaimInterval <= 0 {
		config.ClaimInterval = DefaultClaimInterval
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = DefaultClaimMinIdle
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}

	return &Processor{
		streams:  streams,
		rules:    rules,
		runner:   runner,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
		jobsCh:   make(chan redis.StreamMessage, config.BatchSize*2),
	}
}

// Start starts the processor
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	p.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "queue.Processor.Start")
	defer span.End()

	p.logger.WithContext(ctx).Infof("Starting run processor: stream=%s group=%s consumer=%s workers=%d",
		p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.WorkerCount)

	if err := p.streams.CreateConsumerGroup(ctx, p.config.Stream, p.config.ConsumerGroup); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		wg.Add(1)
		go p.worker(ctx, &wg, i)
	}

	wg.Add(1)
	go p.consumeLoop(ctx, &wg)

	wg.Add(1)
	go p.claimLoop(ctx, &wg)

	go func() {
		<-p.stopCh
		close(p.jobsCh)
		wg.Wait()
		close(p.stoppedC)
	}()

	return nil
}

// Stop stops the processor gracefully
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.WithContext(ctx).Infof("Stopping run processor...")

	close(p.stopCh)

	select {
	case <-p.stoppedC:
		p.logger.WithContext(ctx).Infof("Run processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warnf("Run processor shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the processor is running
func (p *Processor) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// consumeLoop continuously reads new messages from the stream.
func (p *Processor) consumeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		messages, err := p.streams.Consume(
			ctx,
			p.config.Stream,
			p.config.ConsumerGroup,
			p.config.ConsumerName,
			p.config.BatchSize,
			p.config.BlockTimeout,
		)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WithContext(ctx).WithError(err).Warnf("Failed to consume messages")
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range messages {
			select {
			case p.jobsCh <- msg:
			case <-p.stopCh:
				return
			}
		}
	}
}

// claimLoop periodically claims pending messages from dead consumers.
func (p *Processor) claimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(p.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.claimPendingMessages(ctx)
		}
	}
}

// claimPendingMessages takes over messages left pending past the idle
// threshold. Messages past the delivery cap are acked and dropped; the
// orchestrator's idempotency makes redoing the rest safe.
func (p *Processor) claimPendingMessages(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "queue.Processor.claimPendingMessages")
	defer span.End()

	pending, err := p.streams.Pending(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.BatchSize)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to get pending messages")
		return
	}
	if len(pending) == 0 {
		return
	}

	var staleIDs []string
	for _, msg := range pending {
		if msg.Idle < p.config.ClaimMinIdle {
			continue
		}
		if msg.RetryCount > int64(p.config.MaxDeliveries) {
			p.logger.WithContext(ctx).Warnf("Message %s exceeded %d deliveries, dropping", msg.ID, p.config.MaxDeliveries)
			metrics.RecordQueueJob("dropped")
			if ackErr := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, msg.ID); ackErr != nil {
				p.logger.WithContext(ctx).WithError(ackErr).Warnf("Failed to ack dropped message %s", msg.ID)
			}
			continue
		}
		staleIDs = append(staleIDs, msg.ID)
	}

	if len(staleIDs) == 0 {
		return
	}

	p.logger.WithContext(ctx).Infof("Claiming %d stale pending messages", len(staleIDs))

	claimed, err := p.streams.Claim(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.ClaimMinIdle, staleIDs...)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to claim pending messages")
		return
	}

	for _, msg := range claimed {
		select {
		case p.jobsCh <- msg:
		case <-p.stopCh:
			return
		default:
			// channel full, the next claim cycle picks it up
		}
	}
}

// worker drains the job channel and executes rule runs.
func (p *Processor) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	p.logger.WithContext(ctx).Debugf("Worker %d started", id)

	for msg := range p.jobsCh {
		metrics.QueueJobsInFlight.Inc()
		ack := p.processJob(ctx, msg)
		metrics.QueueJobsInFlight.Dec()

		if ack {
			if err := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, msg.ID); err != nil {
				p.logger.WithContext(ctx).WithError(err).Warnf("Failed to ack message %s", msg.ID)
			}
		}
	}

	p.logger.WithContext(ctx).Debugf("Worker %d stopped", id)
}

// processJob runs one job and reports whether the message should be acked.
// Only transient failures are left pending for redelivery.
func (p *Processor) processJob(ctx context.Context, msg redis.StreamMessage) bool {
	ctx, span := tracing.StartSpan(ctx, "queue.Processor.processJob")
	defer span.End()

	job := msg.Job
	ctx = appctx.SetRequestID(ctx, job.ID)
	start := time.Now()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":  job.ID,
		"rule_id": job.RuleID,
		"trigger": job.Trigger.Identity(),
	})
	log.Infof("Processing run job %s", job.ID)

	def, err := p.rules.GetDefinition(ctx, job.RuleID)
	if err != nil {
		if repositories.IsNotFound(err) {
			log.Warnf("Rule %s no longer exists, dropping job", job.RuleID)
			metrics.RecordQueueJob("dropped")
			return true
		}
		log.WithError(err).Warnf("Failed to load rule definition, leaving job for retry")
		metrics.RecordQueueJob("failed")
		return false
	}

	record, err := p.runner.ExecuteRule(ctx, *def, job.Trigger)
	if err != nil {
		// Conflicts and misconfiguration do not heal on redelivery
		if repositories.IsConflict(err) || repositories.IsConfiguration(err) {
			log.WithError(err).Warnf("Run job %s rejected, dropping", job.ID)
			metrics.RecordQueueJob("rejected")
			return true
		}
		log.WithError(err).Warnf("Run job %s failed after %s, leaving for retry", job.ID, time.Since(start))
		metrics.RecordQueueJob("failed")
		return false
	}

	metrics.RecordQueueJob("processed")
	log.Infof("Run job %s completed as %s in %s", job.ID, record.Status, time.Since(start))
	return true
}
