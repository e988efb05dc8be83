// Package scheduler drives time-based rules: a poll loop that, under a
// per-cycle distributed lock, asks the dispatcher to enqueue every scheduled
// rule whose expression has elapsed.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/tidemark/settler/internal/tracing"
	"github.com/tidemark/settler/pkg/redis"
)

var (
	// ErrSchedulerAlreadyRunning is returned when starting a running scheduler
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
)

const (
	// DefaultPollInterval is the default interval between scheduling cycles
	DefaultPollInterval = 30 * time.Second

	// DefaultLockTTL is how long one node owns a scheduling cycle
	DefaultLockTTL = 60 * time.Second

	// cycleLockKey serializes scheduling cycles across nodes
	cycleLockKey = "scheduler:cycle"
)

// Dispatcher enqueues due scheduled rules. Satisfied by dispatch.Dispatcher.
type Dispatcher interface {
	DispatchDue(ctx context.Context, now time.Time) (int, error)
}

// Config holds scheduler configuration
type Config struct {
	// PollInterval is how often to check for due rules
	PollInterval time.Duration

	// LockTTL is how long to hold the cycle lock
	LockTTL time.Duration
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		LockTTL:      DefaultLockTTL,
	}
}

// Scheduler periodically dispatches due scheduled rules.
type Scheduler struct {
	dispatcher Dispatcher
	locker     *redis.Locker
	config     Config
	logger     ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewScheduler creates a new scheduler
func NewScheduler(dispatcher Dispatcher, locker *redis.Locker, config Config, logger ectologger.Logger) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}

	return &Scheduler{
		dispatcher: dispatcher,
		locker:     locker,
		config:     config,
		logger:     logger,
		stopCh:     make(chan struct{}),
		stoppedC:   make(chan struct{}),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.logger.WithContext(ctx).Infof("Starting scheduler: poll_interval=%s", s.config.PollInterval)

	go s.pollLoop(ctx)

	return nil
}

// Stop stops the scheduler gracefully
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.WithContext(ctx).Infof("Stopping scheduler...")

	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Infof("Scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warnf("Scheduler shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// pollLoop runs scheduling cycles until stopped.
func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.runCycle(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle dispatches due rules under the cycle lock so only one node fires
// a given tick. Losing the lock is the normal case on all other nodes.
func (s *Scheduler) runCycle(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.Scheduler.runCycle")
	defer span.End()

	start := time.Now()

	err := s.locker.WithLock(ctx, cycleLockKey, s.config.LockTTL, func() error {
		dispatched, err := s.dispatcher.DispatchDue(ctx, start)
		if err != nil {
			return err
		}
		if dispatched > 0 {
			s.logger.WithContext(ctx).Infof("Scheduling cycle dispatched %d rules in %s", dispatched, time.Since(start))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, redis.ErrLockNotAcquired) {
			s.logger.WithContext(ctx).Debugf("Another node owns this scheduling cycle")
			return
		}
		s.logger.WithContext(ctx).WithError(err).Error("Scheduling cycle failed")
	}
}
