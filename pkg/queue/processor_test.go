package queue

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/settler/pkg/models"
	"github.com/tidemark/settler/pkg/redis"
	"github.com/tidemark/settler/pkg/repositories"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// fakeStream records acks and claims and serves canned pending entries.
type fakeStream struct {
	pending  []redis.PendingMessage
	claimed  []redis.StreamMessage
	acked    []string
	claimIDs []string
}

func (s *fakeStream) CreateConsumerGroup(context.Context, string, string) error { return nil }

func (s *fakeStream) Consume(context.Context, string, string, string, int64, time.Duration) ([]redis.StreamMessage, error) {
	return nil, nil
}

func (s *fakeStream) Ack(_ context.Context, _, _ string, ids ...string) error {
	s.acked = append(s.acked, ids...)
	return nil
}

func (s *fakeStream) Pending(context.Context, string, string, int64) ([]redis.PendingMessage, error) {
	return s.pending, nil
}

func (s *fakeStream) Claim(_ context.Context, _, _, _ string, _ time.Duration, ids ...string) ([]redis.StreamMessage, error) {
	s.claimIDs = append(s.claimIDs, ids...)
	return s.claimed, nil
}

type fakeLoader struct {
	def *models.RuleDefinition
	err error
}

func (l *fakeLoader) GetDefinition(context.Context, uuid.UUID) (*models.RuleDefinition, error) {
	return l.def, l.err
}

type fakeRunner struct {
	record *models.RuleExecutionRecord
	err    error
	calls  int
}

func (r *fakeRunner) ExecuteRule(context.Context, models.RuleDefinition, models.TriggerEvent) (*models.RuleExecutionRecord, error) {
	r.calls++
	return r.record, r.err
}

func demurrageDefinition() *models.RuleDefinition {
	return &models.RuleDefinition{
		Rule: models.AutomationRule{
			ID:      uuid.New(),
			Name:    "demurrage settlement on discharge",
			Enabled: true,
			Status:  models.RuleStatusActive,
		},
	}
}

func runMessage() redis.StreamMessage {
	return redis.StreamMessage{
		ID: "1710000000000-0",
		Job: redis.RunJob{
			ID:     uuid.New().String(),
			RuleID: uuid.New(),
			Trigger: models.TriggerEvent{
				EventID:     "evt-4190",
				EventType:   models.TriggerTypeCompletion,
				SubjectID:   "cargo-2210",
				SubjectType: "contract",
			},
		},
	}
}

func newTestProcessor(stream JobStream, loader DefinitionLoader, runner Runner) *Processor {
	cfg := DefaultProcessorConfig()
	cfg.MaxDeliveries = 3
	cfg.ClaimMinIdle = time.Minute
	return NewProcessor(stream, loader, runner, cfg, testLogger())
}

func TestProcessJob_AckDecision(t *testing.T) {
	tests := []struct {
		name      string
		loaderErr error
		runnerErr error
		wantAck   bool
	}{
		{
			name:    "successful run is acked",
			wantAck: true,
		},
		{
			name:      "deleted rule is dropped",
			loaderErr: repositories.NotFound("rule not found"),
			wantAck:   true,
		},
		{
			name:      "transient definition load failure is left pending",
			loaderErr: assert.AnError,
			wantAck:   false,
		},
		{
			name:      "conflict does not heal on redelivery",
			runnerErr: repositories.Conflict("settlement was modified concurrently"),
			wantAck:   true,
		},
		{
			name:      "misconfiguration does not heal on redelivery",
			runnerErr: repositories.Configuration("unregistered action type"),
			wantAck:   true,
		},
		{
			name:      "transient run failure is left pending for redelivery",
			runnerErr: assert.AnError,
			wantAck:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := &fakeLoader{def: demurrageDefinition(), err: tt.loaderErr}
			runner := &fakeRunner{
				record: &models.RuleExecutionRecord{Status: models.ExecutionStatusSucceeded},
				err:    tt.runnerErr,
			}
			p := newTestProcessor(&fakeStream{}, loader, runner)

			ack := p.processJob(context.Background(), runMessage())
			assert.Equal(t, tt.wantAck, ack)
		})
	}
}

func TestClaimPending_DropsPoisonClaimsStale(t *testing.T) {
	staleJob := runMessage()
	stream := &fakeStream{
		pending: []redis.PendingMessage{
			// Exhausted its deliveries: acked away, never claimed
			{ID: "1710000000001-0", Idle: 5 * time.Minute, RetryCount: 4},
			// Stale but under the cap: claimed for this consumer
			{ID: staleJob.ID, Idle: 5 * time.Minute, RetryCount: 1},
			// Still being worked elsewhere: left alone
			{ID: "1710000000003-0", Idle: 2 * time.Second, RetryCount: 1},
		},
		claimed: []redis.StreamMessage{staleJob},
	}
	p := newTestProcessor(stream, &fakeLoader{def: demurrageDefinition()}, &fakeRunner{})

	p.claimPendingMessages(context.Background())

	assert.Equal(t, []string{"1710000000001-0"}, stream.acked, "the poison message is acked and dropped")
	assert.Equal(t, []string{staleJob.ID}, stream.claimIDs, "only the stale message under the cap is claimed")

	// The claimed job lands on the worker channel
	select {
	case msg := <-p.jobsCh:
		assert.Equal(t, staleJob.ID, msg.ID)
	default:
		t.Fatal("claimed message was not queued for a worker")
	}
}

func TestProcessJob_EachDeliveryDecidedIndependently(t *testing.T) {
	// One job conflicts (acked), one fails transiently (left pending)
	stream := &fakeStream{}
	runner := &fakeRunner{err: repositories.Conflict("lost amendment race")}
	p := newTestProcessor(stream, &fakeLoader{def: demurrageDefinition()}, runner)

	conflicted := runMessage()
	require.True(t, p.processJob(context.Background(), conflicted))

	runner.err = assert.AnError
	transient := runMessage()
	require.False(t, p.processJob(context.Background(), transient))

	assert.Equal(t, 2, runner.calls)
}
