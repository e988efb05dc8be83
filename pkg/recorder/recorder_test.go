package recorder

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/settler/internal/database"
	"github.com/tidemark/settler/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeExecStore struct {
	created   []*models.RuleExecutionRecord
	appended  map[uuid.UUID][]string
	completed []*models.RuleExecutionRecord
	appendErr error
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{appended: make(map[uuid.UUID][]string)}
}

func (s *fakeExecStore) Create(_ context.Context, record *models.RuleExecutionRecord) error {
	cp := *record
	s.created = append(s.created, &cp)
	return nil
}

func (s *fakeExecStore) AppendLog(_ context.Context, id uuid.UUID, entry string) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appended[id] = append(s.appended[id], entry)
	return nil
}

func (s *fakeExecStore) MarkCompleted(_ context.Context, record *models.RuleExecutionRecord) error {
	cp := *record
	s.completed = append(s.completed, &cp)
	return nil
}

type outcomeCall struct {
	ruleID    uuid.UUID
	succeeded bool
	runErr    *string
}

type fakeRuleCounters struct {
	outcomes []outcomeCall
	flagged  map[uuid.UUID]string
}

func newFakeRuleCounters() *fakeRuleCounters {
	return &fakeRuleCounters{flagged: make(map[uuid.UUID]string)}
}

func (s *fakeRuleCounters) ApplyRunOutcome(_ context.Context, id uuid.UUID, succeeded bool, _ time.Time, runErr *string) error {
	s.outcomes = append(s.outcomes, outcomeCall{ruleID: id, succeeded: succeeded, runErr: runErr})
	return nil
}

func (s *fakeRuleCounters) SetLastExecutionError(_ context.Context, id uuid.UUID, message string) error {
	s.flagged[id] = message
	return nil
}

type fakeTx struct{ open bool }

func (t *fakeTx) IsOpen() bool                   { return t.open }
func (t *fakeTx) Commit(context.Context) error   { t.open = false; return nil }
func (t *fakeTx) Rollback(context.Context) error { t.open = false; return nil }
func (t *fakeTx) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, nil
}
func (t *fakeTx) GetContext(context.Context, any, string, ...any) error    { return nil }
func (t *fakeTx) SelectContext(context.Context, any, string, ...any) error { return nil }
func (t *fakeTx) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, nil
}
func (t *fakeTx) QueryRowContext(context.Context, string, ...any) *sql.Row { return nil }

type fakeTxStarter struct{ last *fakeTx }

func (s *fakeTxStarter) GetTx(ctx context.Context, _ *sql.TxOptions) (context.Context, database.Tx, error) {
	s.last = &fakeTx{open: true}
	return ctx, s.last, nil
}

func demurrageRule() models.AutomationRule {
	return models.AutomationRule{
		ID:      uuid.New(),
		Name:    "flag demurrage on completion",
		Enabled: true,
		Status:  models.RuleStatusActive,
	}
}

func completionTrigger() models.TriggerEvent {
	return models.TriggerEvent{
		EventID:     "evt-7831",
		EventType:   models.TriggerTypeCompletion,
		SubjectID:   "cargo-4412",
		SubjectType: "contract",
		OccurredAt:  time.Now(),
	}
}

func newTestRecorder(execs *fakeExecStore, rules *fakeRuleCounters) (*Recorder, *fakeTxStarter) {
	starter := &fakeTxStarter{}
	return NewRecorder(execs, rules, starter, testLogger()), starter
}

func TestOpenCreatesRunningRecord(t *testing.T) {
	execs := newFakeExecStore()
	r, _ := newTestRecorder(execs, newFakeRuleCounters())

	rule := demurrageRule()
	key := rule.ID.String() + ":evt-7831"
	record, err := r.Open(context.Background(), rule, completionTrigger(), &key)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusRunning, record.Status)
	assert.Equal(t, rule.ID, record.RuleID)
	assert.Equal(t, "evt-7831", record.TriggerEventID)
	require.NotNil(t, record.SubjectID)
	assert.Equal(t, "cargo-4412", *record.SubjectID)
	require.NotNil(t, record.DedupeKey)
	assert.Equal(t, key, *record.DedupeKey)
	require.Len(t, execs.created, 1)
}

func TestAppendKeepsMemoryAndStoreInSync(t *testing.T) {
	execs := newFakeExecStore()
	r, _ := newTestRecorder(execs, newFakeRuleCounters())

	record, err := r.Open(context.Background(), demurrageRule(), completionTrigger(), nil)
	require.NoError(t, err)

	r.Append(context.Background(), record, "evaluated 3 conditions")
	r.Append(context.Background(), record, "executed notify_team")

	assert.Equal(t, []string{"evaluated 3 conditions", "executed notify_team"}, record.Log.Data)
	assert.Equal(t, record.Log.Data, execs.appended[record.ID])
}

func TestAppendSurvivesStoreFailure(t *testing.T) {
	execs := newFakeExecStore()
	execs.appendErr = assert.AnError
	r, _ := newTestRecorder(execs, newFakeRuleCounters())

	record, err := r.Open(context.Background(), demurrageRule(), completionTrigger(), nil)
	require.NoError(t, err)

	r.Append(context.Background(), record, "executed recalc")

	// The in-memory record still carries the entry for the final MarkCompleted
	assert.Equal(t, []string{"executed recalc"}, record.Log.Data)
}

func TestCloseRollsOutcomeIntoRule(t *testing.T) {
	execs := newFakeExecStore()
	rules := newFakeRuleCounters()
	r, starter := newTestRecorder(execs, rules)

	record, err := r.Open(context.Background(), demurrageRule(), completionTrigger(), nil)
	require.NoError(t, err)

	record.Status = models.ExecutionStatusSucceeded
	require.NoError(t, r.Close(context.Background(), record))

	require.Len(t, execs.completed, 1)
	require.Len(t, rules.outcomes, 1)
	assert.True(t, rules.outcomes[0].succeeded)
	assert.Nil(t, rules.outcomes[0].runErr)
	assert.False(t, starter.last.open, "close must commit the transaction")
}

func TestClosePartialSuccessDoesNotCountAsSuccess(t *testing.T) {
	execs := newFakeExecStore()
	rules := newFakeRuleCounters()
	r, _ := newTestRecorder(execs, rules)

	record, err := r.Open(context.Background(), demurrageRule(), completionTrigger(), nil)
	require.NoError(t, err)

	record.Status = models.ExecutionStatusPartiallySucceeded
	msg := "notify_team: smtp unreachable"
	record.ErrorMessage = &msg
	require.NoError(t, r.Close(context.Background(), record))

	require.Len(t, rules.outcomes, 1)
	assert.False(t, rules.outcomes[0].succeeded)
	// Only a Failed run records the error on the rule's counters
	assert.Nil(t, rules.outcomes[0].runErr)
}

func TestCloseFailedRunCarriesError(t *testing.T) {
	execs := newFakeExecStore()
	rules := newFakeRuleCounters()
	r, _ := newTestRecorder(execs, rules)

	record, err := r.Open(context.Background(), demurrageRule(), completionTrigger(), nil)
	require.NoError(t, err)

	record.Status = models.ExecutionStatusFailed
	msg := "candidate lookup timed out"
	record.ErrorMessage = &msg
	require.NoError(t, r.Close(context.Background(), record))

	require.Len(t, rules.outcomes, 1)
	assert.False(t, rules.outcomes[0].succeeded)
	require.NotNil(t, rules.outcomes[0].runErr)
	assert.Equal(t, msg, *rules.outcomes[0].runErr)
}

func TestRecordSkippedWritesClosedRecordWithoutCounters(t *testing.T) {
	execs := newFakeExecStore()
	rules := newFakeRuleCounters()
	r, _ := newTestRecorder(execs, rules)

	rule := demurrageRule()
	key := rule.ID.String() + ":evt-7831"
	require.NoError(t, r.RecordSkipped(context.Background(), rule, completionTrigger(), key))

	require.Len(t, execs.created, 1)
	record := execs.created[0]
	assert.Equal(t, models.ExecutionStatusSkipped, record.Status)
	assert.NotNil(t, record.CompletedAt)
	require.NotNil(t, record.DedupeKey)
	assert.Equal(t, key, *record.DedupeKey)
	assert.Empty(t, rules.outcomes, "skipped runs must not touch rule counters")
}

func TestFlagConfigurationError(t *testing.T) {
	rules := newFakeRuleCounters()
	r, _ := newTestRecorder(newFakeExecStore(), rules)

	ruleID := uuid.New()
	r.FlagConfigurationError(context.Background(), ruleID, "unknown action type recalculate_demurrage")

	assert.Equal(t, "unknown action type recalculate_demurrage", rules.flagged[ruleID])
}
