package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/settler/internal/database"
	"github.com/tidemark/settler/pkg/actions"
	"github.com/tidemark/settler/pkg/models"
	"github.com/tidemark/settler/pkg/repositories"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeSource struct {
	candidates []models.Candidate
	err        error
}

func (f *fakeSource) Candidates(context.Context, models.RuleDefinition, models.TriggerEvent) ([]models.Candidate, error) {
	return f.candidates, f.err
}

type fakeRecorder struct {
	opened     *models.RuleExecutionRecord
	closed     bool
	skipped    bool
	flagged    string
	skippedKey string
}

func (f *fakeRecorder) Open(_ context.Context, rule models.AutomationRule, trigger models.TriggerEvent, dedupeKey *string) (*models.RuleExecutionRecord, error) {
	f.opened = &models.RuleExecutionRecord{
		ID:             uuid.New(),
		RuleID:         rule.ID,
		TriggerSource:  trigger.EventType,
		TriggerEventID: trigger.Identity(),
		DedupeKey:      dedupeKey,
		Status:         models.ExecutionStatusRunning,
		StartedAt:      time.Now(),
	}
	return f.opened, nil
}

func (f *fakeRecorder) Append(_ context.Context, record *models.RuleExecutionRecord, entry string) {
	record.Log.Data = append(record.Log.Data, entry)
}

func (f *fakeRecorder) Close(context.Context, *models.RuleExecutionRecord) error {
	f.closed = true
	return nil
}

func (f *fakeRecorder) RecordSkipped(_ context.Context, _ models.AutomationRule, _ models.TriggerEvent, dedupeKey string) error {
	f.skipped = true
	f.skippedKey = dedupeKey
	return nil
}

func (f *fakeRecorder) FlagConfigurationError(_ context.Context, _ uuid.UUID, message string) {
	f.flagged = message
}

type fakeDedupe struct {
	seen bool
}

func (f *fakeDedupe) ExistsByDedupeKey(context.Context, string, time.Duration) (bool, error) {
	return f.seen, nil
}

type fakeHandler struct {
	typeTag string
	execute func(ctx context.Context, actx *actions.Context, params map[string]any) (*actions.Result, error)
}

func (f *fakeHandler) Type() string                               { return f.typeTag }
func (f *fakeHandler) ValidateParams(params map[string]any) error { return nil }
func (f *fakeHandler) Execute(ctx context.Context, actx *actions.Context, params map[string]any) (*actions.Result, error) {
	return f.execute(ctx, actx, params)
}

func activeRule(strategy models.OrchestrationStrategy) models.AutomationRule {
	return models.AutomationRule{
		ID:       uuid.New(),
		Name:     "auto-settle-completed-cargoes",
		Enabled:  true,
		Status:   models.RuleStatusActive,
		Strategy: strategy,
	}
}

func completionTrigger() models.TriggerEvent {
	return models.TriggerEvent{
		EventID:     "evt-1001",
		EventType:   models.TriggerTypeCompletion,
		SubjectID:   "contract-77",
		SubjectType: "purchase_contract",
		OccurredAt:  time.Now(),
	}
}

func notifyAction() models.RuleAction {
	return models.RuleAction{
		ActionType: models.ActionTypeNotify,
		Sequence:   1,
		Params:     database.NewJSONB(map[string]any{}),
	}
}

func makeCandidates(n int) []models.Candidate {
	out := make([]models.Candidate, n)
	for i := range out {
		out[i] = models.Candidate{
			SubjectID:   uuid.NewString(),
			SubjectType: "purchase_contract",
			Facts:       map[string]any{"status": "Completed"},
		}
	}
	return out
}

func newOrchestrator(source CandidateSource, recorder RunRecorder, dedupe DedupeChecker, registry *actions.Registry) *Orchestrator {
	pipeline := actions.NewPipeline(registry, testLogger()).
		WithRetry(actions.RetryConfig{MaxRetries: 0, BackoffType: "linear", InitialDelay: 1, MaxDelay: 1})
	return NewOrchestrator(source, recorder, dedupe, pipeline, DefaultConfig(), testLogger())
}

func TestSplitBatches(t *testing.T) {
	tests := []struct {
		name  string
		total int
		max   int
		want  []int
	}{
		{name: "twelve capped at five", total: 12, max: 5, want: []int{5, 5, 2}},
		{name: "exact multiple", total: 10, max: 5, want: []int{5, 5}},
		{name: "under the cap", total: 3, max: 5, want: []int{3}},
		{name: "no cap", total: 7, max: 0, want: []int{7}},
		{name: "empty", total: 0, max: 5, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := SplitBatches(makeCandidates(tt.total), tt.max)
			require.Len(t, batches, len(tt.want))
			for i, want := range tt.want {
				assert.Len(t, batches[i], want)
			}
		})
	}
}

func TestExecuteRule_DeduplicatedTriggerIsSkipped(t *testing.T) {
	recorder := &fakeRecorder{}
	registry := actions.NewRegistry()
	o := newOrchestrator(&fakeSource{}, recorder, &fakeDedupe{seen: true}, registry)

	rule := activeRule(models.StrategySequential)
	record, err := o.ExecuteRule(context.Background(), models.RuleDefinition{Rule: rule}, completionTrigger())

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSkipped, record.Status)
	assert.True(t, recorder.skipped)
	assert.Equal(t, rule.ID.String()+":evt-1001", recorder.skippedKey)
	assert.Nil(t, recorder.opened, "a deduplicated trigger must not open a run")
}

func TestExecuteRule_ForceBypassesDedupe(t *testing.T) {
	recorder := &fakeRecorder{}
	registry := actions.NewRegistry()
	registry.Register(&fakeHandler{typeTag: models.ActionTypeNotify, execute: func(context.Context, *actions.Context, map[string]any) (*actions.Result, error) {
		return &actions.Result{Success: true}, nil
	}})
	o := newOrchestrator(&fakeSource{candidates: makeCandidates(1)}, recorder, &fakeDedupe{seen: true}, registry)

	trigger := completionTrigger()
	trigger.Force = true
	rule := activeRule(models.StrategySequential)
	record, err := o.ExecuteRule(context.Background(), models.RuleDefinition{
		Rule:    rule,
		Actions: []models.RuleAction{notifyAction()},
	}, trigger)

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, record.Status)
	assert.False(t, recorder.skipped)
}

func TestExecuteRule_InactiveRuleRejectedWithoutForce(t *testing.T) {
	rule := activeRule(models.StrategySequential)
	rule.Status = models.RuleStatusDisabled

	o := newOrchestrator(&fakeSource{}, &fakeRecorder{}, &fakeDedupe{}, actions.NewRegistry())
	_, err := o.ExecuteRule(context.Background(), models.RuleDefinition{Rule: rule}, completionTrigger())

	require.Error(t, err)
	assert.True(t, repositories.IsConflict(err))
}

func TestExecuteRule_NoMatchesSucceedsEmpty(t *testing.T) {
	recorder := &fakeRecorder{}
	candidates := makeCandidates(2)
	for i := range candidates {
		candidates[i].Facts = map[string]any{"status": "Draft"}
	}

	o := newOrchestrator(&fakeSource{candidates: candidates}, recorder, &fakeDedupe{}, actions.NewRegistry())
	record, err := o.ExecuteRule(context.Background(), models.RuleDefinition{
		Rule: activeRule(models.StrategySequential),
		Conditions: []models.RuleCondition{
			{FieldPath: "status", Operator: models.OperatorEquals, Value: "Completed", Sequence: 1},
		},
		Actions: []models.RuleAction{notifyAction()},
	}, completionTrigger())

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, record.Status)
	assert.Equal(t, 2, record.ConditionsEvaluated)
	assert.Equal(t, 0, record.ActionsExecuted)
	assert.True(t, recorder.closed)
}

func TestExecuteRule_SequentialContinuesPastItemFailures(t *testing.T) {
	recorder := &fakeRecorder{}
	registry := actions.NewRegistry()
	calls := 0
	registry.Register(&fakeHandler{typeTag: models.ActionTypeNotify, execute: func(context.Context, *actions.Context, map[string]any) (*actions.Result, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("smtp relay rejected message")
		}
		return &actions.Result{Success: true}, nil
	}})

	action := notifyAction()
	action.StopOnFailure = true

	o := newOrchestrator(&fakeSource{candidates: makeCandidates(3)}, recorder, &fakeDedupe{}, registry)
	record, err := o.ExecuteRule(context.Background(), models.RuleDefinition{
		Rule:    activeRule(models.StrategySequential),
		Actions: []models.RuleAction{action},
	}, completionTrigger())

	require.NoError(t, err)
	assert.Equal(t, 3, calls, "a failed item must not stop later items")
	assert.Equal(t, models.ExecutionStatusPartiallySucceeded, record.Status)
	assert.Equal(t, 2, record.ActionsExecuted)
	require.NotNil(t, record.ErrorMessage)
}

func TestExecuteRule_AllItemsFailedFailsRun(t *testing.T) {
	registry := actions.NewRegistry()
	registry.Register(&fakeHandler{typeTag: models.ActionTypeNotify, execute: func(context.Context, *actions.Context, map[string]any) (*actions.Result, error) {
		return nil, errors.New("smtp relay rejected message")
	}})

	action := notifyAction()
	action.StopOnFailure = true

	o := newOrchestrator(&fakeSource{candidates: makeCandidates(2)}, &fakeRecorder{}, &fakeDedupe{}, registry)
	record, err := o.ExecuteRule(context.Background(), models.RuleDefinition{
		Rule:    activeRule(models.StrategySequential),
		Actions: []models.RuleAction{action},
	}, completionTrigger())

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, record.Status)
}

func TestExecuteRule_ConfigurationErrorStopsRunAndFlagsRule(t *testing.T) {
	recorder := &fakeRecorder{}
	o := newOrchestrator(&fakeSource{candidates: makeCandidates(3)}, recorder, &fakeDedupe{}, actions.NewRegistry())

	action := notifyAction()
	action.ActionType = "recalculate_demurrage"

	record, err := o.ExecuteRule(context.Background(), models.RuleDefinition{
		Rule:    activeRule(models.StrategySequential),
		Actions: []models.RuleAction{action},
	}, completionTrigger())

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, record.Status)
	require.NotNil(t, record.ErrorType)
	assert.Equal(t, models.ErrorTypeConfiguration, *record.ErrorType)
	assert.NotEmpty(t, recorder.flagged, "configuration failures must be surfaced on the rule")
	assert.True(t, recorder.closed)
}

func TestExecuteRule_ConflictIsRetriedExactlyOnce(t *testing.T) {
	registry := actions.NewRegistry()
	attempts := 0
	registry.Register(&fakeHandler{typeTag: models.ActionTypeAmendSettlement, execute: func(context.Context, *actions.Context, map[string]any) (*actions.Result, error) {
		attempts++
		if attempts == 1 {
			return nil, repositories.Conflict("settlement head moved")
		}
		return &actions.Result{Success: true}, nil
	}})

	action := notifyAction()
	action.ActionType = models.ActionTypeAmendSettlement
	action.StopOnFailure = true

	o := newOrchestrator(&fakeSource{candidates: makeCandidates(1)}, &fakeRecorder{}, &fakeDedupe{}, registry)
	record, err := o.ExecuteRule(context.Background(), models.RuleDefinition{
		Rule:    activeRule(models.StrategySequential),
		Actions: []models.RuleAction{action},
	}, completionTrigger())

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, models.ExecutionStatusSucceeded, record.Status)
}

func TestExecuteRule_ConflictOnRetryFailsItem(t *testing.T) {
	registry := actions.NewRegistry()
	attempts := 0
	registry.Register(&fakeHandler{typeTag: models.ActionTypeAmendSettlement, execute: func(context.Context, *actions.Context, map[string]any) (*actions.Result, error) {
		attempts++
		return nil, repositories.Conflict("settlement head moved")
	}})

	action := notifyAction()
	action.ActionType = models.ActionTypeAmendSettlement
	action.StopOnFailure = true

	o := newOrchestrator(&fakeSource{candidates: makeCandidates(1)}, &fakeRecorder{}, &fakeDedupe{}, registry)
	record, err := o.ExecuteRule(context.Background(), models.RuleDefinition{
		Rule:    activeRule(models.StrategySequential),
		Actions: []models.RuleAction{action},
	}, completionTrigger())

	require.NoError(t, err)
	assert.Equal(t, 2, attempts, "a conflict is retried exactly once")
	assert.Equal(t, models.ExecutionStatusFailed, record.Status)
	require.NotNil(t, record.ErrorType)
	assert.Equal(t, models.ErrorTypeConflict, *record.ErrorType)
}

func TestExecuteRule_GroupedStrategyProcessesAllGroups(t *testing.T) {
	registry := actions.NewRegistry()
	registry.Register(&fakeHandler{typeTag: models.ActionTypeNotify, execute: func(context.Context, *actions.Context, map[string]any) (*actions.Result, error) {
		return &actions.Result{Success: true}, nil
	}})

	candidates := makeCandidates(6)
	partners := []string{"glencore", "vitol", "trafigura"}
	for i := range candidates {
		candidates[i].Facts["partner_id"] = partners[i%len(partners)]
	}

	rule := activeRule(models.StrategyGrouped)
	dimension := "partner_id"
	rule.GroupingDimension = &dimension

	o := newOrchestrator(&fakeSource{candidates: candidates}, &fakeRecorder{}, &fakeDedupe{}, registry)
	record, err := o.ExecuteRule(context.Background(), models.RuleDefinition{
		Rule:    rule,
		Actions: []models.RuleAction{notifyAction()},
	}, completionTrigger())

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, record.Status)
	assert.Equal(t, 6, record.ActionsExecuted)
}

func TestExecuteRule_CancellationFailsRun(t *testing.T) {
	registry := actions.NewRegistry()
	registry.Register(&fakeHandler{typeTag: models.ActionTypeNotify, execute: func(context.Context, *actions.Context, map[string]any) (*actions.Result, error) {
		return &actions.Result{Success: true}, nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := newOrchestrator(&fakeSource{candidates: makeCandidates(4)}, &fakeRecorder{}, &fakeDedupe{}, registry)
	record, err := o.ExecuteRule(ctx, models.RuleDefinition{
		Rule:    activeRule(models.StrategySequential),
		Actions: []models.RuleAction{notifyAction()},
	}, completionTrigger())

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, record.Status)
	require.NotNil(t, record.ErrorMessage)
	assert.Contains(t, *record.ErrorMessage, "cancelled")
}

func TestGroupCandidates_PreservesFirstAppearanceOrder(t *testing.T) {
	candidates := makeCandidates(5)
	keys := []string{"b", "a", "b", "c", "a"}
	for i := range candidates {
		candidates[i].Facts["partner_id"] = keys[i]
	}

	groups := GroupCandidates(candidates, "partner_id")
	require.Len(t, groups, 3)
	assert.Len(t, groups[0], 2)
	assert.Len(t, groups[1], 2)
	assert.Len(t, groups[2], 1)
}
