package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/settler/pkg/facts"
	"github.com/tidemark/settler/pkg/models"
	"github.com/tidemark/settler/pkg/redis"
	"github.com/tidemark/settler/pkg/repositories"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeCatalog struct {
	rules   []models.AutomationRule
	flagged map[uuid.UUID]string
}

func (f *fakeCatalog) GetByID(_ context.Context, id uuid.UUID) (*models.AutomationRule, error) {
	for i := range f.rules {
		if f.rules[i].ID == id {
			return &f.rules[i], nil
		}
	}
	return nil, repositories.NotFound("rule %s not found", id)
}

func (f *fakeCatalog) ListEnabledByTrigger(_ context.Context, kind models.TriggerKind) ([]models.AutomationRule, error) {
	var out []models.AutomationRule
	for _, r := range f.rules {
		if r.TriggerKind == kind && r.Enabled && r.Status == models.RuleStatusActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeCatalog) SetLastExecutionError(_ context.Context, id uuid.UUID, message string) error {
	if f.flagged == nil {
		f.flagged = make(map[uuid.UUID]string)
	}
	f.flagged[id] = message
	return nil
}

type fakeProvider struct {
	facts facts.Set
}

func (f *fakeProvider) GetFacts(context.Context, string, string) (facts.Set, error) {
	return f.facts, nil
}

type fakeEnqueuer struct {
	jobs []*redis.RunJob
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, job *redis.RunJob) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func completionRule(name string, scope models.ScopeKind, filter *string) models.AutomationRule {
	return models.AutomationRule{
		ID:          uuid.New(),
		Name:        name,
		Enabled:     true,
		Status:      models.RuleStatusActive,
		Scope:       scope,
		ScopeFilter: filter,
		TriggerKind: models.TriggerKindOnCompletion,
	}
}

func completionEvent() models.TriggerEvent {
	return models.TriggerEvent{
		EventID:     "evt-2001",
		EventType:   models.TriggerTypeCompletion,
		SubjectID:   "contract-19",
		SubjectType: "purchase_contract",
		OccurredAt:  time.Now(),
	}
}

func TestDispatchCompletion_ScopeFiltering(t *testing.T) {
	vitolOnly := `{"field":"partner_id","values":["vitol"]}`
	brentOrWTI := `{"values":["BRENT","WTI"]}`
	gasoilOnly := `{"values":["GASOIL"]}`

	catalog := &fakeCatalog{rules: []models.AutomationRule{
		completionRule("all-contracts", models.ScopeKindAll, nil),
		completionRule("vitol-contracts", models.ScopeKindPartner, &vitolOnly),
		completionRule("crude-products", models.ScopeKindProduct, &brentOrWTI),
		completionRule("gasoil-products", models.ScopeKindProduct, &gasoilOnly),
		completionRule("scoped-without-filter", models.ScopeKindPartner, nil),
	}}
	provider := &fakeProvider{facts: facts.Set{
		"partner_id":   "vitol",
		"product_code": "BRENT",
	}}
	enqueuer := &fakeEnqueuer{}

	d := NewDispatcher(catalog, provider, enqueuer, testLogger())
	dispatched, err := d.DispatchCompletion(context.Background(), completionEvent())

	require.NoError(t, err)
	assert.Equal(t, 3, dispatched, "all + partner match + product match")
	require.Len(t, enqueuer.jobs, 3)
	for _, job := range enqueuer.jobs {
		assert.Equal(t, "evt-2001", job.Trigger.EventID)
	}
}

func TestDispatchCompletion_DefaultScopeFieldFromKind(t *testing.T) {
	// The filter names only values; the field falls back to the scope kind.
	salesOnly := `{"values":["sales_contract"]}`
	catalog := &fakeCatalog{rules: []models.AutomationRule{
		completionRule("sales-only", models.ScopeKindContractType, &salesOnly),
	}}
	provider := &fakeProvider{facts: facts.Set{"contract_type": "sales_contract"}}
	enqueuer := &fakeEnqueuer{}

	d := NewDispatcher(catalog, provider, enqueuer, testLogger())
	dispatched, err := d.DispatchCompletion(context.Background(), completionEvent())

	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
}

func TestDispatchManual_RequiresRuleID(t *testing.T) {
	d := NewDispatcher(&fakeCatalog{}, &fakeProvider{}, &fakeEnqueuer{}, testLogger())

	err := d.DispatchManual(context.Background(), models.TriggerEvent{
		EventType: models.TriggerTypeManual,
	})
	require.Error(t, err)
}

func TestDispatchManual_DisabledRuleRejected(t *testing.T) {
	rule := completionRule("paused-rule", models.ScopeKindAll, nil)
	rule.Status = models.RuleStatusDisabled
	rule.Enabled = false
	catalog := &fakeCatalog{rules: []models.AutomationRule{rule}}
	enqueuer := &fakeEnqueuer{}

	d := NewDispatcher(catalog, &fakeProvider{}, enqueuer, testLogger())

	trigger := models.TriggerEvent{EventType: models.TriggerTypeManual, RuleID: &rule.ID}
	err := d.DispatchManual(context.Background(), trigger)
	require.Error(t, err)
	assert.True(t, repositories.IsConflict(err))
	assert.Empty(t, enqueuer.jobs)

	trigger.Force = true
	require.NoError(t, d.DispatchManual(context.Background(), trigger))
	assert.Len(t, enqueuer.jobs, 1)
}

func TestDispatchDue_EnqueuesElapsedSchedules(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	stale := now.Add(-2 * time.Hour)
	fresh := now.Add(-2 * time.Minute)

	every15 := "@every 15m"
	due := completionRule("invoice-sweep", models.ScopeKindAll, nil)
	due.TriggerKind = models.TriggerKindScheduled
	due.ScheduleExpression = &every15
	due.LastExecutedAt = &stale

	notDue := completionRule("demurrage-sweep", models.ScopeKindAll, nil)
	notDue.TriggerKind = models.TriggerKindScheduled
	notDue.ScheduleExpression = &every15
	notDue.LastExecutedAt = &fresh

	catalog := &fakeCatalog{rules: []models.AutomationRule{due, notDue}}
	enqueuer := &fakeEnqueuer{}

	d := NewDispatcher(catalog, &fakeProvider{}, enqueuer, testLogger())
	dispatched, err := d.DispatchDue(context.Background(), now)

	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
	require.Len(t, enqueuer.jobs, 1)
	assert.Equal(t, due.ID, enqueuer.jobs[0].RuleID)
	assert.Equal(t, models.TriggerTypeSchedule, enqueuer.jobs[0].Trigger.EventType)
}

func TestDispatchDue_MalformedScheduleFlagsRule(t *testing.T) {
	bad := "@weekly"
	rule := completionRule("broken-schedule", models.ScopeKindAll, nil)
	rule.TriggerKind = models.TriggerKindScheduled
	rule.ScheduleExpression = &bad

	catalog := &fakeCatalog{rules: []models.AutomationRule{rule}}
	enqueuer := &fakeEnqueuer{}

	d := NewDispatcher(catalog, &fakeProvider{}, enqueuer, testLogger())
	dispatched, err := d.DispatchDue(context.Background(), time.Now())

	require.NoError(t, err)
	assert.Equal(t, 0, dispatched)
	assert.Empty(t, enqueuer.jobs)
	assert.Contains(t, catalog.flagged[rule.ID], "unknown schedule expression")
}
