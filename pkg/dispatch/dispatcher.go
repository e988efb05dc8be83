// Package dispatch matches trigger events against the rule catalog and
// enqueues one run job per matching rule.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/tidemark/settler/internal/tracing"
	"github.com/tidemark/settler/pkg/facts"
	"github.com/tidemark/settler/pkg/metrics"
	"github.com/tidemark/settler/pkg/models"
	"github.com/tidemark/settler/pkg/redis"
	"github.com/tidemark/settler/pkg/repositories"
)

// RuleCatalog is the rule lookup surface the dispatcher needs.
type RuleCatalog interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.AutomationRule, error)
	ListEnabledByTrigger(ctx context.Context, kind models.TriggerKind) ([]models.AutomationRule, error)
	SetLastExecutionError(ctx context.Context, id uuid.UUID, message string) error
}

// Enqueuer hands matched (rule, trigger) pairs to the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *redis.RunJob) error
}

// StreamEnqueuer publishes run jobs onto the Redis Streams work queue.
type StreamEnqueuer struct {
	streams *redis.Streams
	stream  string
}

// NewStreamEnqueuer creates an Enqueuer backed by a Redis stream
func NewStreamEnqueuer(streams *redis.Streams, stream string) *StreamEnqueuer {
	return &StreamEnqueuer{streams: streams, stream: stream}
}

func (e *StreamEnqueuer) Enqueue(ctx context.Context, job *redis.RunJob) error {
	_, err := e.streams.Publish(ctx, e.stream, job)
	return err
}

// Dispatcher routes trigger events to the rules they should run.
type Dispatcher struct {
	catalog  RuleCatalog
	provider facts.Provider
	enqueuer Enqueuer
	fields   *facts.Evaluator
	logger   ectologger.Logger
}

// NewDispatcher creates a trigger dispatcher
func NewDispatcher(catalog RuleCatalog, provider facts.Provider, enqueuer Enqueuer, logger ectologger.Logger) *Dispatcher {
	return &Dispatcher{
		catalog:  catalog,
		provider: provider,
		enqueuer: enqueuer,
		fields:   facts.NewEvaluator(),
		logger:   logger,
	}
}

// DispatchCompletion fans a contract-completion event out to every enabled
// on-completion rule whose scope covers the subject. Returns the number of
// rules dispatched.
func (d *Dispatcher) DispatchCompletion(ctx context.Context, trigger models.TriggerEvent) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.Dispatcher.DispatchCompletion")
	defer span.End()

	if err := trigger.Validate(); err != nil {
		return 0, err
	}

	rules, err := d.catalog.ListEnabledByTrigger(ctx, models.TriggerKindOnCompletion)
	if err != nil {
		return 0, err
	}
	if len(rules) == 0 {
		return 0, nil
	}

	subjectFacts, err := d.provider.GetFacts(ctx, trigger.SubjectID, trigger.SubjectType)
	if err != nil {
		return 0, err
	}

	matched := ectolinq.Filter(rules, func(rule models.AutomationRule) bool {
		return d.inScope(rule, subjectFacts)
	})

	dispatched := 0
	for _, rule := range matched {
		if err := d.enqueue(ctx, rule.ID, trigger); err != nil {
			d.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"rule_id": rule.ID,
				"trigger": trigger.Identity(),
			}).Error("failed to enqueue run job")
			continue
		}
		dispatched++
	}

	d.logger.WithContext(ctx).Infof("Dispatched trigger %s to %d of %d on-completion rules", trigger.Identity(), dispatched, len(rules))
	return dispatched, nil
}

// DispatchManual enqueues one run for an explicitly named rule. A disabled
// or draft rule is rejected unless the caller forces it; the override is
// logged because it bypasses the rule's own gating.
func (d *Dispatcher) DispatchManual(ctx context.Context, trigger models.TriggerEvent) error {
	ctx, span := tracing.StartSpan(ctx, "dispatch.Dispatcher.DispatchManual")
	defer span.End()

	if err := trigger.Validate(); err != nil {
		return err
	}

	rule, err := d.catalog.GetByID(ctx, *trigger.RuleID)
	if err != nil {
		return err
	}

	if !rule.Enabled || rule.Status != models.RuleStatusActive {
		if !trigger.Force {
			return repositories.Conflict("rule %s is %s and cannot be invoked manually", rule.Name, rule.Status)
		}
		d.logger.WithContext(ctx).Warnf("Manual invocation of %s rule %s forced", rule.Status, rule.Name)
	}

	return d.enqueue(ctx, rule.ID, trigger)
}

// DispatchDue enqueues every scheduled rule whose schedule has elapsed.
// Rules with malformed expressions are flagged and skipped rather than
// aborting the cycle.
func (d *Dispatcher) DispatchDue(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.Dispatcher.DispatchDue")
	defer span.End()

	rules, err := d.catalog.ListEnabledByTrigger(ctx, models.TriggerKindScheduled)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, rule := range rules {
		if rule.ScheduleExpression == nil || *rule.ScheduleExpression == "" {
			d.flagSchedule(ctx, rule, "scheduled rule has no schedule expression")
			continue
		}

		schedule, err := ParseSchedule(*rule.ScheduleExpression)
		if err != nil {
			d.flagSchedule(ctx, rule, err.Error())
			continue
		}

		if !schedule.Due(rule.LastExecutedAt, now) {
			continue
		}

		trigger := models.TriggerEvent{
			EventID:    "sched:" + rule.ID.String() + ":" + now.Truncate(time.Minute).UTC().Format(time.RFC3339),
			EventType:  models.TriggerTypeSchedule,
			OccurredAt: now,
			RuleID:     &rule.ID,
		}
		if err := d.enqueue(ctx, rule.ID, trigger); err != nil {
			d.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"rule_id": rule.ID,
			}).Error("failed to enqueue scheduled run")
			continue
		}
		dispatched++
		metrics.SchedulerRulesDispatched.Inc()
	}

	return dispatched, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, ruleID uuid.UUID, trigger models.TriggerEvent) error {
	return d.enqueuer.Enqueue(ctx, &redis.RunJob{
		RuleID:  ruleID,
		Trigger: trigger,
	})
}

func (d *Dispatcher) flagSchedule(ctx context.Context, rule models.AutomationRule, message string) {
	d.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
	}).Warnf("Skipping scheduled rule: %s", message)
	if err := d.catalog.SetLastExecutionError(ctx, rule.ID, message); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warnf("Failed to flag schedule error on rule %s", rule.ID)
	}
}

// inScope applies the rule's scope predicate to the subject's facts. A rule
// scoped to "all" always matches; otherwise the scope filter (or the scope
// kind's default field) is matched as equality or in-list.
func (d *Dispatcher) inScope(rule models.AutomationRule, fs facts.Set) bool {
	if rule.Scope == "" || rule.Scope == models.ScopeKindAll {
		return true
	}

	filter := scopeFilterFor(rule)
	if filter == nil || filter.Field == "" || len(filter.Values) == 0 {
		// A narrowed scope with no usable predicate matches nothing
		return false
	}

	value, ok := d.fields.Lookup(fs, filter.Field)
	if !ok {
		return false
	}
	return ectolinq.Contains(filter.Values, facts.AsString(value))
}

// defaultScopeFields maps a scope kind to the fact it filters on when the
// rule carries no explicit filter field.
var defaultScopeFields = map[models.ScopeKind]string{
	models.ScopeKindPartner:      "partner_id",
	models.ScopeKindProduct:      "product_code",
	models.ScopeKindContractType: "contract_type",
}

func scopeFilterFor(rule models.AutomationRule) *models.ScopeFilter {
	if rule.ScopeFilter == nil || *rule.ScopeFilter == "" {
		return nil
	}

	var filter models.ScopeFilter
	if err := json.Unmarshal([]byte(*rule.ScopeFilter), &filter); err != nil {
		return nil
	}
	if filter.Field == "" {
		filter.Field = defaultScopeFields[rule.Scope]
	}
	return &filter
}
