// Package orchestrator runs automation rules end to end: dedupe, candidate
// selection, condition filtering, strategy fan-out and outcome aggregation.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/tidemark/settler/internal/tracing"
	"github.com/tidemark/settler/pkg/actions"
	"github.com/tidemark/settler/pkg/conditions"
	"github.com/tidemark/settler/pkg/metrics"
	"github.com/tidemark/settler/pkg/models"
	"github.com/tidemark/settler/pkg/repositories"
)

// CandidateSource resolves the settlements-in-scope for one rule invocation,
// with each candidate carrying the fact set conditions evaluate against.
type CandidateSource interface {
	Candidates(ctx context.Context, def models.RuleDefinition, trigger models.TriggerEvent) ([]models.Candidate, error)
}

// RunRecorder is the audit surface the orchestrator writes through.
type RunRecorder interface {
	Open(ctx context.Context, rule models.AutomationRule, trigger models.TriggerEvent, dedupeKey *string) (*models.RuleExecutionRecord, error)
	Append(ctx context.Context, record *models.RuleExecutionRecord, entry string)
	Close(ctx context.Context, record *models.RuleExecutionRecord) error
	RecordSkipped(ctx context.Context, rule models.AutomationRule, trigger models.TriggerEvent, dedupeKey string) error
	FlagConfigurationError(ctx context.Context, ruleID uuid.UUID, message string)
}

// DedupeChecker reports whether a dedupe key was already consumed by a
// non-skipped run inside the window.
type DedupeChecker interface {
	ExistsByDedupeKey(ctx context.Context, dedupeKey string, window time.Duration) (bool, error)
}

// Config tunes orchestrator behavior
type Config struct {
	// MaxBatchSize caps items per sub-batch when a rule sets no limit
	MaxBatchSize int
	// GroupWorkers bounds concurrent groups under the grouped strategy
	GroupWorkers int
	// DedupeWindow is how long a trigger identity suppresses redelivery
	DedupeWindow time.Duration
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: 50,
		GroupWorkers: 4,
		DedupeWindow: 24 * time.Hour,
	}
}

// Orchestrator executes one rule invocation at a time.
type Orchestrator struct {
	source     CandidateSource
	recorder   RunRecorder
	dedupe     DedupeChecker
	pipeline   *actions.Pipeline
	conditions *conditions.Evaluator
	config     Config
	logger     ectologger.Logger
}

// NewOrchestrator creates a rule orchestrator
func NewOrchestrator(source CandidateSource, recorder RunRecorder, dedupe DedupeChecker, pipeline *actions.Pipeline, config Config, logger ectologger.Logger) *Orchestrator {
	return &Orchestrator{
		source:     source,
		recorder:   recorder,
		dedupe:     dedupe,
		pipeline:   pipeline,
		conditions: conditions.NewEvaluator(logger),
		config:     config,
		logger:     logger,
	}
}

// itemOutcome is the result of processing one candidate.
type itemOutcome struct {
	status    models.ExecutionStatus
	actions   int
	evaluated int
	affected  []uuid.UUID
	log       []string
	errType   *models.ErrorType
	err       error
}

// ExecuteRule runs one rule against one trigger event and returns the closed
// execution record. A deduplicated redelivery returns the skipped record and
// no error.
func (o *Orchestrator) ExecuteRule(ctx context.Context, def models.RuleDefinition, trigger models.TriggerEvent) (*models.RuleExecutionRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.ExecuteRule")
	defer span.End()

	rule := def.Rule
	log := o.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
		"trigger":   trigger.Identity(),
	})

	if !rule.Enabled || rule.Status != models.RuleStatusActive {
		if !trigger.Force {
			return nil, repositories.Conflict("rule %s is not active", rule.Name)
		}
		log.Warnf("Force-executing rule %s while %s", rule.Name, rule.Status)
	}

	dedupeKey := rule.ID.String() + ":" + trigger.Identity()
	if !trigger.Force {
		seen, err := o.dedupe.ExistsByDedupeKey(ctx, dedupeKey, o.config.DedupeWindow)
		if err != nil {
			return nil, err
		}
		if seen {
			metrics.TriggersDeduplicated.Inc()
			log.Infof("Trigger %s already processed, recording skip", trigger.Identity())
			record := &models.RuleExecutionRecord{
				RuleID:    rule.ID,
				Status:    models.ExecutionStatusSkipped,
				DedupeKey: &dedupeKey,
			}
			if err := o.recorder.RecordSkipped(ctx, rule, trigger, dedupeKey); err != nil {
				return nil, err
			}
			return record, nil
		}
	}

	record, err := o.recorder.Open(ctx, rule, trigger, &dedupeKey)
	if err != nil {
		return nil, err
	}
	started := time.Now()

	candidates, err := o.source.Candidates(ctx, def, trigger)
	if err != nil {
		o.failRun(ctx, record, actions.ClassifyError(err), fmt.Sprintf("candidate selection failed: %s", err.Error()))
		o.finish(ctx, record, trigger, started)
		return record, err
	}

	matched := o.filterCandidates(ctx, record, def, candidates)
	if len(matched) == 0 {
		o.recorder.Append(ctx, record, fmt.Sprintf("no candidates matched (%d considered)", len(candidates)))
		record.Status = models.ExecutionStatusSucceeded
		o.finish(ctx, record, trigger, started)
		return record, nil
	}

	batchSize := o.config.MaxBatchSize
	if rule.MaxSettlementsPerExecution != nil && *rule.MaxSettlementsPerExecution > 0 {
		batchSize = *rule.MaxSettlementsPerExecution
	}

	var outcomes []itemOutcome
	for i, batch := range SplitBatches(matched, batchSize) {
		o.recorder.Append(ctx, record, fmt.Sprintf("processing batch %d (%d items)", i+1, len(batch)))

		var batchOutcomes []itemOutcome
		if rule.Strategy == models.StrategyGrouped {
			batchOutcomes = o.runGrouped(ctx, def, trigger, batch)
		} else {
			batchOutcomes = o.runSequential(ctx, def, trigger, batch)
		}
		outcomes = append(outcomes, batchOutcomes...)

		if stop := o.applyOutcomes(ctx, record, batchOutcomes); stop {
			break
		}
		if err := ctx.Err(); err != nil {
			o.failRun(ctx, record, models.ErrorTypeTransient, "run cancelled before all items were processed")
			break
		}
	}

	if record.Status == models.ExecutionStatusRunning {
		record.Status = aggregateStatus(outcomes)
		if record.Status != models.ExecutionStatusSucceeded {
			if first := firstError(outcomes); first != nil {
				msg := first.err.Error()
				record.ErrorMessage = &msg
				record.ErrorType = first.errType
			}
		}
	}

	o.finish(ctx, record, trigger, started)
	return record, nil
}

// filterCandidates evaluates the rule's conditions against each candidate
// and returns the ones that match.
func (o *Orchestrator) filterCandidates(ctx context.Context, record *models.RuleExecutionRecord, def models.RuleDefinition, candidates []models.Candidate) []models.Candidate {
	var matched []models.Candidate
	for _, c := range candidates {
		res := o.conditions.Evaluate(def.Conditions, c.Facts)
		record.ConditionsEvaluated += res.Evaluated
		metrics.ConditionsEvaluated.Add(float64(res.Evaluated))
		if res.Matched {
			matched = append(matched, c)
		}
	}
	o.recorder.Append(ctx, record, fmt.Sprintf("%d of %d candidates matched conditions", len(matched), len(candidates)))
	return matched
}

// runSequential processes candidates one at a time in order, continuing past
// item failures. Cancellation and configuration errors stop at the next item
// boundary.
func (o *Orchestrator) runSequential(ctx context.Context, def models.RuleDefinition, trigger models.TriggerEvent, batch []models.Candidate) []itemOutcome {
	outcomes := make([]itemOutcome, 0, len(batch))
	for _, candidate := range batch {
		if err := ctx.Err(); err != nil {
			break
		}
		outcome := o.runItem(ctx, def, trigger, candidate)
		outcomes = append(outcomes, outcome)
		if outcome.errType != nil && *outcome.errType == models.ErrorTypeConfiguration {
			break
		}
	}
	return outcomes
}

// runGrouped partitions the batch by the rule's grouping dimension and runs
// groups concurrently with a bounded worker pool. Items inside a group stay
// sequential so chained amendments on the same dimension never race.
func (o *Orchestrator) runGrouped(ctx context.Context, def models.RuleDefinition, trigger models.TriggerEvent, batch []models.Candidate) []itemOutcome {
	dimension := ""
	if def.Rule.GroupingDimension != nil {
		dimension = *def.Rule.GroupingDimension
	}
	groups := GroupCandidates(batch, dimension)

	workers := o.config.GroupWorkers
	if workers < 1 {
		workers = 1
	}

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([][]itemOutcome, len(groups))
	semaphore := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, group := range groups {
		wg.Add(1)
		go func(i int, group []models.Candidate) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			outcomes := o.runSequential(groupCtx, def, trigger, group)
			results[i] = outcomes
			for _, outcome := range outcomes {
				if outcome.errType != nil && *outcome.errType == models.ErrorTypeConfiguration {
					cancel()
					return
				}
			}
		}(i, group)
	}
	wg.Wait()

	var outcomes []itemOutcome
	for _, group := range results {
		outcomes = append(outcomes, group...)
	}
	return outcomes
}

// runItem executes the action pipeline for one candidate. A conflict outcome
// is retried exactly once so a lost optimistic-concurrency race against a
// concurrent amendment does not fail the item.
func (o *Orchestrator) runItem(ctx context.Context, def models.RuleDefinition, trigger models.TriggerEvent, candidate models.Candidate) itemOutcome {
	actx := actions.NewContext(def.Rule, trigger, candidate)
	result := o.pipeline.Run(ctx, actx, def.Actions)

	if result.ErrorType != nil && *result.ErrorType == models.ErrorTypeConflict {
		o.logger.WithContext(ctx).WithFields(map[string]any{
			"rule_id": def.Rule.ID,
			"subject": candidate.SubjectID,
		}).Warnf("Item hit a version conflict, retrying once")
		actx = actions.NewContext(def.Rule, trigger, candidate)
		retried := o.pipeline.Run(ctx, actx, def.Actions)
		retried.Log = append(result.Log, retried.Log...)
		result = retried
	}

	outcome := itemOutcome{
		status:   result.Status,
		actions:  result.ActionsExecuted,
		affected: actx.AffectedSettlements(),
		errType:  result.ErrorType,
		err:      result.Err,
	}
	for _, line := range result.Log {
		outcome.log = append(outcome.log, fmt.Sprintf("[%s] %s", candidate.SubjectID, line))
	}
	return outcome
}

// applyOutcomes folds a batch of item outcomes into the record. Returns true
// when the run must stop (a configuration error poisoned the rule).
func (o *Orchestrator) applyOutcomes(ctx context.Context, record *models.RuleExecutionRecord, outcomes []itemOutcome) bool {
	for _, outcome := range outcomes {
		record.ActionsExecuted += outcome.actions
		if len(outcome.affected) > 0 {
			record.AffectedSettlements.Data = append(record.AffectedSettlements.Data, outcome.affected...)
			record.SettlementsAffected = len(record.AffectedSettlements.Data)
		}
		for _, line := range outcome.log {
			o.recorder.Append(ctx, record, line)
		}
		if outcome.errType != nil && *outcome.errType == models.ErrorTypeConfiguration {
			msg := "rule misconfigured"
			if outcome.err != nil {
				msg = outcome.err.Error()
			}
			o.failRun(ctx, record, models.ErrorTypeConfiguration, msg)
			o.recorder.FlagConfigurationError(ctx, record.RuleID, msg)
			return true
		}
	}
	return false
}

// failRun marks the record failed with a reason. Later aggregation leaves a
// failed record untouched.
func (o *Orchestrator) failRun(ctx context.Context, record *models.RuleExecutionRecord, errType models.ErrorType, message string) {
	record.Status = models.ExecutionStatusFailed
	record.ErrorMessage = &message
	record.ErrorType = &errType
	o.recorder.Append(ctx, record, message)
}

// finish closes the record and emits run metrics.
func (o *Orchestrator) finish(ctx context.Context, record *models.RuleExecutionRecord, trigger models.TriggerEvent, started time.Time) {
	if err := o.recorder.Close(ctx, record); err != nil {
		o.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"execution_id": record.ID,
		}).Error("failed to close execution record")
	}
	metrics.RecordRuleExecution(string(trigger.EventType), string(record.Status), time.Since(started).Seconds())
}

// aggregateStatus folds item outcomes into the run status: all succeeded is
// succeeded, all failed is failed, anything mixed is partially succeeded.
func aggregateStatus(outcomes []itemOutcome) models.ExecutionStatus {
	if len(outcomes) == 0 {
		return models.ExecutionStatusSucceeded
	}

	succeeded, failed := 0, 0
	for _, o := range outcomes {
		switch o.status {
		case models.ExecutionStatusSucceeded:
			succeeded++
		case models.ExecutionStatusFailed:
			failed++
		}
	}

	switch {
	case succeeded == len(outcomes):
		return models.ExecutionStatusSucceeded
	case failed == len(outcomes):
		return models.ExecutionStatusFailed
	default:
		return models.ExecutionStatusPartiallySucceeded
	}
}

func firstError(outcomes []itemOutcome) *itemOutcome {
	for i := range outcomes {
		if outcomes[i].err != nil {
			return &outcomes[i]
		}
	}
	return nil
}
