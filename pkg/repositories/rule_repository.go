package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/tidemark/settler/internal/database"
	"github.com/tidemark/settler/internal/tracing"
	"github.com/tidemark/settler/pkg/models"
)

const rulesTable = "automation_rules"
const conditionsTable = "rule_conditions"
const actionsTable = "rule_actions"

var ruleStruct = database.NewStruct(new(models.AutomationRule))
var conditionStruct = database.NewStruct(new(models.RuleCondition))
var actionStruct = database.NewStruct(new(models.RuleAction))

// RuleRepository handles database operations for automation rules and their
// owned conditions and actions
type RuleRepository struct {
	*Repository
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db database.DB, logger ectologger.Logger) *RuleRepository {
	return &RuleRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create inserts a rule with its conditions and actions in one transaction.
// Condition and action sequence numbers are assigned densely from input
// order. New rules start in draft.
func (r *RuleRepository) Create(ctx context.Context, rule *models.AutomationRule, conditions []models.RuleCondition, actions []models.RuleAction) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.Create")
	defer span.End()

	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.Status == "" {
		rule.Status = models.RuleStatusDraft
	}
	rule.RuleVersion = 1

	ctx, tx, err := r.DB().GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	ib := database.NewInsertBuilder()
	ib.InsertInto(rulesTable).
		Cols("id", "name", "rule_type", "description", "enabled", "status", "priority",
			"scope", "scope_filter", "trigger_kind", "schedule_expression", "strategy",
			"max_settlements_per_execution", "grouping_dimension", "rule_version",
			"created_at", "updated_at").
		Values(rule.ID, rule.Name, rule.RuleType, rule.Description, rule.Enabled, rule.Status, rule.Priority,
			rule.Scope, rule.ScopeFilter, rule.TriggerKind, rule.ScheduleExpression, rule.Strategy,
			rule.MaxSettlementsPerExecution, rule.GroupingDimension, rule.RuleVersion,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err = tx.QueryRowContext(ctx, query, args...).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return Conflict("rule name %q already exists", rule.Name)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": rule.ID,
		}).Error("failed to create rule")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create rule")
	}

	if err := r.insertConditions(ctx, tx, rule.ID, conditions); err != nil {
		return err
	}
	if err := r.insertActions(ctx, tx, rule.ID, actions); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create rule")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id": rule.ID,
		"name":    rule.Name,
	}).Debugf("Created %s", rulesTable)
	return nil
}

func (r *RuleRepository) insertConditions(ctx context.Context, tx database.Tx, ruleID uuid.UUID, conditions []models.RuleCondition) error {
	for i := range conditions {
		c := &conditions[i]
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.RuleID = ruleID
		c.Sequence = i + 1
		if c.JoinOperator == "" {
			c.JoinOperator = models.JoinAnd
		}

		ib := database.NewInsertBuilder()
		ib.InsertInto(conditionsTable).
			Cols("id", "rule_id", "field_path", "operator", "value", "sequence", "join_operator", "group_ref").
			Values(c.ID, c.RuleID, c.FieldPath, c.Operator, c.Value, c.Sequence, c.JoinOperator, c.GroupRef)

		query, args := ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"rule_id": ruleID,
			}).Error("failed to create rule condition")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create rule condition")
		}
	}
	return nil
}

func (r *RuleRepository) insertActions(ctx context.Context, tx database.Tx, ruleID uuid.UUID, actions []models.RuleAction) error {
	for i := range actions {
		a := &actions[i]
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		a.RuleID = ruleID
		a.Sequence = i + 1

		ib := database.NewInsertBuilder()
		ib.InsertInto(actionsTable).
			Cols("id", "rule_id", "action_type", "sequence", "params", "stop_on_failure", "notification_template").
			Values(a.ID, a.RuleID, a.ActionType, a.Sequence, a.Params, a.StopOnFailure, a.NotificationTemplate)

		query, args := ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"rule_id": ruleID,
			}).Error("failed to create rule action")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create rule action")
		}
	}
	return nil
}

// GetByID retrieves a rule by ID
func (r *RuleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AutomationRule, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.GetByID")
	defer span.End()

	sb := ruleStruct.SelectFrom(rulesTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var rule models.AutomationRule
	err := r.DB().GetContext(ctx, &rule, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("rule %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": id,
		}).Error("failed to get rule")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get rule")
	}

	return &rule, nil
}

// GetByName retrieves a rule by its unique name
func (r *RuleRepository) GetByName(ctx context.Context, name string) (*models.AutomationRule, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.GetByName")
	defer span.End()

	sb := ruleStruct.SelectFrom(rulesTable)
	sb.Where(sb.Equal("name", name))

	query, args := sb.Build()
	var rule models.AutomationRule
	err := r.DB().GetContext(ctx, &rule, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("rule %q does not exist", name)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"name": name,
		}).Error("failed to get rule by name")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get rule by name")
	}

	return &rule, nil
}

// GetDefinition retrieves a rule with its ordered conditions and actions
func (r *RuleRepository) GetDefinition(ctx context.Context, id uuid.UUID) (*models.RuleDefinition, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.GetDefinition")
	defer span.End()

	rule, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	cb := conditionStruct.SelectFrom(conditionsTable)
	cb.Where(cb.Equal("rule_id", id))
	cb.OrderBy("sequence")

	query, args := cb.Build()
	var conditions []models.RuleCondition
	if err := r.DB().SelectContext(ctx, &conditions, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": id,
		}).Error("failed to list rule conditions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list rule conditions")
	}

	ab := actionStruct.SelectFrom(actionsTable)
	ab.Where(ab.Equal("rule_id", id))
	ab.OrderBy("sequence")

	query, args = ab.Build()
	var actions []models.RuleAction
	if err := r.DB().SelectContext(ctx, &actions, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": id,
		}).Error("failed to list rule actions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list rule actions")
	}

	return &models.RuleDefinition{
		Rule:       *rule,
		Conditions: conditions,
		Actions:    actions,
	}, nil
}

// List retrieves all rules ordered by name
func (r *RuleRepository) List(ctx context.Context, limit int) ([]models.AutomationRule, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.List")
	defer span.End()

	sb := ruleStruct.SelectFrom(rulesTable)
	sb.OrderBy("name")
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var rules []models.AutomationRule
	if err := r.DB().SelectContext(ctx, &rules, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list rules")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list rules")
	}

	return rules, nil
}

// ListEnabledByTrigger retrieves enabled, active rules for a trigger kind
func (r *RuleRepository) ListEnabledByTrigger(ctx context.Context, kind models.TriggerKind) ([]models.AutomationRule, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.ListEnabledByTrigger")
	defer span.End()

	sb := ruleStruct.SelectFrom(rulesTable)
	sb.Where(
		sb.Equal("enabled", true),
		sb.Equal("status", models.RuleStatusActive),
		sb.Equal("trigger_kind", kind),
	)
	sb.OrderBy("priority", "name")

	query, args := sb.Build()
	var rules []models.AutomationRule
	if err := r.DB().SelectContext(ctx, &rules, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"trigger_kind": kind,
		}).Error("failed to list enabled rules")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list enabled rules")
	}

	return rules, nil
}

// Update applies a full-row update to a rule's definition fields and bumps
// the rule version. Counters and run bookkeeping are not touched here.
func (r *RuleRepository) Update(ctx context.Context, rule *models.AutomationRule) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.Update")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(rulesTable).
		Set(
			ub.Assign("name", rule.Name),
			ub.Assign("rule_type", rule.RuleType),
			ub.Assign("description", rule.Description),
			ub.Assign("priority", rule.Priority),
			ub.Assign("scope", rule.Scope),
			ub.Assign("scope_filter", rule.ScopeFilter),
			ub.Assign("trigger_kind", rule.TriggerKind),
			ub.Assign("schedule_expression", rule.ScheduleExpression),
			ub.Assign("strategy", rule.Strategy),
			ub.Assign("max_settlements_per_execution", rule.MaxSettlementsPerExecution),
			ub.Assign("grouping_dimension", rule.GroupingDimension),
			ub.Assign("rule_version", sqlbuilder.Raw("rule_version + 1")),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", rule.ID))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": rule.ID,
		}).Error("failed to update rule")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update rule")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update rule")
	}
	if rows == 0 {
		return NotFound("rule %s does not exist", rule.ID)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id": rule.ID,
	}).Debugf("Updated %s", rulesTable)
	return nil
}

// ReplaceConditions swaps a rule's condition set for the given one in a
// transaction, reassigning dense sequence numbers
func (r *RuleRepository) ReplaceConditions(ctx context.Context, ruleID uuid.UUID, conditions []models.RuleCondition) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.ReplaceConditions")
	defer span.End()

	ctx, tx, err := r.DB().GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	db := database.NewDeleteBuilder()
	db.DeleteFrom(conditionsTable).Where(db.Equal("rule_id", ruleID))
	query, args := db.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": ruleID,
		}).Error("failed to replace rule conditions")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to replace rule conditions")
	}

	if err := r.insertConditions(ctx, tx, ruleID, conditions); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ReplaceActions swaps a rule's action pipeline for the given one in a
// transaction, reassigning dense sequence numbers
func (r *RuleRepository) ReplaceActions(ctx context.Context, ruleID uuid.UUID, actions []models.RuleAction) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.ReplaceActions")
	defer span.End()

	ctx, tx, err := r.DB().GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	db := database.NewDeleteBuilder()
	db.DeleteFrom(actionsTable).Where(db.Equal("rule_id", ruleID))
	query, args := db.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": ruleID,
		}).Error("failed to replace rule actions")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to replace rule actions")
	}

	if err := r.insertActions(ctx, tx, ruleID, actions); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Enable re-enables a disabled rule and clears its disabled bookkeeping
func (r *RuleRepository) Enable(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.Enable")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(rulesTable).
		Set(
			ub.Assign("enabled", true),
			ub.Assign("status", models.RuleStatusActive),
			ub.Assign("disabled_at", nil),
			ub.Assign("disabled_reason", nil),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": id,
		}).Error("failed to enable rule")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to enable rule")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to enable rule")
	}
	if rows == 0 {
		return NotFound("rule %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id": id,
	}).Infof("Enabled rule %s", id)
	return nil
}

// Disable disables a rule with a reason. Only an explicit Enable reverses
// this; executions never flip the flag back.
func (r *RuleRepository) Disable(ctx context.Context, id uuid.UUID, reason string) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.Disable")
	defer span.End()

	now := time.Now()
	ub := database.NewUpdateBuilder()
	ub.Update(rulesTable).
		Set(
			ub.Assign("enabled", false),
			ub.Assign("status", models.RuleStatusDisabled),
			ub.Assign("disabled_at", now),
			ub.Assign("disabled_reason", reason),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": id,
		}).Error("failed to disable rule")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to disable rule")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to disable rule")
	}
	if rows == 0 {
		return NotFound("rule %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id": id,
		"reason":  reason,
	}).Infof("Disabled rule %s", id)
	return nil
}

// ApplyRunOutcome rolls one run's outcome into the rule's cumulative
// counters. Called by the execution recorder inside the close transaction.
func (r *RuleRepository) ApplyRunOutcome(ctx context.Context, id uuid.UUID, succeeded bool, ranAt time.Time, runErr *string) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.ApplyRunOutcome")
	defer span.End()

	successInc, failureInc := 0, 1
	if succeeded {
		successInc, failureInc = 1, 0
	}

	// Raw SQL for the increments since sqlbuilder doesn't have a nice way to do this
	query := `
		UPDATE automation_rules
		SET execution_count = execution_count + 1,
		    success_count = success_count + $1,
		    failure_count = failure_count + $2,
		    last_executed_at = $3,
		    last_execution_error = $4,
		    updated_at = NOW()
		WHERE id = $5`

	result, err := r.DB().ExecContext(ctx, query, successInc, failureInc, ranAt, runErr, id)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": id,
		}).Error("failed to apply run outcome")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to apply run outcome")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to apply run outcome")
	}
	if rows == 0 {
		return NotFound("rule %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id":   id,
		"succeeded": succeeded,
	}).Debugf("Applied run outcome to %s", rulesTable)
	return nil
}

// SetLastExecutionError persists a configuration failure onto the rule for
// operator visibility
func (r *RuleRepository) SetLastExecutionError(ctx context.Context, id uuid.UUID, message string) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.SetLastExecutionError")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(rulesTable).
		Set(
			ub.Assign("last_execution_error", message),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": id,
		}).Error("failed to set last execution error")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set last execution error")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set last execution error")
	}
	if rows == 0 {
		return NotFound("rule %s does not exist", id)
	}

	return nil
}

// Delete deletes a rule and, via FK cascade, its conditions and actions
func (r *RuleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(rulesTable).Where(db.Equal("id", id))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": id,
		}).Error("failed to delete rule")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete rule")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete rule")
	}
	if rows == 0 {
		return NotFound("rule %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id": id,
	}).Debugf("Deleted %s", rulesTable)
	return nil
}
