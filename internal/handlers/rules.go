package handlers

import (
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tidemark/settler/internal/database"
	"github.com/tidemark/settler/internal/tracing"
	"github.com/tidemark/settler/pkg/actions"
	"github.com/tidemark/settler/pkg/dispatch"
	"github.com/tidemark/settler/pkg/facts"
	"github.com/tidemark/settler/pkg/models"
	"github.com/tidemark/settler/pkg/repositories"
)

var knownOperators = map[models.ConditionOperator]bool{
	models.OperatorEquals:     true,
	models.OperatorNotEquals:  true,
	models.OperatorGreater:    true,
	models.OperatorGreaterEq:  true,
	models.OperatorLess:       true,
	models.OperatorLessEq:     true,
	models.OperatorContains:   true,
	models.OperatorStartsWith: true,
	models.OperatorInSet:      true,
	models.OperatorDateWithin: true,
}

// RuleHandler handles automation rule API endpoints
type RuleHandler struct {
	repo       *repositories.RuleRepository
	registry   *actions.Registry
	dispatcher *dispatch.Dispatcher
	fields     *facts.Evaluator
	logger     ectologger.Logger
}

// NewRuleHandler creates a new rule handler
func NewRuleHandler(
	repo *repositories.RuleRepository,
	registry *actions.Registry,
	dispatcher *dispatch.Dispatcher,
	logger ectologger.Logger,
) *RuleHandler {
	return &RuleHandler{
		repo:       repo,
		registry:   registry,
		dispatcher: dispatcher,
		fields:     facts.NewEvaluator(),
		logger:     logger,
	}
}

// TriggerRuleRequest represents the manual trigger request body
type TriggerRuleRequest struct {
	SubjectID   string `json:"subject_id,omitempty"`
	SubjectType string `json:"subject_type,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

// DisableRuleRequest represents the disable rule request body
type DisableRuleRequest struct {
	Reason string `json:"reason"`
}

// Register registers rule routes
func (h *RuleHandler) Register(g *echo.Group) {
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/:id", h.GetByID)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/enable", h.Enable)
	g.POST("/:id/disable", h.Disable)
	g.POST("/:id/trigger", h.Trigger)
}

// List returns automation rules
func (h *RuleHandler) List(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RuleHandler.List")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	rules, err := h.repo.List(ctx, 200)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list rules")
		return err
	}

	return SuccessResponse(c, rules)
}

// Create creates a new automation rule with its conditions and actions.
// Action params and condition field paths are validated here, at save time,
// so a misconfigured rule is rejected before it can ever run.
func (h *RuleHandler) Create(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RuleHandler.Create")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	req, err := BindRequest[models.CreateRuleRequest](c)
	if err != nil {
		return err
	}

	if err := h.validateDefinition(req.TriggerKind, req.ScheduleExpression, req.Strategy, req.GroupingDimension, req.Conditions, req.Actions); err != nil {
		return err
	}

	rule := &models.AutomationRule{
		ID:                         uuid.New(),
		Name:                       req.Name,
		RuleType:                   req.RuleType,
		Description:                req.Description,
		Enabled:                    false,
		Status:                     models.RuleStatusDraft,
		Priority:                   req.Priority,
		Scope:                      req.Scope,
		ScopeFilter:                req.ScopeFilter,
		TriggerKind:                req.TriggerKind,
		ScheduleExpression:         req.ScheduleExpression,
		Strategy:                   req.Strategy,
		MaxSettlementsPerExecution: req.MaxSettlementsPerExecution,
		GroupingDimension:          req.GroupingDimension,
		RuleVersion:                1,
	}

	if err := h.repo.Create(ctx, rule, buildConditions(rule.ID, req.Conditions), buildActions(rule.ID, req.Actions)); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to create rule")
		return err
	}

	h.logger.WithContext(ctx).Infof("Created rule %s (%s)", rule.Name, rule.ID)
	return CreatedResponse(c, rule)
}

// GetByID returns the full rule definition: the rule plus its ordered
// conditions and actions.
func (h *RuleHandler) GetByID(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RuleHandler.GetByID")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	def, err := h.repo.GetDefinition(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, def)
}

// Update updates a rule and, when provided, replaces its conditions and
// actions wholesale. Partial edits of individual conditions are not supported.
func (h *RuleHandler) Update(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RuleHandler.Update")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	req, err := BindRequest[models.UpdateRuleRequest](c)
	if err != nil {
		return err
	}

	rule, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	applyRuleUpdate(rule, req)

	if err := h.validateDefinition(rule.TriggerKind, rule.ScheduleExpression, rule.Strategy, rule.GroupingDimension, req.Conditions, req.Actions); err != nil {
		return err
	}

	if err := h.repo.Update(ctx, rule); err != nil {
		return err
	}
	if req.Conditions != nil {
		if err := h.repo.ReplaceConditions(ctx, rule.ID, buildConditions(rule.ID, req.Conditions)); err != nil {
			return err
		}
	}
	if req.Actions != nil {
		if err := h.repo.ReplaceActions(ctx, rule.ID, buildActions(rule.ID, req.Actions)); err != nil {
			return err
		}
	}

	h.logger.WithContext(ctx).Infof("Updated rule %s", rule.ID)
	return SuccessResponse(c, rule)
}

// Delete deletes a rule and its conditions and actions
func (h *RuleHandler) Delete(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RuleHandler.Delete")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if err := h.repo.Delete(ctx, id); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to delete rule")
		return err
	}

	h.logger.WithContext(ctx).Infof("Deleted rule %s", id)
	return NoContentResponse(c)
}

// Enable activates a rule
func (h *RuleHandler) Enable(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RuleHandler.Enable")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if err := h.repo.Enable(ctx, id); err != nil {
		return err
	}

	h.logger.WithContext(ctx).Infof("Enabled rule %s", id)
	return SuccessResponse(c, map[string]bool{"enabled": true})
}

// Disable deactivates a rule
func (h *RuleHandler) Disable(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RuleHandler.Disable")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	var req DisableRuleRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}

	if err := h.repo.Disable(ctx, id, req.Reason); err != nil {
		return err
	}

	h.logger.WithContext(ctx).Infof("Disabled rule %s: %s", id, req.Reason)
	return SuccessResponse(c, map[string]bool{"enabled": false})
}

// Trigger manually invokes a rule, optionally against a named subject. The
// run is queued, not executed inline; the response carries the trigger
// identity so the caller can find the execution record.
func (h *RuleHandler) Trigger(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RuleHandler.Trigger")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	var req TriggerRuleRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}

	trigger := models.TriggerEvent{
		EventID:     "manual:" + uuid.New().String(),
		EventType:   models.TriggerTypeManual,
		SubjectID:   req.SubjectID,
		SubjectType: req.SubjectType,
		RuleID:      &id,
		Force:       req.Force,
	}

	if err := h.dispatcher.DispatchManual(ctx, trigger); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to dispatch manual trigger")
		return err
	}

	h.logger.WithContext(ctx).Infof("Queued manual run of rule %s (trigger %s)", id, trigger.EventID)
	return SuccessResponse(c, map[string]string{
		"event_id": trigger.EventID,
		"rule_id":  id.String(),
		"status":   "queued",
	})
}

// validateDefinition rejects rule configurations the engine would fail at
// run time: unknown action types, bad action params, unknown operators,
// uncompilable field paths, malformed schedules, grouped without a dimension.
func (h *RuleHandler) validateDefinition(
	trigger models.TriggerKind,
	schedule *string,
	strategy models.OrchestrationStrategy,
	grouping *string,
	conditions []models.RuleConditionInput,
	ruleActions []models.RuleActionInput,
) error {
	if trigger == models.TriggerKindScheduled {
		if schedule == nil || *schedule == "" {
			return BadRequest("scheduled rules require a schedule_expression")
		}
		if _, err := dispatch.ParseSchedule(*schedule); err != nil {
			return err
		}
	}

	if strategy == models.StrategyGrouped && (grouping == nil || *grouping == "") {
		return BadRequest("grouped strategy requires a grouping_dimension")
	}

	for _, cond := range conditions {
		if !knownOperators[cond.Operator] {
			return BadRequest("unknown condition operator " + string(cond.Operator))
		}
		if err := h.fields.Validate(cond.FieldPath); err != nil {
			return BadRequest("invalid field path " + cond.FieldPath)
		}
	}

	for _, action := range ruleActions {
		handler, err := h.registry.Get(action.ActionType)
		if err != nil {
			return err
		}
		if err := handler.ValidateParams(action.Params); err != nil {
			return err
		}
	}
	return nil
}

func buildConditions(ruleID uuid.UUID, inputs []models.RuleConditionInput) []models.RuleCondition {
	conditions := make([]models.RuleCondition, 0, len(inputs))
	for i, input := range inputs {
		join := input.JoinOperator
		if join == "" {
			join = models.JoinAnd
		}
		conditions = append(conditions, models.RuleCondition{
			ID:           uuid.New(),
			RuleID:       ruleID,
			FieldPath:    input.FieldPath,
			Operator:     input.Operator,
			Value:        input.Value,
			Sequence:     i + 1,
			JoinOperator: join,
			GroupRef:     input.GroupRef,
		})
	}
	return conditions
}

func buildActions(ruleID uuid.UUID, inputs []models.RuleActionInput) []models.RuleAction {
	ruleActions := make([]models.RuleAction, 0, len(inputs))
	for i, input := range inputs {
		action := models.RuleAction{
			ID:                   uuid.New(),
			RuleID:               ruleID,
			ActionType:           input.ActionType,
			Sequence:             i + 1,
			StopOnFailure:        input.StopOnFailure,
			NotificationTemplate: input.NotificationTemplate,
		}
		action.Params = database.JSONB[map[string]any]{Data: input.Params}
		ruleActions = append(ruleActions, action)
	}
	return ruleActions
}

func applyRuleUpdate(rule *models.AutomationRule, req models.UpdateRuleRequest) {
	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Description != nil {
		rule.Description = req.Description
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.Scope != nil {
		rule.Scope = *req.Scope
	}
	if req.ScopeFilter != nil {
		rule.ScopeFilter = req.ScopeFilter
	}
	if req.TriggerKind != nil {
		rule.TriggerKind = *req.TriggerKind
	}
	if req.ScheduleExpression != nil {
		rule.ScheduleExpression = req.ScheduleExpression
	}
	if req.Strategy != nil {
		rule.Strategy = *req.Strategy
	}
	if req.MaxSettlementsPerExecution != nil {
		rule.MaxSettlementsPerExecution = req.MaxSettlementsPerExecution
	}
	if req.GroupingDimension != nil {
		rule.GroupingDimension = req.GroupingDimension
	}
	rule.RuleVersion++
}
