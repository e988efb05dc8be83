package models

import (
	"time"

	"github.com/google/uuid"
)

// RuleStatus represents the lifecycle status of an automation rule
type RuleStatus string

const (
	RuleStatusDraft    RuleStatus = "draft"
	RuleStatusActive   RuleStatus = "active"
	RuleStatusDisabled RuleStatus = "disabled"
)

// TriggerKind defines what causes a rule to be considered for dispatch
type TriggerKind string

const (
	TriggerKindOnCompletion TriggerKind = "on_completion"
	TriggerKindScheduled    TriggerKind = "scheduled"
	TriggerKindManual       TriggerKind = "manual"
)

// ScopeKind restricts which subjects a rule applies to
type ScopeKind string

const (
	ScopeKindAll          ScopeKind = "all"
	ScopeKindPartner      ScopeKind = "partner"
	ScopeKindProduct      ScopeKind = "product"
	ScopeKindContractType ScopeKind = "contract_type"
)

// OrchestrationStrategy defines how a rule processes multiple candidates
type OrchestrationStrategy string

const (
	StrategySequential OrchestrationStrategy = "sequential"
	StrategyGrouped    OrchestrationStrategy = "grouped"
)

// ScopeFilter is a structured predicate narrowing a rule's scope. Field names
// a fact path (e.g. "partner.country"); Values is matched as an in-list, a
// single value behaves as equality.
type ScopeFilter struct {
	Field  string   `json:"field"`
	Values []string `json:"values"`
}

// AutomationRule pairs a condition set with an action pipeline and a trigger.
type AutomationRule struct {
	ID                         uuid.UUID             `db:"id" json:"id"`
	Name                       string                `db:"name" json:"name"`
	RuleType                   string                `db:"rule_type" json:"rule_type"`
	Description                *string               `db:"description" json:"description,omitempty"`
	Enabled                    bool                  `db:"enabled" json:"enabled"`
	Status                     RuleStatus            `db:"status" json:"status"`
	Priority                   string                `db:"priority" json:"priority"`
	Scope                      ScopeKind             `db:"scope" json:"scope"`
	ScopeFilter                *string               `db:"scope_filter" json:"scope_filter,omitempty"`
	TriggerKind                TriggerKind           `db:"trigger_kind" json:"trigger_kind"`
	ScheduleExpression         *string               `db:"schedule_expression" json:"schedule_expression,omitempty"`
	Strategy                   OrchestrationStrategy `db:"strategy" json:"strategy"`
	MaxSettlementsPerExecution *int                  `db:"max_settlements_per_execution" json:"max_settlements_per_execution,omitempty"`
	GroupingDimension          *string               `db:"grouping_dimension" json:"grouping_dimension,omitempty"`
	ExecutionCount             int                   `db:"execution_count" json:"execution_count"`
	SuccessCount               int                   `db:"success_count" json:"success_count"`
	FailureCount               int                   `db:"failure_count" json:"failure_count"`
	LastExecutedAt             *time.Time            `db:"last_executed_at" json:"last_executed_at,omitempty"`
	LastExecutionError         *string               `db:"last_execution_error" json:"last_execution_error,omitempty"`
	DisabledAt                 *time.Time            `db:"disabled_at" json:"disabled_at,omitempty"`
	DisabledReason             *string               `db:"disabled_reason" json:"disabled_reason,omitempty"`
	RuleVersion                int                   `db:"rule_version" json:"rule_version"`
	CreatedAt                  time.Time             `db:"created_at" json:"created_at"`
	UpdatedAt                  time.Time             `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (AutomationRule) TableName() string {
	return "automation_rules"
}

// RuleDefinition is the full read model the engine executes: the rule plus
// its ordered conditions and actions.
type RuleDefinition struct {
	Rule       AutomationRule `json:"rule"`
	Conditions []RuleCondition `json:"conditions"`
	Actions    []RuleAction    `json:"actions"`
}

// CreateRuleRequest is the request to create an automation rule
type CreateRuleRequest struct {
	Name                       string                `json:"name" validate:"required"`
	RuleType                   string                `json:"rule_type" validate:"required"`
	Description                *string               `json:"description,omitempty"`
	Priority                   string                `json:"priority"`
	Scope                      ScopeKind             `json:"scope" validate:"required,oneof=all partner product contract_type"`
	ScopeFilter                *string               `json:"scope_filter,omitempty"`
	TriggerKind                TriggerKind           `json:"trigger_kind" validate:"required,oneof=on_completion scheduled manual"`
	ScheduleExpression         *string               `json:"schedule_expression,omitempty"`
	Strategy                   OrchestrationStrategy `json:"strategy" validate:"required,oneof=sequential grouped"`
	MaxSettlementsPerExecution *int                  `json:"max_settlements_per_execution,omitempty" validate:"omitempty,min=1"`
	GroupingDimension          *string               `json:"grouping_dimension,omitempty"`
	Conditions                 []RuleConditionInput  `json:"conditions" validate:"dive"`
	Actions                    []RuleActionInput     `json:"actions" validate:"min=1,dive"`
}

// UpdateRuleRequest is the request to update an automation rule
type UpdateRuleRequest struct {
	Name                       *string                `json:"name,omitempty"`
	Description                *string                `json:"description,omitempty"`
	Priority                   *string                `json:"priority,omitempty"`
	Scope                      *ScopeKind             `json:"scope,omitempty"`
	ScopeFilter                *string                `json:"scope_filter,omitempty"`
	TriggerKind                *TriggerKind           `json:"trigger_kind,omitempty"`
	ScheduleExpression         *string                `json:"schedule_expression,omitempty"`
	Strategy                   *OrchestrationStrategy `json:"strategy,omitempty"`
	MaxSettlementsPerExecution *int                   `json:"max_settlements_per_execution,omitempty"`
	GroupingDimension          *string                `json:"grouping_dimension,omitempty"`
	Conditions                 []RuleConditionInput   `json:"conditions,omitempty" validate:"omitempty,dive"`
	Actions                    []RuleActionInput      `json:"actions,omitempty" validate:"omitempty,dive"`
}
