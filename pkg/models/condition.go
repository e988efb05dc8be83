package models

import "github.com/google/uuid"

// ConditionOperator compares a fact value against a stored comparison value
type ConditionOperator string

const (
	OperatorEquals     ConditionOperator = "eq"
	OperatorNotEquals  ConditionOperator = "neq"
	OperatorGreater    ConditionOperator = "gt"
	OperatorGreaterEq  ConditionOperator = "gte"
	OperatorLess       ConditionOperator = "lt"
	OperatorLessEq     ConditionOperator = "lte"
	OperatorContains   ConditionOperator = "contains"
	OperatorStartsWith ConditionOperator = "starts_with"
	OperatorInSet      ConditionOperator = "in"
	OperatorDateWithin ConditionOperator = "date_within"
)

// JoinOperator links a condition to the one before it in sequence order
type JoinOperator string

const (
	JoinAnd JoinOperator = "and"
	JoinOr  JoinOperator = "or"
)

// RuleCondition is one predicate in a rule's condition set. Conditions are
// evaluated in sequence order; GroupRef partitions them into sub-expressions
// that are ANDed at the top level. The join operator of the first condition
// in a group carries no meaning.
type RuleCondition struct {
	ID           uuid.UUID         `db:"id" json:"id"`
	RuleID       uuid.UUID         `db:"rule_id" json:"rule_id"`
	FieldPath    string            `db:"field_path" json:"field_path"`
	Operator     ConditionOperator `db:"operator" json:"operator"`
	Value        string            `db:"value" json:"value"`
	Sequence     int               `db:"sequence" json:"sequence"`
	JoinOperator JoinOperator      `db:"join_operator" json:"join_operator"`
	GroupRef     *string           `db:"group_ref" json:"group_ref,omitempty"`
}

// TableName returns the database table name
func (RuleCondition) TableName() string {
	return "rule_conditions"
}

// RuleConditionInput is the authoring payload for a condition
type RuleConditionInput struct {
	FieldPath    string            `json:"field_path" validate:"required"`
	Operator     ConditionOperator `json:"operator" validate:"required"`
	Value        string            `json:"value"`
	JoinOperator JoinOperator      `json:"join_operator" validate:"omitempty,oneof=and or"`
	GroupRef     *string           `json:"group_ref,omitempty"`
}
