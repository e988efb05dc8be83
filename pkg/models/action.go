package models

import (
	"github.com/google/uuid"

	"github.com/tidemark/settler/internal/database"
)

// Well-known action type tags. The registry accepts any registered tag;
// these are the built-ins.
const (
	ActionTypeCreateSettlement = "create_settlement"
	ActionTypeAmendSettlement  = "amend_settlement"
	ActionTypeNotify           = "notify"
	ActionTypeEscalate         = "escalate"
)

// RuleAction is one step in a rule's action pipeline. Actions run strictly
// in sequence order; a failing action with StopOnFailure set halts the
// pipeline for that item.
type RuleAction struct {
	ID                   uuid.UUID                       `db:"id" json:"id"`
	RuleID               uuid.UUID                       `db:"rule_id" json:"rule_id"`
	ActionType           string                          `db:"action_type" json:"action_type"`
	Sequence             int                             `db:"sequence" json:"sequence"`
	Params               database.JSONB[map[string]any]  `db:"params" json:"params"`
	StopOnFailure        bool                            `db:"stop_on_failure" json:"stop_on_failure"`
	NotificationTemplate *string                         `db:"notification_template" json:"notification_template,omitempty"`
}

// TableName returns the database table name
func (RuleAction) TableName() string {
	return "rule_actions"
}

// RuleActionInput is the authoring payload for an action
type RuleActionInput struct {
	ActionType           string         `json:"action_type" validate:"required"`
	Params               map[string]any `json:"params"`
	StopOnFailure        bool           `json:"stop_on_failure"`
	NotificationTemplate *string        `json:"notification_template,omitempty"`
}
