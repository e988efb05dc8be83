package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TriggerType is the class of event that fires rule dispatch
type TriggerType string

const (
	TriggerTypeCompletion TriggerType = "completion"
	TriggerTypeSchedule   TriggerType = "schedule"
	TriggerTypeManual     TriggerType = "manual"
)

// TriggerEvent is an inbound event asking the dispatcher to consider rules.
// Manual events must name a rule; Force additionally selects it even when
// disabled, which is logged as an operator override.
type TriggerEvent struct {
	EventID     string      `json:"event_id"`
	EventType   TriggerType `json:"event_type"`
	SubjectID   string      `json:"subject_id"`
	SubjectType string      `json:"subject_type"`
	OccurredAt  time.Time   `json:"occurred_at"`
	RuleID      *uuid.UUID  `json:"rule_id,omitempty"`
	Force       bool        `json:"force,omitempty"`
}

// Identity returns the stable identity of this event across redeliveries.
func (e TriggerEvent) Identity() string {
	if e.EventID != "" {
		return e.EventID
	}
	return fmt.Sprintf("%s:%s:%s", e.EventType, e.SubjectType, e.SubjectID)
}

func (e TriggerEvent) Validate() error {
	switch e.EventType {
	case TriggerTypeCompletion, TriggerTypeSchedule, TriggerTypeManual:
	default:
		return fmt.Errorf("unknown event type %q", e.EventType)
	}
	if e.EventType == TriggerTypeManual && e.RuleID == nil {
		return fmt.Errorf("manual trigger requires a rule id")
	}
	if e.EventType == TriggerTypeCompletion && e.SubjectID == "" {
		return fmt.Errorf("completion trigger requires a subject id")
	}
	return nil
}
