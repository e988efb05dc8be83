package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/tidemark/settler/internal/database"
)

// ExecutionStatus represents the status of a rule run
type ExecutionStatus string

const (
	ExecutionStatusRunning            ExecutionStatus = "running"
	ExecutionStatusSucceeded          ExecutionStatus = "succeeded"
	ExecutionStatusFailed             ExecutionStatus = "failed"
	ExecutionStatusPartiallySucceeded ExecutionStatus = "partially_succeeded"
	ExecutionStatusSkipped            ExecutionStatus = "skipped"
)

// ErrorType classifies a run failure for retry decisions
type ErrorType string

const (
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeConflict      ErrorType = "conflict"
	ErrorTypeTransient     ErrorType = "transient"
	ErrorTypePermanent     ErrorType = "permanent"
)

// RuleExecutionRecord is the audit trail of a single rule run. Created as
// running at invocation start, finalized exactly once at run end; only the
// log may be appended while the run is open.
type RuleExecutionRecord struct {
	ID                  uuid.UUID                      `db:"id" json:"id"`
	RuleID              uuid.UUID                      `db:"rule_id" json:"rule_id"`
	TriggerSource       TriggerType                    `db:"trigger_source" json:"trigger_source"`
	TriggerEventID      string                         `db:"trigger_event_id" json:"trigger_event_id"`
	SubjectID           *string                        `db:"subject_id" json:"subject_id,omitempty"`
	DedupeKey           *string                        `db:"dedupe_key" json:"dedupe_key,omitempty"`
	Status              ExecutionStatus                `db:"status" json:"status"`
	StartedAt           time.Time                      `db:"started_at" json:"started_at"`
	CompletedAt         *time.Time                     `db:"completed_at" json:"completed_at,omitempty"`
	DurationMS          *int64                         `db:"duration_ms" json:"duration_ms,omitempty"`
	SettlementsAffected int                            `db:"settlements_affected" json:"settlements_affected"`
	ConditionsEvaluated int                            `db:"conditions_evaluated" json:"conditions_evaluated"`
	ActionsExecuted     int                            `db:"actions_executed" json:"actions_executed"`
	ErrorMessage        *string                        `db:"error_message" json:"error_message,omitempty"`
	ErrorType           *ErrorType                     `db:"error_type" json:"error_type,omitempty"`
	Log                 database.JSONB[[]string]       `db:"log" json:"log"`
	AffectedSettlements database.JSONB[[]uuid.UUID]    `db:"affected_settlements" json:"affected_settlements"`
	CreatedAt           time.Time                      `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time                      `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (RuleExecutionRecord) TableName() string {
	return "rule_execution_records"
}
