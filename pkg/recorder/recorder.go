// Package recorder tracks rule runs: it opens the audit record when an
// invocation starts and finalizes it together with the rule's rolling
// counters when the run ends.
package recorder

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/tidemark/settler/internal/database"
	"github.com/tidemark/settler/internal/tracing"
	"github.com/tidemark/settler/pkg/models"
)

// ExecutionStore is the record persistence surface. Satisfied by
// repositories.ExecutionRepository.
type ExecutionStore interface {
	Create(ctx context.Context, record *models.RuleExecutionRecord) error
	AppendLog(ctx context.Context, id uuid.UUID, entry string) error
	MarkCompleted(ctx context.Context, record *models.RuleExecutionRecord) error
}

// RuleCounterStore rolls run outcomes into the owning rule. Satisfied by
// repositories.RuleRepository.
type RuleCounterStore interface {
	ApplyRunOutcome(ctx context.Context, id uuid.UUID, succeeded bool, ranAt time.Time, runErr *string) error
	SetLastExecutionError(ctx context.Context, id uuid.UUID, message string) error
}

// TxStarter opens the transaction Close uses to finalize the record and the
// counters together.
type TxStarter interface {
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error)
}

// Recorder owns the lifecycle of rule execution records.
type Recorder struct {
	executions ExecutionStore
	rules      RuleCounterStore
	tx         TxStarter
	logger     ectologger.Logger
}

// NewRecorder creates a new execution recorder
func NewRecorder(executions ExecutionStore, rules RuleCounterStore, tx TxStarter, logger ectologger.Logger) *Recorder {
	return &Recorder{
		executions: executions,
		rules:      rules,
		tx:         tx,
		logger:     logger,
	}
}

// Open creates the running record for a rule invocation.
func (r *Recorder) Open(ctx context.Context, rule models.AutomationRule, trigger models.TriggerEvent, dedupeKey *string) (*models.RuleExecutionRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "recorder.Recorder.Open")
	defer span.End()

	record := &models.RuleExecutionRecord{
		ID:             uuid.New(),
		RuleID:         rule.ID,
		TriggerSource:  trigger.EventType,
		TriggerEventID: trigger.Identity(),
		DedupeKey:      dedupeKey,
		Status:         models.ExecutionStatusRunning,
		StartedAt:      time.Now(),
	}
	if trigger.SubjectID != "" {
		subject := trigger.SubjectID
		record.SubjectID = &subject
	}

	if err := r.executions.Create(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Append adds an entry to the open record, both in memory and in storage.
func (r *Recorder) Append(ctx context.Context, record *models.RuleExecutionRecord, entry string) {
	record.Log.Data = append(record.Log.Data, entry)
	if err := r.executions.AppendLog(ctx, record.ID, entry); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"execution_id": record.ID,
		}).Warnf("Failed to persist execution log entry")
	}
}

// Close finalizes the record and rolls its outcome into the owning rule's
// counters in one transaction, so the run is not observed as closed before
// the counters are durable. Only a fully succeeded run counts as a success.
func (r *Recorder) Close(ctx context.Context, record *models.RuleExecutionRecord) error {
	ctx, span := tracing.StartSpan(ctx, "recorder.Recorder.Close")
	defer span.End()

	ctx, tx, err := r.tx.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	if err := r.executions.MarkCompleted(ctx, record); err != nil {
		return err
	}

	succeeded := record.Status == models.ExecutionStatusSucceeded
	var runErr *string
	if record.Status == models.ExecutionStatusFailed && record.ErrorMessage != nil {
		runErr = record.ErrorMessage
	}

	if err := r.rules.ApplyRunOutcome(ctx, record.RuleID, succeeded, record.StartedAt, runErr); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to close execution record")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"execution_id": record.ID,
		"rule_id":      record.RuleID,
		"status":       record.Status,
	}).Infof("Closed execution record %s as %s", record.ID, record.Status)
	return nil
}

// RecordSkipped writes an already-closed record noting that a redelivered
// trigger was deduplicated. Skipped records do not touch rule counters.
func (r *Recorder) RecordSkipped(ctx context.Context, rule models.AutomationRule, trigger models.TriggerEvent, dedupeKey string) error {
	ctx, span := tracing.StartSpan(ctx, "recorder.Recorder.RecordSkipped")
	defer span.End()

	now := time.Now()
	var durationMS int64
	record := &models.RuleExecutionRecord{
		ID:             uuid.New(),
		RuleID:         rule.ID,
		TriggerSource:  trigger.EventType,
		TriggerEventID: trigger.Identity(),
		DedupeKey:      &dedupeKey,
		Status:         models.ExecutionStatusSkipped,
		StartedAt:      now,
		CompletedAt:    &now,
		DurationMS:     &durationMS,
	}
	record.Log.Data = []string{"skipped: trigger event already processed within dedupe window"}
	if trigger.SubjectID != "" {
		subject := trigger.SubjectID
		record.SubjectID = &subject
	}

	return r.executions.Create(ctx, record)
}

// FlagConfigurationError persists a configuration failure onto the rule so
// operators see it without digging through execution records.
func (r *Recorder) FlagConfigurationError(ctx context.Context, ruleID uuid.UUID, message string) {
	if err := r.rules.SetLastExecutionError(ctx, ruleID, message); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": ruleID,
		}).Warnf("Failed to flag configuration error on rule")
	}
}
