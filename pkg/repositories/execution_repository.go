package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/tidemark/settler/internal/database"
	"github.com/tidemark/settler/internal/tracing"
	"github.com/tidemark/settler/pkg/models"
)

const executionsTable = "rule_execution_records"

var executionStruct = database.NewStruct(new(models.RuleExecutionRecord))

// ExecutionRepository handles database operations for rule execution records
type ExecutionRepository struct {
	*Repository
}

// NewExecutionRepository creates a new execution record repository
func NewExecutionRepository(db database.DB, logger ectologger.Logger) *ExecutionRepository {
	return &ExecutionRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create inserts a new execution record
func (r *ExecutionRepository) Create(ctx context.Context, record *models.RuleExecutionRecord) error {
	ctx, span := tracing.StartSpan(ctx, "ExecutionRepository.Create")
	defer span.End()

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(executionsTable).
		Cols("id", "rule_id", "trigger_source", "trigger_event_id", "subject_id", "dedupe_key",
			"status", "started_at", "completed_at", "duration_ms", "settlements_affected",
			"conditions_evaluated", "actions_executed", "error_message", "error_type",
			"log", "affected_settlements", "created_at", "updated_at").
		Values(record.ID, record.RuleID, record.TriggerSource, record.TriggerEventID, record.SubjectID, record.DedupeKey,
			record.Status, record.StartedAt, record.CompletedAt, record.DurationMS, record.SettlementsAffected,
			record.ConditionsEvaluated, record.ActionsExecuted, record.ErrorMessage, record.ErrorType,
			record.Log, record.AffectedSettlements, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err := r.DB().QueryRowContext(ctx, query, args...).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"execution_id": record.ID,
			"rule_id":      record.RuleID,
		}).Error("failed to create execution record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create execution record")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"execution_id": record.ID,
		"rule_id":      record.RuleID,
	}).Debugf("Created %s", executionsTable)
	return nil
}

// GetByID retrieves an execution record by ID
func (r *ExecutionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.RuleExecutionRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "ExecutionRepository.GetByID")
	defer span.End()

	sb := executionStruct.SelectFrom(executionsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var record models.RuleExecutionRecord
	err := r.DB().GetContext(ctx, &record, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("execution record %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"execution_id": id,
		}).Error("failed to get execution record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get execution record")
	}

	return &record, nil
}

// ListByRule retrieves the most recent execution records for a rule
func (r *ExecutionRepository) ListByRule(ctx context.Context, ruleID uuid.UUID, limit int) ([]models.RuleExecutionRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "ExecutionRepository.ListByRule")
	defer span.End()

	sb := executionStruct.SelectFrom(executionsTable)
	sb.Where(sb.Equal("rule_id", ruleID))
	sb.OrderBy("started_at").Desc()
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var records []models.RuleExecutionRecord
	if err := r.DB().SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": ruleID,
		}).Error("failed to list execution records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list execution records")
	}

	return records, nil
}

// ExistsByDedupeKey reports whether a non-skipped record with the given
// dedupe key was started within the window. Used by the orchestrator to
// suppress redelivered trigger events.
func (r *ExecutionRepository) ExistsByDedupeKey(ctx context.Context, dedupeKey string, window time.Duration) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "ExecutionRepository.ExistsByDedupeKey")
	defer span.End()

	cutoff := time.Now().Add(-window)
	sb := database.NewSelectBuilder()
	sb.Select("COUNT(1)").From(executionsTable)
	sb.Where(
		sb.Equal("dedupe_key", dedupeKey),
		sb.NotEqual("status", models.ExecutionStatusSkipped),
		sb.GreaterEqualThan("started_at", cutoff),
	)

	query, args := sb.Build()
	var count int
	if err := r.DB().GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"dedupe_key": dedupeKey,
		}).Error("failed to check dedupe key")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to check dedupe key")
	}

	return count > 0, nil
}

// AppendLog appends an entry to an open record's log. Finalized records are
// immutable, so closed rows are not touched.
func (r *ExecutionRepository) AppendLog(ctx context.Context, id uuid.UUID, entry string) error {
	ctx, span := tracing.StartSpan(ctx, "ExecutionRepository.AppendLog")
	defer span.End()

	query := `
		UPDATE rule_execution_records
		SET log = log || to_jsonb($1::text), updated_at = NOW()
		WHERE id = $2 AND status = $3`

	result, err := r.DB().ExecContext(ctx, query, entry, id, models.ExecutionStatusRunning)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"execution_id": id,
		}).Error("failed to append execution log")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append execution log")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append execution log")
	}
	if rows == 0 {
		return Conflict("execution record %s is not running", id)
	}

	return nil
}

// MarkCompleted finalizes a running record with its terminal status and
// counts. A record can only be finalized once.
func (r *ExecutionRepository) MarkCompleted(ctx context.Context, record *models.RuleExecutionRecord) error {
	ctx, span := tracing.StartSpan(ctx, "ExecutionRepository.MarkCompleted")
	defer span.End()

	now := time.Now()
	record.CompletedAt = &now
	durationMS := now.Sub(record.StartedAt).Milliseconds()
	record.DurationMS = &durationMS

	ub := database.NewUpdateBuilder()
	ub.Update(executionsTable).
		Set(
			ub.Assign("status", record.Status),
			ub.Assign("completed_at", record.CompletedAt),
			ub.Assign("duration_ms", record.DurationMS),
			ub.Assign("settlements_affected", record.SettlementsAffected),
			ub.Assign("conditions_evaluated", record.ConditionsEvaluated),
			ub.Assign("actions_executed", record.ActionsExecuted),
			ub.Assign("error_message", record.ErrorMessage),
			ub.Assign("error_type", record.ErrorType),
			ub.Assign("log", record.Log),
			ub.Assign("affected_settlements", record.AffectedSettlements),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", record.ID), ub.Equal("status", models.ExecutionStatusRunning))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"execution_id": record.ID,
		}).Error("failed to mark execution completed")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark execution completed")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark execution completed")
	}
	if rows == 0 {
		return Conflict("execution record %s is not running", record.ID)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"execution_id": record.ID,
		"status":       record.Status,
	}).Infof("Marked %s as %s", executionsTable, record.Status)
	return nil
}
