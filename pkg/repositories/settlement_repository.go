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

const settlementsTable = "settlements"

var settlementStruct = database.NewStruct(new(models.Settlement))

// SettlementRepository handles database operations for settlement versions.
// Amendment chain writes live here; the chain manager is the only caller
// that should create or supersede versions.
type SettlementRepository struct {
	*Repository
}

// NewSettlementRepository creates a new settlement repository
func NewSettlementRepository(db database.DB, logger ectologger.Logger) *SettlementRepository {
	return &SettlementRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create inserts a settlement version row
func (r *SettlementRepository) Create(ctx context.Context, settlement *models.Settlement) error {
	ctx, span := tracing.StartSpan(ctx, "SettlementRepository.Create")
	defer span.End()

	if settlement.ID == uuid.Nil {
		settlement.ID = uuid.New()
	}
	if settlement.RowVersion == 0 {
		settlement.RowVersion = 1
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(settlementsTable).
		Cols("id", "contract_type", "contract_id", "deal_ref", "previous_settlement_id",
			"original_settlement_id", "sequence", "amendment_type", "amendment_reason",
			"is_latest_version", "superseded_at", "is_finalized", "finalized_at",
			"row_version", "payload", "created_at", "updated_at").
		Values(settlement.ID, settlement.ContractType, settlement.ContractID, settlement.DealRef, settlement.PreviousSettlementID,
			settlement.OriginalSettlementID, settlement.Sequence, settlement.AmendmentType, settlement.AmendmentReason,
			settlement.IsLatestVersion, settlement.SupersededAt, settlement.IsFinalized, settlement.FinalizedAt,
			settlement.RowVersion, settlement.Payload, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err := r.DB().QueryRowContext(ctx, query, args...).Scan(&settlement.CreatedAt, &settlement.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"settlement_id": settlement.ID,
		}).Error("failed to create settlement")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create settlement")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"settlement_id": settlement.ID,
		"sequence":      settlement.Sequence,
	}).Debugf("Created %s", settlementsTable)
	return nil
}

// GetByID retrieves a settlement version by ID
func (r *SettlementRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Settlement, error) {
	ctx, span := tracing.StartSpan(ctx, "SettlementRepository.GetByID")
	defer span.End()

	sb := settlementStruct.SelectFrom(settlementsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var settlement models.Settlement
	err := r.DB().GetContext(ctx, &settlement, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("settlement %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"settlement_id": id,
		}).Error("failed to get settlement")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get settlement")
	}

	return &settlement, nil
}

// Supersede flips the latest flag off the given head row, guarded by its
// row version stamp. A concurrent amendment that got there first leaves
// zero rows affected, which surfaces as Conflict.
func (r *SettlementRepository) Supersede(ctx context.Context, id uuid.UUID, rowVersion int) error {
	ctx, span := tracing.StartSpan(ctx, "SettlementRepository.Supersede")
	defer span.End()

	now := time.Now()
	ub := database.NewUpdateBuilder()
	ub.Update(settlementsTable).
		Set(
			ub.Assign("is_latest_version", false),
			ub.Assign("superseded_at", now),
			ub.Assign("row_version", sqlbuilder.Raw("row_version + 1")),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(
			ub.Equal("id", id),
			ub.Equal("is_latest_version", true),
			ub.Equal("row_version", rowVersion),
		)

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"settlement_id": id,
		}).Error("failed to supersede settlement")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to supersede settlement")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to supersede settlement")
	}
	if rows == 0 {
		return Conflict("settlement %s was amended concurrently", id)
	}

	return nil
}

// GetLatest retrieves the current head of the chain rooted at the given
// original settlement ID. The root's own ID works too since its
// original_settlement_id is null.
func (r *SettlementRepository) GetLatest(ctx context.Context, originalID uuid.UUID) (*models.Settlement, error) {
	ctx, span := tracing.StartSpan(ctx, "SettlementRepository.GetLatest")
	defer span.End()

	sb := settlementStruct.SelectFrom(settlementsTable)
	sb.Where(
		sb.Or(sb.Equal("original_settlement_id", originalID), sb.Equal("id", originalID)),
		sb.Equal("is_latest_version", true),
	)

	query, args := sb.Build()
	var settlement models.Settlement
	err := r.DB().GetContext(ctx, &settlement, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("no settlement chain rooted at %s", originalID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"original_settlement_id": originalID,
		}).Error("failed to get latest settlement")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get latest settlement")
	}

	return &settlement, nil
}

// GetChain retrieves all versions of a chain ordered by sequence
func (r *SettlementRepository) GetChain(ctx context.Context, originalID uuid.UUID) ([]models.Settlement, error) {
	ctx, span := tracing.StartSpan(ctx, "SettlementRepository.GetChain")
	defer span.End()

	sb := settlementStruct.SelectFrom(settlementsTable)
	sb.Where(sb.Or(sb.Equal("original_settlement_id", originalID), sb.Equal("id", originalID)))
	sb.OrderBy("sequence")

	query, args := sb.Build()
	var settlements []models.Settlement
	if err := r.DB().SelectContext(ctx, &settlements, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"original_settlement_id": originalID,
		}).Error("failed to get settlement chain")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get settlement chain")
	}
	if len(settlements) == 0 {
		return nil, NotFound("no settlement chain rooted at %s", originalID)
	}

	return settlements, nil
}

// ListHeadsByContract retrieves current settlement versions for a contract
func (r *SettlementRepository) ListHeadsByContract(ctx context.Context, ref models.ContractRef) ([]models.Settlement, error) {
	ctx, span := tracing.StartSpan(ctx, "SettlementRepository.ListHeadsByContract")
	defer span.End()

	sb := settlementStruct.SelectFrom(settlementsTable)
	sb.Where(
		sb.Equal("contract_type", ref.Kind),
		sb.Equal("contract_id", ref.ID),
		sb.Equal("is_latest_version", true),
	)
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var settlements []models.Settlement
	if err := r.DB().SelectContext(ctx, &settlements, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"contract_id": ref.ID,
		}).Error("failed to list settlements by contract")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list settlements by contract")
	}

	return settlements, nil
}

// Finalize freezes the current head of a chain. A finalized head can still
// be superseded by an amendment, but its own fields stop being mutable.
func (r *SettlementRepository) Finalize(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "SettlementRepository.Finalize")
	defer span.End()

	now := time.Now()
	ub := database.NewUpdateBuilder()
	ub.Update(settlementsTable).
		Set(
			ub.Assign("is_finalized", true),
			ub.Assign("finalized_at", now),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(
			ub.Equal("id", id),
			ub.Equal("is_latest_version", true),
			ub.Equal("is_finalized", false),
		)

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"settlement_id": id,
		}).Error("failed to finalize settlement")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to finalize settlement")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to finalize settlement")
	}
	if rows == 0 {
		return Conflict("settlement %s is not an unfinalized head", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"settlement_id": id,
	}).Infof("Finalized settlement %s", id)
	return nil
}

// UpdatePayload mutates the payload of an open head in place. Finalized
// rows are frozen and reject direct mutation; amend instead.
func (r *SettlementRepository) UpdatePayload(ctx context.Context, id uuid.UUID, payload models.SettlementPayload) error {
	ctx, span := tracing.StartSpan(ctx, "SettlementRepository.UpdatePayload")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(settlementsTable).
		Set(
			ub.Assign("payload", database.NewJSONB(payload)),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(
			ub.Equal("id", id),
			ub.Equal("is_latest_version", true),
			ub.Equal("is_finalized", false),
		)

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"settlement_id": id,
		}).Error("failed to update settlement payload")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update settlement payload")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update settlement payload")
	}
	if rows == 0 {
		return Conflict("settlement %s is finalized or not the current version", id)
	}

	return nil
}
