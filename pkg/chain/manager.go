// Package chain manages settlement amendment chains: append-only version
// creation with an atomically moving "latest" pointer.
package chain

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/tidemark/settler/internal/database"
	"github.com/tidemark/settler/internal/tracing"
	"github.com/tidemark/settler/pkg/models"
	"github.com/tidemark/settler/pkg/repositories"
)

// SettlementStore is the persistence surface the chain manager writes
// through. Satisfied by repositories.SettlementRepository.
type SettlementStore interface {
	Create(ctx context.Context, settlement *models.Settlement) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Settlement, error)
	Supersede(ctx context.Context, id uuid.UUID, rowVersion int) error
	GetLatest(ctx context.Context, originalID uuid.UUID) (*models.Settlement, error)
	GetChain(ctx context.Context, originalID uuid.UUID) ([]models.Settlement, error)
	Finalize(ctx context.Context, id uuid.UUID) error
}

// TxStarter opens the transaction the flag flip and insert share.
type TxStarter interface {
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error)
}

// Manager is the single write path into settlement chains. Actions that
// create or revise settlements must go through it so the single-latest
// invariant holds.
type Manager struct {
	settlements SettlementStore
	tx          TxStarter
	logger      ectologger.Logger
}

// NewManager creates a new amendment chain manager
func NewManager(settlements SettlementStore, tx TxStarter, logger ectologger.Logger) *Manager {
	return &Manager{
		settlements: settlements,
		tx:          tx,
		logger:      logger,
	}
}

// CreateInitial creates the first version of a new chain. The row is its
// own origin, carries sequence 1 and is immediately the latest version.
func (m *Manager) CreateInitial(ctx context.Context, ref models.ContractRef, dealRef string, payload models.SettlementPayload) (*models.Settlement, error) {
	ctx, span := tracing.StartSpan(ctx, "chain.Manager.CreateInitial")
	defer span.End()

	if err := ref.Validate(); err != nil {
		return nil, repositories.BadRequest(err.Error())
	}

	settlement := &models.Settlement{
		ID:              uuid.New(),
		ContractType:    ref.Kind,
		ContractID:      ref.ID,
		DealRef:         dealRef,
		Sequence:        1,
		AmendmentType:   models.AmendmentTypeInitial,
		IsLatestVersion: true,
		RowVersion:      1,
		Payload:         models.SettlementPayloadJSONB(payload),
	}

	if err := m.settlements.Create(ctx, settlement); err != nil {
		return nil, err
	}

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"settlement_id": settlement.ID,
		"deal_ref":      dealRef,
	}).Infof("Created initial settlement %s", settlement.ID)
	return settlement, nil
}

// Amend supersedes the current head of a chain with a new version.
//
// The target must be the current latest version of its chain; amending a
// superseded row fails with NotFound and callers must re-resolve the head.
// The flag flip on the previous row and the insert of the new row happen in
// one transaction, and the flip is guarded by the previous row's version
// stamp, so of two concurrent amendments exactly one wins and the other
// observes Conflict.
func (m *Manager) Amend(ctx context.Context, previousID uuid.UUID, payload models.SettlementPayload, amendmentType models.AmendmentType, reason string) (*models.Settlement, error) {
	ctx, span := tracing.StartSpan(ctx, "chain.Manager.Amend")
	defer span.End()

	if amendmentType == models.AmendmentTypeInitial {
		return nil, repositories.BadRequest("amendment type initial is reserved for chain roots")
	}

	previous, err := m.settlements.GetByID(ctx, previousID)
	if err != nil {
		return nil, err
	}
	if !previous.IsLatestVersion {
		return nil, repositories.NotFound("settlement %s is not the current version of its chain", previousID)
	}

	originalID := previous.ChainRootID()
	next := &models.Settlement{
		ID:                   uuid.New(),
		ContractType:         previous.ContractType,
		ContractID:           previous.ContractID,
		DealRef:              previous.DealRef,
		PreviousSettlementID: &previous.ID,
		OriginalSettlementID: &originalID,
		Sequence:             previous.Sequence + 1,
		AmendmentType:        amendmentType,
		IsLatestVersion:      true,
		RowVersion:           1,
		Payload:              models.SettlementPayloadJSONB(payload),
	}
	if reason != "" {
		next.AmendmentReason = &reason
	}

	ctx, tx, err := m.tx.GetTx(ctx, nil)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	if err := m.settlements.Supersede(ctx, previous.ID, previous.RowVersion); err != nil {
		return nil, err
	}
	if err := m.settlements.Create(ctx, next); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to amend settlement")
	}

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"settlement_id":  next.ID,
		"previous_id":    previous.ID,
		"sequence":       next.Sequence,
		"amendment_type": amendmentType,
	}).Infof("Amended settlement %s to version %d", originalID, next.Sequence)
	return next, nil
}

// GetLatest returns the current head of the chain rooted at originalID
func (m *Manager) GetLatest(ctx context.Context, originalID uuid.UUID) (*models.Settlement, error) {
	return m.settlements.GetLatest(ctx, originalID)
}

// ResolveHead returns the current head of the chain that id belongs to. The
// id may name any version; a superseded row resolves forward to whatever
// superseded it, so callers retrying after a lost amendment race target the
// winner's head rather than their stale snapshot.
func (m *Manager) ResolveHead(ctx context.Context, id uuid.UUID) (*models.Settlement, error) {
	ctx, span := tracing.StartSpan(ctx, "chain.Manager.ResolveHead")
	defer span.End()

	settlement, err := m.settlements.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if settlement.IsLatestVersion {
		return settlement, nil
	}
	return m.settlements.GetLatest(ctx, settlement.ChainRootID())
}

// GetChain returns every version of a chain ordered by sequence
func (m *Manager) GetChain(ctx context.Context, originalID uuid.UUID) ([]models.Settlement, error) {
	return m.settlements.GetChain(ctx, originalID)
}

// Finalize freezes the current head. A finalized head can still be
// superseded by Amend; only in-place mutation is rejected from then on.
func (m *Manager) Finalize(ctx context.Context, id uuid.UUID) error {
	return m.settlements.Finalize(ctx, id)
}
