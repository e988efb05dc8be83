package builtin

import (
	"context"
	"database/sql"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/settler/internal/database"
	"github.com/tidemark/settler/pkg/actions"
	"github.com/tidemark/settler/pkg/chain"
	"github.com/tidemark/settler/pkg/models"
	"github.com/tidemark/settler/pkg/repositories"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// chainStore is an in-memory settlement store with the repository's
// compare-and-set guard on Supersede. beforeSupersede, when set, runs once
// at the top of Supersede to slip a competing write into the race window.
type chainStore struct {
	rows            map[uuid.UUID]*models.Settlement
	beforeSupersede func()
}

func newChainStore() *chainStore {
	return &chainStore{rows: make(map[uuid.UUID]*models.Settlement)}
}

func (s *chainStore) Create(_ context.Context, settlement *models.Settlement) error {
	cp := *settlement
	s.rows[settlement.ID] = &cp
	return nil
}

func (s *chainStore) GetByID(_ context.Context, id uuid.UUID) (*models.Settlement, error) {
	row, ok := s.rows[id]
	if !ok {
		return nil, repositories.NotFound("settlement %s not found", id)
	}
	cp := *row
	return &cp, nil
}

func (s *chainStore) Supersede(_ context.Context, id uuid.UUID, rowVersion int) error {
	if s.beforeSupersede != nil {
		hook := s.beforeSupersede
		s.beforeSupersede = nil
		hook()
	}
	row, ok := s.rows[id]
	if !ok || !row.IsLatestVersion || row.RowVersion != rowVersion {
		return repositories.Conflict("settlement %s was modified concurrently", id)
	}
	row.IsLatestVersion = false
	row.RowVersion++
	return nil
}

func (s *chainStore) GetLatest(_ context.Context, originalID uuid.UUID) (*models.Settlement, error) {
	for _, row := range s.rows {
		if row.ChainRootID() == originalID && row.IsLatestVersion {
			cp := *row
			return &cp, nil
		}
	}
	return nil, repositories.NotFound("no settlement chain rooted at %s", originalID)
}

func (s *chainStore) GetChain(_ context.Context, originalID uuid.UUID) ([]models.Settlement, error) {
	var versions []models.Settlement
	for _, row := range s.rows {
		if row.ChainRootID() == originalID {
			versions = append(versions, *row)
		}
	}
	if len(versions) == 0 {
		return nil, repositories.NotFound("no settlement chain rooted at %s", originalID)
	}
	return versions, nil
}

func (s *chainStore) Finalize(_ context.Context, id uuid.UUID) error {
	row, ok := s.rows[id]
	if !ok || !row.IsLatestVersion || row.IsFinalized {
		return repositories.Conflict("settlement %s cannot be finalized", id)
	}
	row.IsFinalized = true
	return nil
}

type stubTx struct{ open bool }

func (t *stubTx) IsOpen() bool                   { return t.open }
func (t *stubTx) Commit(context.Context) error   { t.open = false; return nil }
func (t *stubTx) Rollback(context.Context) error { t.open = false; return nil }
func (t *stubTx) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, nil
}
func (t *stubTx) GetContext(context.Context, any, string, ...any) error    { return nil }
func (t *stubTx) SelectContext(context.Context, any, string, ...any) error { return nil }
func (t *stubTx) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, nil
}
func (t *stubTx) QueryRowContext(context.Context, string, ...any) *sql.Row { return nil }

type stubTxStarter struct{}

func (stubTxStarter) GetTx(ctx context.Context, _ *sql.TxOptions) (context.Context, database.Tx, error) {
	return ctx, &stubTx{open: true}, nil
}

func amendParams() map[string]any {
	return map[string]any{
		"amendment_type": "price_revision",
		"reason":         "platts index restated",
	}
}

func amendContext(settlementID uuid.UUID) *actions.Context {
	return actions.NewContext(
		models.AutomationRule{ID: uuid.New(), Name: "reprice on index restatement"},
		models.TriggerEvent{EventID: "evt-2291", EventType: models.TriggerTypeCompletion},
		models.Candidate{
			SubjectID:    "cargo-8812",
			SubjectType:  "contract",
			SettlementID: &settlementID,
			Facts: map[string]any{
				"quantity":   80000.0,
				"unit_price": 71.5,
			},
		},
	)
}

func seedChain(t *testing.T, store *chainStore) *models.Settlement {
	t.Helper()
	m := chain.NewManager(store, stubTxStarter{}, testLogger())
	root, err := m.CreateInitial(context.Background(),
		models.ContractRef{Kind: models.ContractKindPurchase, ID: uuid.New()},
		"BRENT-2025-0731",
		models.SettlementPayload{Currency: "USD", Quantity: 80000, UnitPrice: 70, TotalAmount: 5_600_000})
	require.NoError(t, err)
	return root
}

func TestAmendSettlement_StaleCandidateTargetsCurrentHead(t *testing.T) {
	store := newChainStore()
	manager := chain.NewManager(store, stubTxStarter{}, testLogger())
	handler := NewAmendSettlementHandler(manager, testLogger())
	ctx := context.Background()

	root := seedChain(t, store)
	v2, err := manager.Amend(ctx, root.ID, models.SettlementPayload{Currency: "USD", TotalAmount: 5_650_000},
		models.AmendmentTypeCorrection, "demurrage added")
	require.NoError(t, err)

	// The candidate still references the superseded root
	result, err := handler.Execute(ctx, amendContext(root.ID), amendParams())
	require.NoError(t, err)
	require.True(t, result.Success)

	head, err := manager.GetLatest(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, head.Sequence)
	assert.Equal(t, v2.ID, *head.PreviousSettlementID)
}

func TestAmendSettlement_RetryAfterLostRaceSucceeds(t *testing.T) {
	store := newChainStore()
	manager := chain.NewManager(store, stubTxStarter{}, testLogger())
	handler := NewAmendSettlementHandler(manager, testLogger())
	ctx := context.Background()

	root := seedChain(t, store)

	// A competing amendment wins the race inside the first attempt's window:
	// it supersedes the root and installs its own head before the CAS runs.
	store.beforeSupersede = func() {
		rootRow := store.rows[root.ID]
		rootRow.IsLatestVersion = false
		rootRow.RowVersion++
		winnerOrigin := root.ID
		winner := &models.Settlement{
			ID:                   uuid.New(),
			ContractType:         root.ContractType,
			ContractID:           root.ContractID,
			DealRef:              root.DealRef,
			PreviousSettlementID: &root.ID,
			OriginalSettlementID: &winnerOrigin,
			Sequence:             2,
			AmendmentType:        models.AmendmentTypeCorrection,
			IsLatestVersion:      true,
			RowVersion:           1,
		}
		store.rows[winner.ID] = winner
	}

	_, err := handler.Execute(ctx, amendContext(root.ID), amendParams())
	require.Error(t, err)
	assert.True(t, repositories.IsConflict(err), "the losing attempt surfaces Conflict, not NotFound")

	// The single retry re-resolves the head and lands on the winner's version
	result, err := handler.Execute(ctx, amendContext(root.ID), amendParams())
	require.NoError(t, err)
	require.True(t, result.Success)

	head, err := manager.GetLatest(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, head.Sequence)
}

func TestAmendSettlement_UnknownTypeRejected(t *testing.T) {
	handler := NewAmendSettlementHandler(chain.NewManager(newChainStore(), stubTxStarter{}, testLogger()), testLogger())

	err := handler.ValidateParams(map[string]any{"amendment_type": "rewrite"})
	require.Error(t, err)
	assert.True(t, repositories.IsConfiguration(err))
}
