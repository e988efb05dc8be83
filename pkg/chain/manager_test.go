package chain

import (
	"context"
	"database/sql"
	"sort"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/settler/internal/database"
	"github.com/tidemark/settler/pkg/models"
	"github.com/tidemark/settler/pkg/repositories"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// memStore is an in-memory SettlementStore with the same guard semantics as
// the Postgres repository: Supersede is a compare-and-set on the head flag
// and row version.
type memStore struct {
	rows     map[uuid.UUID]*models.Settlement
	afterGet func()
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[uuid.UUID]*models.Settlement)}
}

func (s *memStore) Create(_ context.Context, settlement *models.Settlement) error {
	cp := *settlement
	s.rows[settlement.ID] = &cp
	return nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Settlement, error) {
	row, ok := s.rows[id]
	if !ok {
		return nil, repositories.NotFound("settlement %s not found", id)
	}
	cp := *row
	if s.afterGet != nil {
		hook := s.afterGet
		s.afterGet = nil
		hook()
	}
	return &cp, nil
}

func (s *memStore) Supersede(_ context.Context, id uuid.UUID, rowVersion int) error {
	row, ok := s.rows[id]
	if !ok || !row.IsLatestVersion || row.RowVersion != rowVersion {
		return repositories.Conflict("settlement %s was modified concurrently", id)
	}
	row.IsLatestVersion = false
	row.RowVersion++
	return nil
}

func (s *memStore) GetLatest(_ context.Context, originalID uuid.UUID) (*models.Settlement, error) {
	for _, row := range s.rows {
		if row.ChainRootID() == originalID && row.IsLatestVersion {
			cp := *row
			return &cp, nil
		}
	}
	return nil, repositories.NotFound("no settlement chain rooted at %s", originalID)
}

func (s *memStore) GetChain(_ context.Context, originalID uuid.UUID) ([]models.Settlement, error) {
	var chain []models.Settlement
	for _, row := range s.rows {
		if row.ChainRootID() == originalID {
			chain = append(chain, *row)
		}
	}
	if len(chain) == 0 {
		return nil, repositories.NotFound("no settlement chain rooted at %s", originalID)
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].Sequence < chain[j].Sequence })
	return chain, nil
}

func (s *memStore) Finalize(_ context.Context, id uuid.UUID) error {
	row, ok := s.rows[id]
	if !ok || !row.IsLatestVersion || row.IsFinalized {
		return repositories.Conflict("settlement %s cannot be finalized", id)
	}
	row.IsFinalized = true
	return nil
}

func (s *memStore) latestCount(originalID uuid.UUID) int {
	n := 0
	for _, row := range s.rows {
		if row.ChainRootID() == originalID && row.IsLatestVersion {
			n++
		}
	}
	return n
}

type fakeTx struct{ open bool }

func (t *fakeTx) IsOpen() bool                       { return t.open }
func (t *fakeTx) Commit(context.Context) error       { t.open = false; return nil }
func (t *fakeTx) Rollback(context.Context) error     { t.open = false; return nil }
func (t *fakeTx) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, nil
}
func (t *fakeTx) GetContext(context.Context, any, string, ...any) error    { return nil }
func (t *fakeTx) SelectContext(context.Context, any, string, ...any) error { return nil }
func (t *fakeTx) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, nil
}
func (t *fakeTx) QueryRowContext(context.Context, string, ...any) *sql.Row { return nil }

type fakeTxStarter struct{}

func (fakeTxStarter) GetTx(ctx context.Context, _ *sql.TxOptions) (context.Context, database.Tx, error) {
	return ctx, &fakeTx{open: true}, nil
}

func brentCargoRef() models.ContractRef {
	return models.ContractRef{Kind: models.ContractKindPurchase, ID: uuid.New()}
}

func cargoPayload(total float64) models.SettlementPayload {
	return models.SettlementPayload{
		Currency:    "USD",
		Quantity:    95000,
		UnitPrice:   total / 95000,
		TotalAmount: total,
	}
}

func newTestManager(store *memStore) *Manager {
	return NewManager(store, fakeTxStarter{}, testLogger())
}

func TestCreateInitial(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)

	s, err := m.CreateInitial(context.Background(), brentCargoRef(), "BRENT-2025-0612", cargoPayload(6_460_000))
	require.NoError(t, err)

	assert.Equal(t, 1, s.Sequence)
	assert.Equal(t, models.AmendmentTypeInitial, s.AmendmentType)
	assert.True(t, s.IsLatestVersion)
	assert.Nil(t, s.OriginalSettlementID)
	assert.Equal(t, s.ID, s.ChainRootID())
}

func TestCreateInitial_InvalidContractRef(t *testing.T) {
	m := newTestManager(newMemStore())

	_, err := m.CreateInitial(context.Background(), models.ContractRef{Kind: "barter"}, "X", cargoPayload(100))
	require.Error(t, err)
}

func TestAmend_SequencesWithoutGaps(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	ctx := context.Background()

	root, err := m.CreateInitial(ctx, brentCargoRef(), "380CST-2025-0201", cargoPayload(2_000_000))
	require.NoError(t, err)

	v2, err := m.Amend(ctx, root.ID, cargoPayload(2_050_000), models.AmendmentTypePriceRevision, "index correction")
	require.NoError(t, err)

	v3, err := m.Amend(ctx, v2.ID, cargoPayload(2_040_000), models.AmendmentTypeQuantityRevision, "outturn figures")
	require.NoError(t, err)

	chain, err := m.GetChain(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	for i, version := range chain {
		assert.Equal(t, i+1, version.Sequence)
	}

	assert.Equal(t, root.ID, v3.ChainRootID())
	assert.Equal(t, v2.ID, *v3.PreviousSettlementID)
}

func TestAmend_SingleLatestInvariant(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	ctx := context.Background()

	root, err := m.CreateInitial(ctx, brentCargoRef(), "MF05-2025-0110", cargoPayload(800_000))
	require.NoError(t, err)

	v2, err := m.Amend(ctx, root.ID, cargoPayload(810_000), models.AmendmentTypeCorrection, "")
	require.NoError(t, err)

	assert.Equal(t, 1, store.latestCount(root.ID), "exactly one latest version per chain")

	head, err := m.GetLatest(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, head.ID)
}

func TestAmend_NonHeadIsNotFound(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	ctx := context.Background()

	root, err := m.CreateInitial(ctx, brentCargoRef(), "WTI-2025-0303", cargoPayload(4_000_000))
	require.NoError(t, err)
	_, err = m.Amend(ctx, root.ID, cargoPayload(4_100_000), models.AmendmentTypeCorrection, "")
	require.NoError(t, err)

	// The root is superseded now; callers must re-resolve the head.
	_, err = m.Amend(ctx, root.ID, cargoPayload(4_200_000), models.AmendmentTypeCorrection, "")
	require.Error(t, err)
	assert.True(t, repositories.IsNotFound(err))
}

func TestAmend_InitialTypeRejected(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	ctx := context.Background()

	root, err := m.CreateInitial(ctx, brentCargoRef(), "GASOIL-2025-0404", cargoPayload(1_200_000))
	require.NoError(t, err)

	_, err = m.Amend(ctx, root.ID, cargoPayload(1_250_000), models.AmendmentTypeInitial, "")
	require.Error(t, err)
}

func TestAmend_ConcurrentLoserGetsConflict(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	ctx := context.Background()

	root, err := m.CreateInitial(ctx, brentCargoRef(), "BRENT-2025-0715", cargoPayload(6_000_000))
	require.NoError(t, err)

	// A competing amendment lands between this caller's head read and its
	// flag flip. The compare-and-set must reject the stale supersede.
	store.afterGet = func() {
		require.NoError(t, store.Supersede(ctx, root.ID, 1))
	}

	_, err = m.Amend(ctx, root.ID, cargoPayload(6_100_000), models.AmendmentTypeCorrection, "")
	require.Error(t, err)
	assert.True(t, repositories.IsConflict(err))
	assert.Equal(t, 0, store.latestCount(root.ID), "the competing winner owns the head in this simulation")
}

func TestResolveHead_StaleVersionResolvesForward(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	ctx := context.Background()

	root, err := m.CreateInitial(ctx, brentCargoRef(), "WTI-2025-0518", cargoPayload(3_000_000))
	require.NoError(t, err)
	v2, err := m.Amend(ctx, root.ID, cargoPayload(3_050_000), models.AmendmentTypeCorrection, "")
	require.NoError(t, err)

	// A stale reference to the superseded root resolves to the current head
	head, err := m.ResolveHead(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, head.ID)

	// The head resolves to itself
	head, err = m.ResolveHead(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, head.ID)
}

func TestFinalize_HeadStillAmendable(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	ctx := context.Background()

	root, err := m.CreateInitial(ctx, brentCargoRef(), "380CST-2025-0909", cargoPayload(900_000))
	require.NoError(t, err)

	require.NoError(t, m.Finalize(ctx, root.ID))

	// Finalization freezes in-place mutation but not supersession
	v2, err := m.Amend(ctx, root.ID, cargoPayload(950_000), models.AmendmentTypeCorrection, "post-final correction")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Sequence)
}
