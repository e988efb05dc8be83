package orchestrator

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/tidemark/settler/internal/tracing"
	"github.com/tidemark/settler/pkg/facts"
	"github.com/tidemark/settler/pkg/models"
)

// SubjectRef names one subject a scheduled or manual rule should consider.
type SubjectRef struct {
	ID   string
	Type string
}

// SubjectCatalog enumerates subjects in scope when a trigger does not name
// one, such as scheduled sweeps. Backed by the trade-capture system.
type SubjectCatalog interface {
	ListEligibleSubjects(ctx context.Context, rule models.AutomationRule) ([]SubjectRef, error)
}

// HeadFinder locates current settlement heads for a contract.
type HeadFinder interface {
	ListHeadsByContract(ctx context.Context, ref models.ContractRef) ([]models.Settlement, error)
}

// FactsSource builds candidates from the fact provider: one candidate per
// subject, carrying the flattened fact set plus the contract reference and
// current settlement head (when one exists) that write actions need.
type FactsSource struct {
	provider    facts.Provider
	catalog     SubjectCatalog
	settlements HeadFinder
	logger      ectologger.Logger
}

// NewFactsSource creates a candidate source over the fact provider
func NewFactsSource(provider facts.Provider, catalog SubjectCatalog, settlements HeadFinder, logger ectologger.Logger) *FactsSource {
	return &FactsSource{
		provider:    provider,
		catalog:     catalog,
		settlements: settlements,
		logger:      logger,
	}
}

// Candidates resolves the subjects for one rule invocation. A trigger that
// names a subject yields exactly that candidate; otherwise the catalog
// supplies the eligible set.
func (s *FactsSource) Candidates(ctx context.Context, def models.RuleDefinition, trigger models.TriggerEvent) ([]models.Candidate, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.FactsSource.Candidates")
	defer span.End()

	var subjects []SubjectRef
	if trigger.SubjectID != "" {
		subjects = []SubjectRef{{ID: trigger.SubjectID, Type: trigger.SubjectType}}
	} else {
		listed, err := s.catalog.ListEligibleSubjects(ctx, def.Rule)
		if err != nil {
			return nil, err
		}
		subjects = listed
	}

	candidates := make([]models.Candidate, 0, len(subjects))
	for _, subject := range subjects {
		candidate, err := s.buildCandidate(ctx, subject)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

func (s *FactsSource) buildCandidate(ctx context.Context, subject SubjectRef) (models.Candidate, error) {
	fs, err := s.provider.GetFacts(ctx, subject.ID, subject.Type)
	if err != nil {
		return models.Candidate{}, err
	}

	candidate := models.Candidate{
		SubjectID:   subject.ID,
		SubjectType: subject.Type,
		DealRef:     facts.AsString(fs["deal_ref"]),
		Facts:       fs,
	}

	if ref, ok := contractRefFromFacts(fs); ok {
		candidate.Contract = &ref
		s.attachHead(ctx, &candidate, ref)
	}
	return candidate, nil
}

// attachHead looks up the contract's settlement head so amend actions have a
// target. A contract with no settlements yet simply has no head.
func (s *FactsSource) attachHead(ctx context.Context, candidate *models.Candidate, ref models.ContractRef) {
	heads, err := s.settlements.ListHeadsByContract(ctx, ref)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"contract_id": ref.ID,
		}).Warnf("Failed to look up settlement heads for contract")
		return
	}
	if len(heads) == 0 {
		return
	}
	if len(heads) > 1 {
		s.logger.WithContext(ctx).Warnf("Contract %s has %d settlement chains, using the newest", ref.ID, len(heads))
	}
	candidate.SettlementID = &heads[0].ID
	candidate.Facts["settlement_id"] = heads[0].ID.String()
	candidate.Facts["settlement_finalized"] = heads[0].IsFinalized
}

// contractRefFromFacts reads the contract reference the fact provider
// flattens in as contract_kind/contract_id.
func contractRefFromFacts(fs facts.Set) (models.ContractRef, bool) {
	kind := facts.AsString(fs["contract_kind"])
	idStr := facts.AsString(fs["contract_id"])
	if kind == "" || idStr == "" {
		return models.ContractRef{}, false
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return models.ContractRef{}, false
	}

	ref := models.ContractRef{Kind: models.ContractKind(kind), ID: id}
	if err := ref.Validate(); err != nil {
		return models.ContractRef{}, false
	}
	return ref, true
}
