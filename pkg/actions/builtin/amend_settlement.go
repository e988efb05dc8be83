package builtin

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/tidemark/settler/pkg/actions"
	"github.com/tidemark/settler/pkg/chain"
	"github.com/tidemark/settler/pkg/models"
	"github.com/tidemark/settler/pkg/repositories"
)

var amendmentTypes = map[string]models.AmendmentType{
	string(models.AmendmentTypeCorrection):       models.AmendmentTypeCorrection,
	string(models.AmendmentTypePriceRevision):    models.AmendmentTypePriceRevision,
	string(models.AmendmentTypeQuantityRevision): models.AmendmentTypeQuantityRevision,
	string(models.AmendmentTypeCancellation):     models.AmendmentTypeCancellation,
}

// AmendSettlementHandler supersedes the candidate's settlement head with a
// new version. The target head comes from the candidate, or from a
// create_settlement action earlier in the same pipeline.
type AmendSettlementHandler struct {
	chain  *chain.Manager
	logger ectologger.Logger
}

func NewAmendSettlementHandler(chain *chain.Manager, logger ectologger.Logger) *AmendSettlementHandler {
	return &AmendSettlementHandler{chain: chain, logger: logger}
}

func (h *AmendSettlementHandler) Type() string {
	return models.ActionTypeAmendSettlement
}

func (h *AmendSettlementHandler) ValidateParams(params map[string]any) error {
	t, ok := stringParam(params, "amendment_type")
	if !ok {
		return repositories.Configuration("amend_settlement: amendment_type is required")
	}
	if _, known := amendmentTypes[t]; !known {
		return repositories.Configuration("amend_settlement: unknown amendment_type %q", t)
	}
	return nil
}

func (h *AmendSettlementHandler) Execute(ctx context.Context, actx *actions.Context, params map[string]any) (*actions.Result, error) {
	t, _ := stringParam(params, "amendment_type")
	amendmentType, ok := amendmentTypes[t]
	if !ok {
		return nil, repositories.Configuration("amend_settlement: unknown amendment_type %q", t)
	}
	reason, _ := stringParam(params, "reason")

	targetID, err := h.resolveTarget(actx)
	if err != nil {
		return nil, err
	}

	// The candidate's snapshot may predate a concurrent amendment, so the
	// chain head is re-resolved on every attempt. A retry after a lost
	// amendment race targets the winner's head instead of the stale row.
	head, err := h.chain.ResolveHead(ctx, targetID)
	if err != nil {
		return nil, err
	}

	payload := payloadFromFacts(actx.Candidate.Facts, params)

	settlement, err := h.chain.Amend(ctx, head.ID, payload, amendmentType, reason)
	if err != nil {
		return nil, err
	}

	actx.RecordAffected(settlement.ID)
	return &actions.Result{
		Success: true,
		Message: "created amendment " + settlement.ID.String(),
		Output: map[string]any{
			"settlement_id":          settlement.ID,
			"original_settlement_id": settlement.ChainRootID(),
		},
	}, nil
}

func (h *AmendSettlementHandler) resolveTarget(actx *actions.Context) (uuid.UUID, error) {
	if actx.Candidate.SettlementID != nil {
		return *actx.Candidate.SettlementID, nil
	}
	if v, ok := actx.Outputs["settlement_id"]; ok {
		switch id := v.(type) {
		case uuid.UUID:
			return id, nil
		case string:
			parsed, err := uuid.Parse(id)
			if err == nil {
				return parsed, nil
			}
		}
	}
	return uuid.Nil, repositories.BadRequest("candidate has no settlement to amend")
}
