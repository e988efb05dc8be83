package builtin

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/tidemark/settler/pkg/actions"
	"github.com/tidemark/settler/pkg/chain"
	"github.com/tidemark/settler/pkg/facts"
	"github.com/tidemark/settler/pkg/models"
	"github.com/tidemark/settler/pkg/repositories"
)

// CreateSettlementHandler opens a new amendment chain for the candidate's
// contract. The financial figures come from the candidate's facts; params
// may override currency and attach notes.
type CreateSettlementHandler struct {
	chain  *chain.Manager
	logger ectologger.Logger
}

func NewCreateSettlementHandler(chain *chain.Manager, logger ectologger.Logger) *CreateSettlementHandler {
	return &CreateSettlementHandler{chain: chain, logger: logger}
}

func (h *CreateSettlementHandler) Type() string {
	return models.ActionTypeCreateSettlement
}

func (h *CreateSettlementHandler) ValidateParams(params map[string]any) error {
	if v, ok := params["currency"]; ok {
		if _, isStr := v.(string); !isStr {
			return repositories.Configuration("create_settlement: currency must be a string")
		}
	}
	return nil
}

func (h *CreateSettlementHandler) Execute(ctx context.Context, actx *actions.Context, params map[string]any) (*actions.Result, error) {
	candidate := actx.Candidate
	if candidate.Contract == nil {
		return nil, repositories.BadRequest("candidate has no contract reference")
	}

	payload := payloadFromFacts(candidate.Facts, params)

	settlement, err := h.chain.CreateInitial(ctx, *candidate.Contract, candidate.DealRef, payload)
	if err != nil {
		return nil, err
	}

	actx.RecordAffected(settlement.ID)
	return &actions.Result{
		Success: true,
		Message: "created settlement " + settlement.ID.String(),
		Output: map[string]any{
			"settlement_id":          settlement.ID,
			"original_settlement_id": settlement.ID,
		},
	}, nil
}

// payloadFromFacts builds the settlement content from the candidate
// snapshot. Params override currency and notes; the charge math itself
// happened upstream of the fact provider.
func payloadFromFacts(fs map[string]any, params map[string]any) models.SettlementPayload {
	payload := models.SettlementPayload{Currency: "USD"}

	if q, ok := facts.AsFloat(fs["quantity"]); ok {
		payload.Quantity = q
	}
	if p, ok := facts.AsFloat(fs["unit_price"]); ok {
		payload.UnitPrice = p
	}
	if t, ok := facts.AsFloat(fs["total_amount"]); ok {
		payload.TotalAmount = t
	} else {
		payload.TotalAmount = payload.Quantity * payload.UnitPrice
	}
	if c, ok := fs["currency"].(string); ok && c != "" {
		payload.Currency = c
	}

	if c, ok := stringParam(params, "currency"); ok {
		payload.Currency = c
	}
	if n, ok := stringParam(params, "notes"); ok {
		payload.Notes = &n
	}
	if t, ok := floatParam(params, "total_amount"); ok {
		payload.TotalAmount = t
	}

	return payload
}
