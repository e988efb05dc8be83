package handlers

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tidemark/settler/internal/tracing"
	"github.com/tidemark/settler/pkg/chain"
	"github.com/tidemark/settler/pkg/kafka"
	"github.com/tidemark/settler/pkg/models"
	"github.com/tidemark/settler/pkg/repositories"
)

// SettlementEvents is the outbound lifecycle feed. Satisfied by
// kafka.Producer; nil disables publishing.
type SettlementEvents interface {
	PublishSettlementEvent(ctx context.Context, eventType string, settlement *models.Settlement, amendmentType models.AmendmentType) error
}

// SettlementHandler exposes the amendment chain: version creation, amendment,
// finalization and the chain read model.
type SettlementHandler struct {
	chain  *chain.Manager
	repo   *repositories.SettlementRepository
	events SettlementEvents
	logger ectologger.Logger
}

// NewSettlementHandler creates a new settlement handler
func NewSettlementHandler(
	manager *chain.Manager,
	repo *repositories.SettlementRepository,
	events SettlementEvents,
	logger ectologger.Logger,
) *SettlementHandler {
	return &SettlementHandler{
		chain:  manager,
		repo:   repo,
		events: events,
		logger: logger,
	}
}

// CreateSettlementRequest represents the create settlement request body
type CreateSettlementRequest struct {
	ContractKind string                   `json:"contract_kind" validate:"required,oneof=purchase sales"`
	ContractID   string                   `json:"contract_id" validate:"required,uuid"`
	DealRef      string                   `json:"deal_ref" validate:"required"`
	Payload      models.SettlementPayload `json:"payload"`
}

// AmendSettlementRequest represents the amend settlement request body
type AmendSettlementRequest struct {
	AmendmentType string                   `json:"amendment_type" validate:"required,oneof=correction price_revision quantity_revision cancellation"`
	Reason        string                   `json:"reason"`
	Payload       models.SettlementPayload `json:"payload"`
}

// Register registers settlement routes
func (h *SettlementHandler) Register(g *echo.Group) {
	g.POST("", h.Create)
	g.GET("/:id", h.GetByID)
	g.GET("/:id/chain", h.GetChain)
	g.GET("/:id/latest", h.GetLatest)
	g.POST("/:id/amend", h.Amend)
	g.POST("/:id/finalize", h.Finalize)
}

// Create opens a new amendment chain with an initial settlement version
func (h *SettlementHandler) Create(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "SettlementHandler.Create")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	req, err := BindRequest[CreateSettlementRequest](c)
	if err != nil {
		return err
	}

	contractID, err := uuid.Parse(req.ContractID)
	if err != nil {
		return BadRequest("invalid contract_id")
	}

	ref := models.ContractRef{Kind: models.ContractKind(req.ContractKind), ID: contractID}
	settlement, err := h.chain.CreateInitial(ctx, ref, req.DealRef, req.Payload)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to create settlement")
		return err
	}

	h.publish(ctx, kafka.EventSettlementCreated, settlement)
	return CreatedResponse(c, settlement)
}

// GetByID returns a single settlement version
func (h *SettlementHandler) GetByID(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "SettlementHandler.GetByID")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	settlement, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, settlement)
}

// GetChain returns every version of the chain the given settlement belongs
// to, ordered by sequence. Any version's ID resolves the whole chain.
func (h *SettlementHandler) GetChain(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "SettlementHandler.GetChain")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	settlement, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	versions, err := h.chain.GetChain(ctx, settlement.ChainRootID())
	if err != nil {
		return err
	}

	return SuccessResponse(c, versions)
}

// GetLatest returns the current head of the chain the given settlement
// belongs to.
func (h *SettlementHandler) GetLatest(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "SettlementHandler.GetLatest")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	settlement, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	head, err := h.chain.GetLatest(ctx, settlement.ChainRootID())
	if err != nil {
		return err
	}

	return SuccessResponse(c, head)
}

// Amend supersedes the named settlement with a new version. The target must
// be the current head of its chain.
func (h *SettlementHandler) Amend(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "SettlementHandler.Amend")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	req, err := BindRequest[AmendSettlementRequest](c)
	if err != nil {
		return err
	}

	next, err := h.chain.Amend(ctx, id, req.Payload, models.AmendmentType(req.AmendmentType), req.Reason)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to amend settlement")
		return err
	}

	h.publish(ctx, kafka.EventSettlementAmended, next)
	return CreatedResponse(c, next)
}

// Finalize freezes the named settlement version against in-place mutation
func (h *SettlementHandler) Finalize(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "SettlementHandler.Finalize")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if err := h.chain.Finalize(ctx, id); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to finalize settlement")
		return err
	}

	settlement, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	h.publish(ctx, kafka.EventSettlementFinalized, settlement)
	return SuccessResponse(c, settlement)
}

// publish emits the lifecycle event best-effort; a publish failure never
// fails the write that already committed.
func (h *SettlementHandler) publish(ctx context.Context, eventType string, settlement *models.Settlement) {
	if h.events == nil {
		return
	}
	if err := h.events.PublishSettlementEvent(ctx, eventType, settlement, settlement.AmendmentType); err != nil {
		h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"settlement_id": settlement.ID,
			"event_type":    eventType,
		}).Warnf("Failed to publish settlement event")
	}
}
