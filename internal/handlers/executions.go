package handlers

import (
	"strconv"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tidemark/settler/internal/tracing"
	"github.com/tidemark/settler/pkg/repositories"
)

const defaultExecutionListLimit = 100

// ExecutionHandler exposes rule execution records, the audit trail of what
// the engine did and why.
type ExecutionHandler struct {
	repo   *repositories.ExecutionRepository
	logger ectologger.Logger
}

// NewExecutionHandler creates a new execution record handler
func NewExecutionHandler(repo *repositories.ExecutionRepository, logger ectologger.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		repo:   repo,
		logger: logger,
	}
}

// Register registers execution record routes
func (h *ExecutionHandler) Register(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/:id", h.GetByID)
}

// List returns execution records for a rule, newest first
func (h *ExecutionHandler) List(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "ExecutionHandler.List")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	ruleIDStr := c.QueryParam("rule_id")
	if ruleIDStr == "" {
		return BadRequest("rule_id query parameter is required")
	}
	ruleID, err := uuid.Parse(ruleIDStr)
	if err != nil {
		return BadRequest("invalid rule_id")
	}

	limit := defaultExecutionListLimit
	if limitStr := c.QueryParam("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			return BadRequest("invalid limit")
		}
		limit = parsed
	}

	records, err := h.repo.ListByRule(ctx, ruleID, limit)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list execution records")
		return err
	}

	return SuccessResponse(c, records)
}

// GetByID returns one execution record with its full log
func (h *ExecutionHandler) GetByID(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "ExecutionHandler.GetByID")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	record, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, record)
}
