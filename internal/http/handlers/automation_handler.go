package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/linktrack/backend/internal/automation"
	"github.com/linktrack/backend/internal/http/dto"
	"github.com/linktrack/backend/internal/middleware"
	"github.com/linktrack/backend/internal/models"
	"go.uber.org/zap"
)

// AutomationEngine is implemented by automation.Engine.
type AutomationEngine interface {
	EnableAutomation(ctx context.Context, id uuid.UUID) error
	DisableAutomation(ctx context.Context, id uuid.UUID) error
	ForceAction(ctx context.Context, id uuid.UUID, action automation.Decision) (*automation.Result, error)
	DebugSnapshot(ctx context.Context, id uuid.UUID) (*automation.Snapshot, error)
	Tasks() []automation.TaskInfo
}

// AuditReader is implemented by repositories.AuditRepo.
type AuditReader interface {
	Recent(ctx context.Context, entityType string, entityID uuid.UUID, limit int) ([]models.AuditLog, error)
}

type AutomationHandler struct {
	engine AutomationEngine
	audit  AuditReader
	log    *zap.Logger
}

func NewAutomationHandler(engine AutomationEngine, audit AuditReader, log *zap.Logger) *AutomationHandler {
	return &AutomationHandler{engine: engine, audit: audit, log: log}
}

func (h *AutomationHandler) Enable(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid campaign id"})
	}

	if err := h.engine.EnableAutomation(c.UserContext(), id); err != nil {
		return h.fail(c, "enable automation", err)
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.AutomationToggleResponse{CampaignID: id.String(), Enabled: true}})
}

func (h *AutomationHandler) Disable(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid campaign id"})
	}

	if err := h.engine.DisableAutomation(c.UserContext(), id); err != nil {
		return h.fail(c, "disable automation", err)
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.AutomationToggleResponse{CampaignID: id.String(), Enabled: false}})
}

func (h *AutomationHandler) Force(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid campaign id"})
	}

	var req dto.ForceActionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	action, err := automation.ParseAction(req.Action)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "action must be activate or pause"})
	}

	res, err := h.engine.ForceAction(c.UserContext(), id, action)
	if err != nil {
		return h.fail(c, "force action", err)
	}

	h.log.Info("manual override applied",
		zap.String("campaign_id", id.String()),
		zap.String("operator_id", middleware.GetOperatorID(c).String()),
		zap.String("action", action.String()),
		zap.String("from", string(res.From)),
		zap.String("to", string(res.To)),
	)

	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.ForceActionResponse{
		CampaignID:   id.String(),
		Action:       action.String(),
		From:         string(res.From),
		To:           string(res.To),
		Transitioned: res.Transitioned,
		BudgetSet:    res.BudgetSet,
		Watch:        res.Watch.String(),
	}})
}

func (h *AutomationHandler) Debug(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid campaign id"})
	}

	snap, err := h.engine.DebugSnapshot(c.UserContext(), id)
	if err != nil {
		return h.fail(c, "debug snapshot", err)
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: snap})
}

func (h *AutomationHandler) History(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid campaign id"})
	}

	logs, err := h.audit.Recent(c.UserContext(), "campaign", id, c.QueryInt("limit", 20))
	if err != nil {
		return h.fail(c, "automation history", err)
	}

	entries := make([]dto.AuditEntry, 0, len(logs))
	for _, l := range logs {
		entries = append(entries, dto.AuditEntry{
			Action:    l.Action,
			ActorType: l.ActorType,
			Meta:      l.Meta,
			CreatedAt: l.CreatedAt,
		})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: entries})
}

func (h *AutomationHandler) Tasks(c *fiber.Ctx) error {
	return c.JSON(dto.SuccessResponse{OK: true, Data: h.engine.Tasks()})
}

// fail maps automation errors to HTTP statuses.
func (h *AutomationHandler) fail(c *fiber.Ctx, op string, err error) error {
	reqID, _ := c.Locals(middleware.CtxRequestID).(string)

	status := fiber.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, automation.ErrCampaignNotFound):
		status, msg = fiber.StatusNotFound, "campaign not found"
	case errors.Is(err, automation.ErrCampaignBusy):
		status, msg = fiber.StatusConflict, "campaign is being evaluated, retry shortly"
	case errors.Is(err, automation.ErrConfiguration):
		status, msg = fiber.StatusConflict, err.Error()
	case errors.Is(err, automation.ErrUnknownAction):
		status, msg = fiber.StatusBadRequest, err.Error()
	case errors.Is(err, automation.ErrExternalCall):
		status, msg = fiber.StatusBadGateway, "ad network unavailable"
	}

	if status >= fiber.StatusInternalServerError {
		h.log.Error(op+" failed", zap.String("request_id", reqID), zap.Error(err))
	}
	return c.Status(status).JSON(dto.ErrorResponse{Error: msg, RequestID: reqID})
}
