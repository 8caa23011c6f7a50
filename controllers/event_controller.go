package controller

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadnexy/engine"
	"leadnexy/middleware"
	"leadnexy/models"
	"leadnexy/utils"
)

type EventController struct {
	DB     *gorm.DB
	Engine *engine.Engine
	Logger *logrus.Logger
}

func NewEventController(db *gorm.DB, eng *engine.Engine, logger *logrus.Logger) *EventController {
	return &EventController{
		DB:     db,
		Engine: eng,
		Logger: logger,
	}
}

// IngestEvent accepts one inbound event (reply, stage change, manual
// pause/resume) from the CRM or a webhook relay. Replays of the same event id
// are acknowledged without reprocessing.
func (ec *EventController) IngestEvent(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)

	var input struct {
		ID         string            `json:"id" validate:"omitempty,max=128"`
		LeadID     uint              `json:"lead_id" validate:"required"`
		Kind       string            `json:"kind" validate:"required,oneof=reply stage_change manual_pause manual_resume"`
		Stage      string            `json:"stage" validate:"omitempty,oneof=new engaged appointment closed lost"`
		Payload    map[string]string `json:"payload"`
		OccurredAt *time.Time        `json:"occurred_at"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if input.Kind == string(engine.EventStageChange) && input.Stage == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "stage is required for stage_change events", nil)
	}

	// Check the lead belongs to the calling tenant before touching anything
	var lead models.Lead
	if err := ec.DB.Where("id = ? AND tenant_id = ?", input.LeadID, tenantID).First(&lead).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead", err)
	}

	if input.ID == "" {
		input.ID = uuid.NewString()
	}
	occurredAt := time.Now().UTC()
	if input.OccurredAt != nil {
		occurredAt = *input.OccurredAt
	}

	ev := engine.InboundEvent{
		ID:         input.ID,
		LeadID:     input.LeadID,
		Kind:       engine.EventKind(input.Kind),
		Stage:      input.Stage,
		Payload:    input.Payload,
		OccurredAt: occurredAt,
	}

	if err := ec.Engine.Ingestor().Ingest(c.Context(), ev); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to process event", err)
	}

	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(fiber.Map{
		"event_id": ev.ID,
	}))
}
