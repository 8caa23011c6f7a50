package controller

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadnexy/engine"
	"leadnexy/middleware"
	"leadnexy/models"
	"leadnexy/utils"
)

type EnrollmentController struct {
	DB     *gorm.DB
	Engine *engine.Engine
	Logger *logrus.Logger
}

func NewEnrollmentController(db *gorm.DB, eng *engine.Engine, logger *logrus.Logger) *EnrollmentController {
	return &EnrollmentController{
		DB:     db,
		Engine: eng,
		Logger: logger,
	}
}

// CreateEnrollment enrolls a lead into a sequence template
func (ec *EnrollmentController) CreateEnrollment(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)

	var input struct {
		LeadID      uint              `json:"lead_id" validate:"required"`
		TemplateKey string            `json:"template_key" validate:"required,max=100"`
		Variables   map[string]string `json:"variables"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	enrollment, err := ec.Engine.Manager().Enroll(c.Context(), tenantID, input.LeadID, input.TemplateKey, input.Variables)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrAlreadyActive):
			return utils.ErrorResponse(c, fiber.StatusConflict, "Lead already has a live enrollment in this template", err)
		case errors.Is(err, engine.ErrTemplateNotFound):
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Template not found", err)
		case errors.Is(err, engine.ErrLeadNotFound):
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", err)
		default:
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create enrollment", err)
		}
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(enrollment))
}

// GetEnrollment returns one enrollment with its dispatch history
func (ec *EnrollmentController) GetEnrollment(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	id := utils.ParseUint(c.Params("id"))

	var enrollment models.Enrollment
	if err := ec.DB.Preload("DispatchRecords").
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&enrollment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch enrollment", err)
	}

	return c.JSON(utils.SuccessResponse(enrollment))
}

// GetEnrollments returns paginated enrollments, optionally filtered by lead
// or status
func (ec *EnrollmentController) GetEnrollments(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)

	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	if limit > 100 {
		limit = 100
	}
	if page < 1 {
		page = 1
	}

	query := ec.DB.Model(&models.Enrollment{}).Where("tenant_id = ?", tenantID)
	if leadID := c.Query("lead_id"); leadID != "" {
		query = query.Where("lead_id = ?", utils.ParseUint(leadID))
	}
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count enrollments", err)
	}

	var enrollments []models.Enrollment
	if err := query.Order("id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&enrollments).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch enrollments", err)
	}

	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  enrollments,
		Total: total,
		Page:  page,
		Limit: limit,
	}))
}

// PauseEnrollment suspends a running enrollment, preserving its position
func (ec *EnrollmentController) PauseEnrollment(c *fiber.Ctx) error {
	enrollment, err := ec.ownedEnrollment(c)
	if enrollment == nil {
		return err
	}

	if err := ec.Engine.Manager().Pause(c.Context(), enrollment.ID); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to pause enrollment", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"id": enrollment.ID, "status": models.EnrollmentPaused}))
}

// ResumeEnrollment reactivates a paused enrollment
func (ec *EnrollmentController) ResumeEnrollment(c *fiber.Ctx) error {
	enrollment, err := ec.ownedEnrollment(c)
	if enrollment == nil {
		return err
	}

	if err := ec.Engine.Manager().Resume(c.Context(), enrollment.ID); err != nil {
		if errors.Is(err, engine.ErrNotPaused) {
			return utils.ErrorResponse(c, fiber.StatusConflict, "Enrollment is not paused", err)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to resume enrollment", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"id": enrollment.ID, "status": models.EnrollmentActive}))
}

// HaltEnrollment permanently stops an enrollment
func (ec *EnrollmentController) HaltEnrollment(c *fiber.Ctx) error {
	enrollment, err := ec.ownedEnrollment(c)
	if enrollment == nil {
		return err
	}

	if err := ec.Engine.Manager().Halt(c.Context(), enrollment.ID, models.HaltReasonManual); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to halt enrollment", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"id": enrollment.ID, "status": models.EnrollmentHalted}))
}

// GetDispatchRecords returns the dispatch audit trail for one enrollment
func (ec *EnrollmentController) GetDispatchRecords(c *fiber.Ctx) error {
	enrollment, err := ec.ownedEnrollment(c)
	if enrollment == nil {
		return err
	}

	var records []models.DispatchRecord
	if err := ec.DB.Where("enrollment_id = ?", enrollment.ID).
		Order("id ASC").
		Find(&records).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch dispatch records", err)
	}
	return c.JSON(utils.SuccessResponse(records))
}

// ownedEnrollment loads the enrollment from the path id, scoped to the
// authenticated tenant. On failure it has already written the response.
func (ec *EnrollmentController) ownedEnrollment(c *fiber.Ctx) (*models.Enrollment, error) {
	tenantID := middleware.TenantID(c)
	id := utils.ParseUint(c.Params("id"))

	var enrollment models.Enrollment
	if err := ec.DB.Where("id = ? AND tenant_id = ?", id, tenantID).First(&enrollment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
		}
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch enrollment", err)
	}
	return &enrollment, nil
}
