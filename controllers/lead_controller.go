package controller

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadnexy/middleware"
	"leadnexy/models"
	"leadnexy/utils"
)

type LeadController struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewLeadController(db *gorm.DB, logger *logrus.Logger) *LeadController {
	return &LeadController{
		DB:     db,
		Logger: logger,
	}
}

// CreateLead creates a new lead with validation
func (lc *LeadController) CreateLead(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)

	var input struct {
		Email     string `json:"email" validate:"omitempty,email"`
		Phone     string `json:"phone" validate:"omitempty,max=32"`
		FirstName string `json:"first_name" validate:"omitempty,max=100"`
		LastName  string `json:"last_name" validate:"omitempty,max=100"`
		Interest  string `json:"interest" validate:"omitempty,max=255"`
		Area      string `json:"area" validate:"omitempty,max=255"`
		Source    string `json:"source" validate:"omitempty,max=100"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if input.Email == "" && input.Phone == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Lead needs an email or a phone number", nil)
	}

	lead := models.Lead{
		TenantID:  tenantID,
		Email:     strings.ToLower(input.Email),
		Phone:     input.Phone,
		FirstName: input.FirstName,
		LastName:  input.LastName,
		Interest:  input.Interest,
		Area:      input.Area,
		Stage:     models.StageNew,
		Source:    input.Source,
	}

	if err := lc.DB.Create(&lead).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create lead", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(lead))
}

// GetLead returns one lead scoped to the calling tenant
func (lc *LeadController) GetLead(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	id := utils.ParseUint(c.Params("id"))

	var lead models.Lead
	if err := lc.DB.Preload("Enrollments").
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&lead).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead", err)
	}

	return c.JSON(utils.SuccessResponse(lead))
}

// GetLeads returns paginated list of leads with filters
func (lc *LeadController) GetLeads(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)

	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	if limit > 100 {
		limit = 100
	}
	if page < 1 {
		page = 1
	}

	query := lc.DB.Model(&models.Lead{}).Where("tenant_id = ?", tenantID)
	if stage := c.Query("stage"); stage != "" {
		query = query.Where("stage = ?", stage)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count leads", err)
	}

	var leads []models.Lead
	if err := query.Order("id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&leads).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch leads", err)
	}

	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  leads,
		Total: total,
		Page:  page,
		Limit: limit,
	}))
}

// SetDoNotContact flags a lead so the dispatcher refuses to message them
func (lc *LeadController) SetDoNotContact(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	id := utils.ParseUint(c.Params("id"))

	res := lc.DB.Model(&models.Lead{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Update("is_do_not_contact", true)
	if res.Error != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update lead", res.Error)
	}
	if res.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"id": id, "is_do_not_contact": true}))
}
