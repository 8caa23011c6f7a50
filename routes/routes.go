package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	controller "leadnexy/controllers"
	"leadnexy/engine"
	"leadnexy/middleware"
)

func SetupAPIRoutes(app *fiber.App, db *gorm.DB, eng *engine.Engine, appLogger *logrus.Logger) {
	enrollmentController := controller.NewEnrollmentController(db, eng, appLogger)
	eventController := controller.NewEventController(db, eng, appLogger)
	leadController := controller.NewLeadController(db, appLogger)
	templateController := controller.NewTemplateController(eng.Registry(), appLogger)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Lead routes
	lead := api.Group("/leads")
	lead.Post("/", leadController.CreateLead)
	lead.Get("/", leadController.GetLeads)
	lead.Get("/:id", leadController.GetLead)
	lead.Post("/:id/do-not-contact", leadController.SetDoNotContact)

	// Enrollment routes
	enrollment := api.Group("/enrollments")
	enrollment.Post("/", enrollmentController.CreateEnrollment)
	enrollment.Get("/", enrollmentController.GetEnrollments)
	enrollment.Get("/:id", enrollmentController.GetEnrollment)
	enrollment.Get("/:id/dispatches", enrollmentController.GetDispatchRecords)
	enrollment.Post("/:id/pause", enrollmentController.PauseEnrollment)
	enrollment.Post("/:id/resume", enrollmentController.ResumeEnrollment)
	enrollment.Post("/:id/halt", enrollmentController.HaltEnrollment)

	// Template catalog (read-only)
	template := api.Group("/templates")
	template.Get("/", templateController.GetTemplates)
	template.Get("/:key", templateController.GetTemplate)

	// Inbound events from the CRM and webhook relays, rate limited because
	// relays retry aggressively
	api.Post("/events", middleware.WebhookRateLimiter(), eventController.IngestEvent)

	// WebSocket route for live dispatch activity; authenticated like the rest
	// of the API, the tenant claim survives the upgrade via Locals
	app.Use("/api/v1/activity", middleware.Protected(), func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/api/v1/activity", websocket.New(controller.HandleActivityWS(db, appLogger)))

	appLogger.Info("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, db *gorm.DB, eng *engine.Engine, appLogger *logrus.Logger) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"timeline": eng.Scheduler().Len(),
		})
	})

	SetupAPIRoutes(app, db, eng, appLogger)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
