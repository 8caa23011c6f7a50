package controller

import (
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadnexy/models"
)

type activityUpdate struct {
	EnrollmentID uint                    `json:"enrollment_id"`
	Status       string                  `json:"status"`
	StepIndex    int                     `json:"step_index"`
	Records      []models.DispatchRecord `json:"records,omitempty"`
}

// activityQuery scopes the stream lookup to the subscriber's tenant, the same
// way the REST controllers scope theirs.
func activityQuery(db *gorm.DB, tenantID, enrollmentID uint) *gorm.DB {
	return db.Where("id = ? AND tenant_id = ?", enrollmentID, tenantID)
}

// HandleActivityWS streams dispatch activity for one enrollment to a
// dashboard client. New dispatch records are pushed as they are written; the
// stream closes once the enrollment reaches a terminal status.
func HandleActivityWS(db *gorm.DB, logger *logrus.Logger) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		tenantID, ok := c.Locals("tenantID").(uint)
		if !ok || tenantID == 0 {
			logger.Debug("activity ws: missing tenant claim")
			return
		}

		var input struct {
			EnrollmentID uint `json:"enrollment_id"`
		}
		if err := c.ReadJSON(&input); err != nil {
			logger.WithError(err).Debug("activity ws: bad subscribe message")
			return
		}

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		var lastRecordID uint
		for {
			var enrollment models.Enrollment
			if err := activityQuery(db, tenantID, input.EnrollmentID).First(&enrollment).Error; err != nil {
				logger.WithError(err).WithField("enrollment_id", input.EnrollmentID).Debug("activity ws: enrollment lookup failed")
				return
			}

			var records []models.DispatchRecord
			if err := db.Where("enrollment_id = ? AND id > ?", enrollment.ID, lastRecordID).
				Order("id ASC").
				Find(&records).Error; err != nil {
				logger.WithError(err).Debug("activity ws: record fetch failed")
				return
			}
			if len(records) > 0 {
				lastRecordID = records[len(records)-1].ID
			}

			update := activityUpdate{
				EnrollmentID: enrollment.ID,
				Status:       enrollment.Status,
				StepIndex:    enrollment.CurrentStepIndex,
				Records:      records,
			}
			if err := c.WriteJSON(update); err != nil {
				return
			}

			if enrollment.Terminal() {
				return
			}
			<-ticker.C
		}
	}
}
