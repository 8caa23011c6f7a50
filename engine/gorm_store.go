package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadnexy/models"
)

var liveStatuses = []string{
	models.EnrollmentPending,
	models.EnrollmentActive,
	models.EnrollmentPaused,
}

// GormStore is the postgres-backed Store.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreateEnrollment(ctx context.Context, e *models.Enrollment) error {
	return s.db.WithContext(ctx).Create(e).Error
}

func (s *GormStore) GetEnrollment(ctx context.Context, id uint) (*models.Enrollment, error) {
	var e models.Enrollment
	if err := s.db.WithContext(ctx).First(&e, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrEnrollmentNotFound, id)
		}
		return nil, err
	}
	return &e, nil
}

func (s *GormStore) UpdateEnrollment(ctx context.Context, e *models.Enrollment) error {
	res := s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND lock_version = ?", e.ID, e.LockVersion).
		Updates(map[string]interface{}{
			"status":             e.Status,
			"current_step_index": e.CurrentStepIndex,
			"halted_reason":      e.HaltedReason,
			"last_dispatch_at":   e.LastDispatchAt,
			"next_due_at":        e.NextDueAt,
			"paused_at":          e.PausedAt,
			"remaining_offset":   e.RemainingOffset,
			"variables":          e.Variables,
			"lock_version":       e.LockVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	e.LockVersion++
	return nil
}

func (s *GormStore) ActiveEnrollmentForLeadTemplate(ctx context.Context, leadID uint, templateKey string) (*models.Enrollment, error) {
	var e models.Enrollment
	err := s.db.WithContext(ctx).
		Where("lead_id = ? AND template_key = ? AND status IN ?", leadID, templateKey, liveStatuses).
		Order("id DESC").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *GormStore) ActiveEnrollmentsForLead(ctx context.Context, leadID uint) ([]*models.Enrollment, error) {
	var out []*models.Enrollment
	err := s.db.WithContext(ctx).
		Where("lead_id = ? AND status IN ?", leadID, liveStatuses).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) ListSchedulable(ctx context.Context) ([]*models.Enrollment, error) {
	var out []*models.Enrollment
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_due_at IS NOT NULL", models.EnrollmentActive).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) GetLead(ctx context.Context, id uint) (*models.Lead, error) {
	var l models.Lead
	if err := s.db.WithContext(ctx).First(&l, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrLeadNotFound, id)
		}
		return nil, err
	}
	return &l, nil
}

func (s *GormStore) UpdateLeadStage(ctx context.Context, leadID uint, stage string) error {
	return s.db.WithContext(ctx).Model(&models.Lead{}).
		Where("id = ?", leadID).
		Update("stage", stage).Error
}

func (s *GormStore) TouchLeadContact(ctx context.Context, leadID uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Lead{}).
		Where("id = ?", leadID).
		Update("last_contact_at", at).Error
}

func (s *GormStore) GetTenantSettings(ctx context.Context, tenantID uint) (*models.TenantSettings, error) {
	var settings models.TenantSettings
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *GormStore) AppendDispatchRecord(ctx context.Context, rec *models.DispatchRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *GormStore) DispatchRecords(ctx context.Context, enrollmentID uint) ([]*models.DispatchRecord, error) {
	var out []*models.DispatchRecord
	err := s.db.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) FailedAttempts(ctx context.Context, idempotencyKey string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.DispatchRecord{}).
		Where("idempotency_key = ? AND outcome = ?", idempotencyKey, models.OutcomeFailed).
		Count(&n).Error
	return int(n), err
}

func (s *GormStore) HasSent(ctx context.Context, idempotencyKey string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.DispatchRecord{}).
		Where("idempotency_key = ? AND outcome = ?", idempotencyKey, models.OutcomeSent).
		Count(&n).Error
	return n > 0, err
}

func (s *GormStore) ClaimSend(ctx context.Context, idempotencyKey string) (bool, error) {
	claim := models.SendClaim{IdempotencyKey: idempotencyKey, ClaimedAt: time.Now().UTC()}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&claim)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) ReleaseSend(ctx context.Context, idempotencyKey string) error {
	return s.db.WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		Delete(&models.SendClaim{}).Error
}

func (s *GormStore) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ProcessedEvent{}).
		Where("event_id = ?", eventID).
		Count(&n).Error
	return n > 0, err
}

func (s *GormStore) MarkEventProcessed(ctx context.Context, eventID, kind string) (bool, error) {
	evt := models.ProcessedEvent{EventID: eventID, Kind: kind}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&evt)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
