package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"leadnexy/models"
)

// How many times a state transition retries after losing an optimistic write.
const conflictRetries = 3

// Manager owns the enrollment lifecycle. It is the sole writer of an
// enrollment's status and step index; the scheduler only consumes due
// instants derived from it.
type Manager struct {
	store     Store
	registry  *Registry
	scheduler *Scheduler
	clock     Clock
	logger    *logrus.Logger
}

func NewManager(store Store, registry *Registry, scheduler *Scheduler, clock Clock, logger *logrus.Logger) *Manager {
	return &Manager{
		store:     store,
		registry:  registry,
		scheduler: scheduler,
		clock:     clock,
		logger:    logger,
	}
}

// Enroll attaches a lead to a template and schedules its first step. Fails
// with ErrAlreadyActive when a live enrollment for the same (lead, template)
// pair exists; re-enrollment is never a silent duplicate.
func (m *Manager) Enroll(ctx context.Context, tenantID, leadID uint, templateKey string, variables map[string]string) (*models.Enrollment, error) {
	tpl, err := m.registry.Get(templateKey)
	if err != nil {
		return nil, err
	}
	lead, err := m.store.GetLead(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if tenantID != 0 && lead.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %d", ErrLeadNotFound, leadID)
	}

	existing, err := m.store.ActiveEnrollmentForLeadTemplate(ctx, leadID, templateKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: enrollment %d", ErrAlreadyActive, existing.ID)
	}

	now := m.clock.Now()
	due := now.Add(tpl.Steps[0].Offset)
	enr := &models.Enrollment{
		TenantID:        lead.TenantID,
		LeadID:          leadID,
		TemplateKey:     tpl.Key,
		TemplateVersion: tpl.Version,
		Variables:       variables,
		Status:          models.EnrollmentPending,
		EnrolledAt:      now,
		NextDueAt:       &due,
	}
	if err := m.store.CreateEnrollment(ctx, enr); err != nil {
		return nil, err
	}

	enr.Status = models.EnrollmentActive
	if err := m.store.UpdateEnrollment(ctx, enr); err != nil {
		return nil, err
	}
	m.scheduler.RegisterDue(enr.ID, 0, due)

	m.logger.WithFields(logrus.Fields{
		"enrollment_id": enr.ID,
		"lead_id":       leadID,
		"template":      tpl.Key,
		"first_due_at":  due,
	}).Info("lead enrolled")
	return enr, nil
}

// Advance moves the enrollment past a successfully dispatched step. It is a
// no-op on a non-active enrollment: a halt that raced an in-flight send wins,
// and nothing further is scheduled.
func (m *Manager) Advance(ctx context.Context, enrollmentID uint) error {
	return m.mutate(ctx, enrollmentID, func(enr *models.Enrollment) (bool, error) {
		if enr.Status != models.EnrollmentActive {
			return false, nil
		}
		tpl, err := m.registry.Get(enr.TemplateKey)
		if err != nil {
			return false, err
		}

		now := m.clock.Now()
		enr.CurrentStepIndex++
		enr.LastDispatchAt = &now

		if enr.CurrentStepIndex >= len(tpl.Steps) {
			enr.Status = models.EnrollmentCompleted
			enr.NextDueAt = nil
			m.scheduler.Cancel(enr.ID)
			m.logger.WithField("enrollment_id", enr.ID).Info("sequence completed")
			return true, nil
		}

		due := enr.EnrolledAt.Add(tpl.Steps[enr.CurrentStepIndex].Offset)
		if due.Before(now) {
			// a delayed earlier step must not make the next one fire in the past
			due = now
		}
		enr.NextDueAt = &due
		m.scheduler.RegisterDue(enr.ID, enr.CurrentStepIndex, due)
		return true, nil
	})
}

// Reschedule moves the pending step's due instant without advancing it; used
// for quiet-hours deferral and retry backoff.
func (m *Manager) Reschedule(ctx context.Context, enrollmentID uint, stepIndex int, at time.Time) error {
	return m.mutate(ctx, enrollmentID, func(enr *models.Enrollment) (bool, error) {
		if enr.Status != models.EnrollmentActive || enr.CurrentStepIndex != stepIndex {
			return false, nil
		}
		enr.NextDueAt = &at
		m.scheduler.RegisterDue(enr.ID, stepIndex, at)
		return true, nil
	})
}

// Halt terminates the enrollment and cancels its pending due instant.
// Idempotent, and safe to call concurrently with a firing step: an in-flight
// send completes, but the subsequent Advance sees the halted status and does
// nothing.
func (m *Manager) Halt(ctx context.Context, enrollmentID uint, reason string) error {
	return m.mutate(ctx, enrollmentID, func(enr *models.Enrollment) (bool, error) {
		if enr.Terminal() {
			m.scheduler.Cancel(enr.ID)
			return false, nil
		}
		enr.Status = models.EnrollmentHalted
		enr.HaltedReason = &reason
		enr.NextDueAt = nil
		m.scheduler.Cancel(enr.ID)
		m.logger.WithFields(logrus.Fields{
			"enrollment_id": enr.ID,
			"reason":        reason,
		}).Info("enrollment halted")
		return true, nil
	})
}

// Pause suspends an active enrollment without discarding its position. The
// remaining time until the pending step is recorded so a long pause never
// causes a backlog of steps to fire at once.
func (m *Manager) Pause(ctx context.Context, enrollmentID uint) error {
	return m.mutate(ctx, enrollmentID, func(enr *models.Enrollment) (bool, error) {
		if enr.Status != models.EnrollmentActive {
			return false, nil
		}
		now := m.clock.Now()
		var remaining time.Duration
		if enr.NextDueAt != nil {
			remaining = enr.NextDueAt.Sub(now)
			if remaining < 0 {
				remaining = 0
			}
		}
		enr.Status = models.EnrollmentPaused
		enr.PausedAt = &now
		enr.RemainingOffset = int64(remaining / time.Second)
		enr.NextDueAt = nil
		m.scheduler.Cancel(enr.ID)
		m.logger.WithFields(logrus.Fields{
			"enrollment_id": enr.ID,
			"remaining":     remaining,
		}).Info("enrollment paused")
		return true, nil
	})
}

// Resume reactivates a paused enrollment, scheduling the pending step at
// now + the offset that remained when it was paused.
func (m *Manager) Resume(ctx context.Context, enrollmentID uint) error {
	var notPaused bool
	err := m.mutate(ctx, enrollmentID, func(enr *models.Enrollment) (bool, error) {
		if enr.Status != models.EnrollmentPaused {
			notPaused = true
			return false, nil
		}
		now := m.clock.Now()
		due := now.Add(time.Duration(enr.RemainingOffset) * time.Second)
		enr.Status = models.EnrollmentActive
		enr.PausedAt = nil
		enr.RemainingOffset = 0
		enr.NextDueAt = &due
		m.scheduler.RegisterDue(enr.ID, enr.CurrentStepIndex, due)
		m.logger.WithFields(logrus.Fields{
			"enrollment_id": enr.ID,
			"due_at":        due,
		}).Info("enrollment resumed")
		return true, nil
	})
	if err != nil {
		return err
	}
	if notPaused {
		return ErrNotPaused
	}
	return nil
}

// mutate runs a read-modify-write on one enrollment, retrying when the
// optimistic version check loses a race. This is what serializes transitions
// per enrollment without cross-enrollment contention.
func (m *Manager) mutate(ctx context.Context, enrollmentID uint, fn func(*models.Enrollment) (bool, error)) error {
	var lastErr error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		enr, err := m.store.GetEnrollment(ctx, enrollmentID)
		if err != nil {
			return err
		}
		save, err := fn(enr)
		if err != nil {
			return err
		}
		if !save {
			return nil
		}
		err = m.store.UpdateEnrollment(ctx, enr)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
