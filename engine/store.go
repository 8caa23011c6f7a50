package engine

import (
	"context"
	"time"

	"leadnexy/models"
)

// Store is the engine's persistence port. It must provide the per-enrollment
// optimistic read-modify-write the concurrency model relies on, and survive a
// process restart: ListSchedulable is what the timeline is rebuilt from.
type Store interface {
	CreateEnrollment(ctx context.Context, e *models.Enrollment) error
	// GetEnrollment returns ErrEnrollmentNotFound for unknown ids.
	GetEnrollment(ctx context.Context, id uint) (*models.Enrollment, error)
	// UpdateEnrollment persists the enrollment guarded by its LockVersion and
	// bumps it; returns ErrConflict when another writer got there first.
	UpdateEnrollment(ctx context.Context, e *models.Enrollment) error
	// ActiveEnrollmentForLeadTemplate returns the live (pending, active or
	// paused) enrollment for the pair, or nil when none exists.
	ActiveEnrollmentForLeadTemplate(ctx context.Context, leadID uint, templateKey string) (*models.Enrollment, error)
	// ActiveEnrollmentsForLead returns all live enrollments for a lead.
	ActiveEnrollmentsForLead(ctx context.Context, leadID uint) ([]*models.Enrollment, error)
	// ListSchedulable returns active enrollments that have a pending
	// due-instant, ordered by enrollment id.
	ListSchedulable(ctx context.Context) ([]*models.Enrollment, error)

	GetLead(ctx context.Context, id uint) (*models.Lead, error)
	UpdateLeadStage(ctx context.Context, leadID uint, stage string) error
	TouchLeadContact(ctx context.Context, leadID uint, at time.Time) error

	// GetTenantSettings returns nil when the tenant has no stored settings.
	GetTenantSettings(ctx context.Context, tenantID uint) (*models.TenantSettings, error)

	AppendDispatchRecord(ctx context.Context, rec *models.DispatchRecord) error
	DispatchRecords(ctx context.Context, enrollmentID uint) ([]*models.DispatchRecord, error)
	// FailedAttempts counts persisted failed attempts for an idempotency key,
	// which keeps the retry budget intact across restarts.
	FailedAttempts(ctx context.Context, idempotencyKey string) (int, error)
	// HasSent reports whether a sent record exists for an idempotency key.
	HasSent(ctx context.Context, idempotencyKey string) (bool, error)

	// ClaimSend atomically takes the at-most-once send claim for a key;
	// false means the key was already claimed.
	ClaimSend(ctx context.Context, idempotencyKey string) (bool, error)
	// ReleaseSend frees a claim after a definitely-failed attempt.
	ReleaseSend(ctx context.Context, idempotencyKey string) error

	// EventProcessed reports whether an event id was recorded before.
	EventProcessed(ctx context.Context, eventID string) (bool, error)
	// MarkEventProcessed records an event id; false means it was seen before.
	MarkEventProcessed(ctx context.Context, eventID, kind string) (bool, error)
}
