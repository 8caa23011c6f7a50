package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment statuses.
const (
	EnrollmentPending   = "pending"
	EnrollmentActive    = "active"
	EnrollmentPaused    = "paused"
	EnrollmentHalted    = "halted"
	EnrollmentCompleted = "completed"
)

// Halt reasons recorded on terminated enrollments so downstream UI can tell
// "lead replied" apart from "delivery problem".
const (
	HaltReasonReply             = "reply"
	HaltReasonStageChange       = "stage_change"
	HaltReasonManual            = "manual"
	HaltReasonDoNotContact      = "do_not_contact"
	HaltReasonDispatchExhausted = "dispatch_exhausted"
)

// Dispatch outcomes.
const (
	OutcomeSent                 = "sent"
	OutcomeSuppressedQuietHours = "suppressed_quiet_hours"
	OutcomeSkippedHalted        = "skipped_halted"
	OutcomeFailed               = "failed"
)

// Enrollment is the live binding of one lead to one sequence template.
type Enrollment struct {
	gorm.Model
	TenantID uint `gorm:"not null;index" json:"tenant_id"`
	LeadID   uint `gorm:"not null;index" json:"lead_id"`

	TemplateKey     string `gorm:"not null;index" json:"template_key"`
	TemplateVersion int    `gorm:"default:1" json:"template_version"`

	// Rendering context captured at enrollment time
	Variables map[string]string `gorm:"type:jsonb;serializer:json" json:"variables,omitempty"`

	Status           string     `gorm:"not null;default:'pending';index" json:"status"`
	CurrentStepIndex int        `gorm:"default:0" json:"current_step_index"`
	EnrolledAt       time.Time  `gorm:"not null" json:"enrolled_at"`
	HaltedReason     *string    `json:"halted_reason,omitempty"`
	LastDispatchAt   *time.Time `json:"last_dispatch_at,omitempty"`

	// Scheduling state; NextDueAt is what the timeline is rebuilt from after a restart
	NextDueAt       *time.Time `gorm:"index" json:"next_due_at,omitempty"`
	PausedAt        *time.Time `json:"paused_at,omitempty"`
	RemainingOffset int64      `gorm:"default:0" json:"remaining_offset"` // seconds left on the pending step when paused

	// Optimistic concurrency token; bumped on every write
	LockVersion int `gorm:"not null;default:0" json:"-"`

	// Relations
	DispatchRecords []DispatchRecord `gorm:"foreignKey:EnrollmentID" json:"dispatch_records,omitempty"`
}

// Terminal reports whether the enrollment can no longer fire steps.
func (e *Enrollment) Terminal() bool {
	return e.Status == EnrollmentHalted || e.Status == EnrollmentCompleted
}

// DispatchRecord is the append-only audit of one attempted step firing.
type DispatchRecord struct {
	gorm.Model
	EnrollmentID uint   `gorm:"not null;index" json:"enrollment_id"`
	StepIndex    int    `gorm:"not null" json:"step_index"`
	Channel      string `json:"channel"`

	ScheduledFor time.Time  `gorm:"not null" json:"scheduled_for"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"` // nil when suppressed or failed
	Outcome      string     `gorm:"not null;index" json:"outcome"`
	Detail       string     `gorm:"type:text" json:"detail,omitempty"`

	IdempotencyKey string `gorm:"not null;index" json:"idempotency_key"`
}

// SendClaim guards the at-most-once send per (enrollment, step). A claim is
// taken before the provider call and released only when the attempt definitely
// failed, so a crash mid-send can never produce a duplicate message.
type SendClaim struct {
	ID             uint      `gorm:"primarykey" json:"id"`
	IdempotencyKey string    `gorm:"uniqueIndex;not null" json:"idempotency_key"`
	ClaimedAt      time.Time `gorm:"not null" json:"claimed_at"`
}

// ProcessedEvent records inbound event ids so at-least-once delivery from the
// event source collapses to one ingest pass.
type ProcessedEvent struct {
	gorm.Model
	EventID string `gorm:"uniqueIndex;not null" json:"event_id"`
	Kind    string `json:"kind"`
}
