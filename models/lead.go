package models

import (
	"time"

	"gorm.io/gorm"
)

// Lead stages. Closed and Lost are terminal: reaching either halts every
// active enrollment for the lead.
const (
	StageNew         = "new"
	StageEngaged     = "engaged"
	StageAppointment = "appointment"
	StageClosed      = "closed"
	StageLost        = "lost"
)

// TerminalStage reports whether a stage ends automated follow-up.
func TerminalStage(stage string) bool {
	return stage == StageClosed || stage == StageLost
}

// Lead represents a single prospect/contact
type Lead struct {
	gorm.Model
	TenantID uint `gorm:"not null;index" json:"tenant_id"`

	Email     string `gorm:"index" json:"email"`
	Phone     string `json:"phone"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`

	// What the prospect reached out about, e.g. a listing address
	Interest string `json:"interest"`
	Area     string `json:"area"`

	Stage  string `gorm:"not null;default:'new';index" json:"stage"`
	Source string `json:"source"` // web form, portal, manual, etc.

	// Status
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	LastContactAt *time.Time `json:"last_contact_at,omitempty"`

	// Relations
	Enrollments []Enrollment `gorm:"foreignKey:LeadID" json:"enrollments,omitempty"`
}

// RenderVariables returns the lead-derived placeholder values used when an
// enrollment did not capture its own.
func (l *Lead) RenderVariables() map[string]string {
	return map[string]string{
		"firstName": l.FirstName,
		"lastName":  l.LastName,
		"interest":  l.Interest,
		"area":      l.Area,
	}
}
