package models

import "gorm.io/gorm"

// TenantSettings holds per-tenant dispatch policy: the quiet-hours window,
// stop-on-reply behaviour, and the agent identity used for rendering and as
// the send origin. Missing settings fall back to the engine defaults.
type TenantSettings struct {
	gorm.Model
	TenantID uint `gorm:"uniqueIndex;not null" json:"tenant_id"`

	// Agent identity
	AgentName string `json:"agent_name"`
	FromEmail string `json:"from_email"`
	FromPhone string `json:"from_phone"`

	// Quiet hours window in local wall-clock time, may cross midnight
	QuietHoursEnabled bool   `gorm:"default:true" json:"quiet_hours_enabled"`
	QuietHoursStart   string `gorm:"default:'21:00'" json:"quiet_hours_start"`
	QuietHoursEnd     string `gorm:"default:'08:00'" json:"quiet_hours_end"`
	Timezone          string `gorm:"default:'UTC'" json:"timezone"`

	// Policy flags (structured, not free text)
	StopOnReply        bool `gorm:"default:true" json:"stop_on_reply"`
	GateTriggeredSends bool `gorm:"default:false" json:"gate_triggered_sends"` // apply quiet hours to trigger-fired steps too
}
