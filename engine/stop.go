package engine

import (
	"time"

	"leadnexy/models"
)

// EventKind classifies inbound events.
type EventKind string

const (
	EventReply        EventKind = "reply"
	EventStageChange  EventKind = "stage_change"
	EventManualPause  EventKind = "manual_pause"
	EventManualResume EventKind = "manual_resume"
)

// InboundEvent is the transient input delivered by the surrounding product:
// a prospect replied, a deal changed stage, or an agent paused follow-up.
// ID makes at-least-once delivery safe to replay.
type InboundEvent struct {
	ID         string            `json:"id"`
	LeadID     uint              `json:"lead_id"`
	Kind       EventKind         `json:"kind"`
	Stage      string            `json:"stage,omitempty"` // stage_change only
	Payload    map[string]string `json:"payload,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// ShouldHalt decides whether a live enrollment must stop for the given event.
// Pure over its inputs; the Enrollment Manager performs the actual halt.
// Priority: reply, then terminal stage change, then explicit halt request.
// A tenant can opt the whole account out of stop-on-reply; missing settings
// behave like the default (stop).
func ShouldHalt(enr *models.Enrollment, tpl *Template, settings *models.TenantSettings, ev InboundEvent) (bool, string) {
	if enr == nil || enr.Terminal() {
		return false, ""
	}
	if enr.LeadID != ev.LeadID {
		return false, ""
	}
	switch ev.Kind {
	case EventReply:
		// A template without the stop-on-reply rule keeps firing; every
		// shipped template sets it.
		if settings != nil && !settings.StopOnReply {
			return false, ""
		}
		if tpl == nil || tpl.StopOnReply {
			return true, models.HaltReasonReply
		}
	case EventStageChange:
		if models.TerminalStage(ev.Stage) {
			return true, models.HaltReasonStageChange
		}
	}
	return false, ""
}
