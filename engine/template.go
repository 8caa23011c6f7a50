package engine

import (
	"fmt"
	"time"
)

// Channel identifies the delivery channel of a step.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// TriggerKind distinguishes templates that start ticking at enrollment time
// from templates that are only enrolled when an external condition becomes
// true (e.g. deal stage reaches closed).
type TriggerKind string

const (
	TriggerOnEnrollment TriggerKind = "on_enrollment"
	TriggerOnCondition  TriggerKind = "on_condition"
)

// Trigger is a tagged variant: Stage is only meaningful for on_condition.
type Trigger struct {
	Kind  TriggerKind `json:"kind"`
	Stage string      `json:"stage,omitempty"`
}

// Step is one timed, single-channel action within a template. Offset is
// relative to enrollment time (which for on_condition templates is the moment
// the condition was satisfied).
type Step struct {
	Offset  time.Duration `json:"offset"`
	Channel Channel       `json:"channel"`
	Subject string        `json:"subject,omitempty"` // email only
	Content string        `json:"content"`
}

// Template is the immutable definition of a multi-step automated sequence.
// Editing a published template produces a new Version; live enrollments keep
// firing against the version they enrolled on.
type Template struct {
	Key         string  `json:"key"`
	Version     int     `json:"version"`
	Name        string  `json:"name"`
	Trigger     Trigger `json:"trigger"`
	StopOnReply bool    `json:"stop_on_reply"`
	Steps       []Step  `json:"steps"`
}

// Validate enforces the template invariants: at least one step, known
// channels, and non-decreasing step offsets.
func (t *Template) Validate() error {
	if t.Key == "" {
		return fmt.Errorf("template has no key")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("template %q has no steps", t.Key)
	}
	switch t.Trigger.Kind {
	case TriggerOnEnrollment:
	case TriggerOnCondition:
		if t.Trigger.Stage == "" {
			return fmt.Errorf("template %q: on_condition trigger needs a stage", t.Key)
		}
	default:
		return fmt.Errorf("template %q: unknown trigger kind %q", t.Key, t.Trigger.Kind)
	}
	var prev time.Duration
	for i, step := range t.Steps {
		if step.Channel != ChannelSMS && step.Channel != ChannelEmail {
			return fmt.Errorf("template %q step %d: unknown channel %q", t.Key, i, step.Channel)
		}
		if step.Offset < 0 {
			return fmt.Errorf("template %q step %d: negative offset", t.Key, i)
		}
		if step.Offset < prev {
			return fmt.Errorf("template %q step %d: offset decreases", t.Key, i)
		}
		prev = step.Offset
	}
	return nil
}
