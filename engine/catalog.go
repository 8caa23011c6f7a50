package engine

import (
	"time"

	"leadnexy/models"
)

// BuiltinTemplates is the shipped sequence catalog. Placeholders are resolved
// from the enrollment variables, falling back to lead and tenant fields.
func BuiltinTemplates() []*Template {
	return []*Template{
		{
			Key:         "instant_sms",
			Version:     1,
			Name:        "Instant text back",
			Trigger:     Trigger{Kind: TriggerOnEnrollment},
			StopOnReply: true,
			Steps: []Step{
				{
					Offset:  0,
					Channel: ChannelSMS,
					Content: "Hey {{firstName}}, it's {{agentName}}. I just saw your request about {{interest}}. Are you looking to buy or sell right now?",
				},
			},
		},
		{
			Key:         "no_reply_followups",
			Version:     1,
			Name:        "No-reply follow-ups",
			Trigger:     Trigger{Kind: TriggerOnEnrollment},
			StopOnReply: true,
			Steps: []Step{
				{
					Offset:  2 * time.Hour,
					Channel: ChannelSMS,
					Content: "Hi {{firstName}}, {{agentName}} again. Still happy to help with {{interest}} whenever you're ready.",
				},
				{
					Offset:  24 * time.Hour,
					Channel: ChannelEmail,
					Subject: "Quick question about {{interest}}",
					Content: "Hi {{firstName}},\n\nI reached out yesterday about {{interest}} and didn't want it to slip through the cracks. Is there a good time for a quick call this week?\n\n{{agentName}}",
				},
				{
					Offset:  72 * time.Hour,
					Channel: ChannelSMS,
					Content: "{{firstName}}, homes in {{area}} are moving fast right now. Want me to send over a few similar listings?",
				},
				{
					Offset:  168 * time.Hour,
					Channel: ChannelEmail,
					Subject: "Should I close your file?",
					Content: "Hi {{firstName}},\n\nI haven't heard back, so I'll stop reaching out for now. If you're still thinking about {{interest}}, just reply to this email and we'll pick it back up.\n\n{{agentName}}",
				},
			},
		},
		{
			Key:         "long_term_nurture",
			Version:     1,
			Name:        "Long-term nurture",
			Trigger:     Trigger{Kind: TriggerOnEnrollment},
			StopOnReply: true,
			Steps: []Step{
				{
					Offset:  14 * 24 * time.Hour,
					Channel: ChannelEmail,
					Subject: "Market update for {{area}}",
					Content: "Hi {{firstName}},\n\nHere's a quick look at what's been happening in {{area}} over the last two weeks. Happy to walk you through any of it.\n\n{{agentName}}",
				},
				{
					Offset:  30 * 24 * time.Hour,
					Channel: ChannelSMS,
					Content: "Hi {{firstName}}, it's {{agentName}}. Checking in — any change on your plans for {{interest}}?",
				},
			},
		},
		{
			Key:         "review_request",
			Version:     1,
			Name:        "Closing review request",
			Trigger:     Trigger{Kind: TriggerOnCondition, Stage: models.StageClosed},
			StopOnReply: true,
			Steps: []Step{
				{
					Offset:  24 * time.Hour,
					Channel: ChannelSMS,
					Content: "Congrats again, {{firstName}}! It was a pleasure working with you. Would you mind leaving {{agentName}} a quick review? It helps a ton.",
				},
			},
		},
	}
}
