package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadnexy/models"
)

func seedTenant(h *harness) {
	h.store.addSettings(&models.TenantSettings{
		TenantID:          1,
		AgentName:         "Sam",
		FromEmail:         "sam@maplewoodrealty.example",
		FromPhone:         "+15550000111",
		QuietHoursEnabled: true,
		QuietHoursStart:   "21:00",
		QuietHoursEnd:     "08:00",
		Timezone:          "UTC",
		StopOnReply:       true,
	})
}

func TestDispatchRendersAndSends(t *testing.T) {
	h := newHarness(t, DispatchConfig{})
	seedTenant(h)
	lead := seedLead(h)
	ctx := context.Background()

	enr, err := h.manager.Enroll(ctx, 1, lead.ID, "instant_sms", nil)
	require.NoError(t, err)

	require.Equal(t, 1, h.runDue(ctx))

	msgs := h.sms.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "+15551230001", msgs[0].To)
	assert.Equal(t, "Hey Alex, it's Sam. I just saw your request about 123 Main St. Are you looking to buy or sell right now?", msgs[0].Body)

	got := h.enrollment(t, enr.ID)
	assert.Equal(t, models.EnrollmentCompleted, got.Status)

	records, err := h.store.DispatchRecords(ctx, enr.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.OutcomeSent, records[0].Outcome)
	require.NotNil(t, records[0].DispatchedAt)

	updatedLead, err := h.store.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	require.NotNil(t, updatedLead.LastContactAt)
}

func TestDispatchUsesFallbackTokenForMissingVariables(t *testing.T) {
	h := newHarness(t, DispatchConfig{})
	// no tenant settings: agentName is unresolvable
	lead := h.store.addLead(&models.Lead{TenantID: 1, Phone: "+15551230002"})
	ctx := context.Background()

	_, err := h.manager.Enroll(ctx, 1, lead.ID, "instant_sms", nil)
	require.NoError(t, err)
	require.Equal(t, 1, h.runDue(ctx))

	msgs := h.sms.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hey there, it's there. I just saw your request about there. Are you looking to buy or sell right now?", msgs[0].Body)
}

func TestDispatchEnrollmentVariablesWinOverLeadFields(t *testing.T) {
	h := newHarness(t, DispatchConfig{})
	seedTenant(h)
	lead := seedLead(h)
	ctx := context.Background()

	_, err := h.manager.Enroll(ctx, 1, lead.ID, "instant_sms", map[string]string{"interest": "456 Oak Ave"})
	require.NoError(t, err)
	require.Equal(t, 1, h.runDue(ctx))

	msgs := h.sms.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Body, "456 Oak Ave")
}

func TestDispatchDefersDuringQuietHours(t *testing.T) {
	h := newHarness(t, DispatchConfig{})
	seedTenant(h)
	lead := seedLead(h)
	ctx := context.Background()

	// 22:30 UTC, inside the 21:00-08:00 window
	h.clock.Set(time.Date(2025, 3, 10, 22, 30, 0, 0, time.UTC))
	enr, err := h.manager.Enroll(ctx, 1, lead.ID, "instant_sms", nil)
	require.NoError(t, err)

	require.Equal(t, 1, h.runDue(ctx))
	assert.Empty(t, h.sms.messages())

	got := h.enrollment(t, enr.ID)
	assert.Equal(t, models.EnrollmentActive, got.Status)
	assert.Equal(t, 0, got.CurrentStepIndex)
	require.NotNil(t, got.NextDueAt)
	assert.Equal(t, time.Date(2025, 3, 11, 8, 0, 0, 0, time.UTC), *got.NextDueAt)

	records, err := h.store.DispatchRecords(ctx, enr.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.OutcomeSuppressedQuietHours, records[0].Outcome)

	// at 08:00 the deferred step goes out
	h.clock.Set(time.Date(2025, 3, 11, 8, 0, 0, 0, time.UTC))
	require.Equal(t, 1, h.runDue(ctx))
	require.Len(t, h.sms.messages(), 1)
}

func TestDispatchQuietHoursDisabledPerTenant(t *testing.T) {
	h := newHarness(t, DispatchConfig{})
	h.store.addSettings(&models.TenantSettings{
		TenantID:          1,
		AgentName:         "Sam",
		QuietHoursEnabled: false,
		QuietHoursStart:   "21:00",
		QuietHoursEnd:     "08:00",
		Timezone:          "UTC",
	})
	lead := seedLead(h)
	ctx := context.Background()

	h.clock.Set(time.Date(2025, 3, 10, 22, 30, 0, 0, time.UTC))
	_, err := h.manager.Enroll(ctx, 1, lead.ID, "instant_sms", nil)
	require.NoError(t, err)

	require.Equal(t, 1, h.runDue(ctx))
	assert.Len(t, h.sms.messages(), 1)
}

func TestDispatchTriggeredTemplateBypassesQuietHoursByDefault(t *testing.T) {
	h := newHarness(t, DispatchConfig{})
	seedTenant(h)
	lead := seedLead(h)
	ctx := context.Background()

	// review_request is on_condition; its step is due 24h after enrollment
	enr, err := h.manager.Enroll(ctx, 1, lead.ID, "review_request", nil)
	require.NoError(t, err)

	// land the due instant at 23:00, inside quiet hours
	h.clock.Set(time.Date(2025, 3, 11, 23, 0, 0, 0, time.UTC))
	require.Equal(t, 1, h.runDue(ctx))

	assert.Len(t, h.sms.messages(), 1)
	got := h.enrollment(t, enr.ID)
	assert.Equal(t, models.EnrollmentCompleted, got.Status)
}

func TestDispatchTriggeredTemplateGatedWhenTenantOptsIn(t *testing.T) {
	h := newHarness(t, DispatchConfig{})
	h.store.addSettings(&models.TenantSettings{
		TenantID:           1,
		AgentName:          "Sam",
		QuietHoursEnabled:  true,
		QuietHoursStart:    "21:00",
		QuietHoursEnd:      "08:00",
		Timezone:           "UTC",
		GateTriggeredSends: true,
	})
	lead := seedLead(h)
	ctx := context.Background()

	_, err := h.manager.Enroll(ctx, 1, lead.ID, "review_request", nil)
	require.NoError(t, err)

	h.clock.Set(time.Date(2025, 3, 11, 23, 0, 0, 0, time.UTC))
	require.Equal(t, 1, h.runDue(ctx))

	assert.Empty(t, h.sms.messages())
}

func TestDispatchSkipsHaltedEnrollment(t *testing.T) {
	h := newHarness(t, DispatchConfig{})
	seedTenant(h)
	lead := seedLead(h)
	ctx := context.Background()

	enr, err := h.manager.Enroll(ctx, 1, lead.ID, "instant_sms", nil)
	require.NoError(t, err)
	require.NoError(t, h.manager.Halt(ctx, enr.ID, models.HaltReasonReply))

	// fire the step anyway, as a replayed timeline entry would
	h.dispatcher.Fire(ctx, enr.ID, 0)

	assert.Empty(t, h.sms.messages())
	records, err := h.store.DispatchRecords(ctx, enr.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.OutcomeSkippedHalted, records[0].Outcome)
}

func TestDispatchDuplicateFireSendsNothing(t *testing.T) {
	h := newHarness(t, DispatchConfig{})
	seedTenant(h)
	lead := seedLead(h)
	ctx := context.Background()

	enr, err := h.manager.Enroll(ctx, 1, lead.ID, "no_reply_followups", nil)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	require.Equal(t, 1, h.runDue(ctx))
	require.Len(t, h.sms.messages(), 1)

	// force the enrollment back to step 0 as if the advance write were lost,
	// then replay the fire: the claim stops a second message and the repair
	// path advances again
	stale := h.enrollment(t, enr.ID)
	stale.CurrentStepIndex = 0
	require.NoError(t, h.store.UpdateEnrollment(ctx, stale))

	h.dispatcher.Fire(ctx, enr.ID, 0)

	assert.Len(t, h.sms.messages(), 1)
	repaired := h.enrollment(t, enr.ID)
	assert.Equal(t, 1, repaired.CurrentStepIndex)
}

func TestDispatchDoNotContactHaltsWithoutSending(t *testing.T) {
	h := newHarness(t, DispatchConfig{})
	seedTenant(h)
	lead := seedLead(h)
	lead.IsDoNotContact = true
	ctx := context.Background()

	enr, err := h.manager.Enroll(ctx, 1, lead.ID, "instant_sms", nil)
	require.NoError(t, err)
	require.Equal(t, 1, h.runDue(ctx))

	assert.Empty(t, h.sms.messages())
	got := h.enrollment(t, enr.ID)
	assert.Equal(t, models.EnrollmentHalted, got.Status)
	require.NotNil(t, got.HaltedReason)
	assert.Equal(t, models.HaltReasonDoNotContact, *got.HaltedReason)
}

func TestDispatchRetryableFailureBacksOff(t *testing.T) {
	h := newHarness(t, DispatchConfig{MaxAttempts: 3, BaseBackoff: 30 * time.Second, MaxBackoff: time.Hour})
	seedTenant(h)
	lead := seedLead(h)
	ctx := context.Background()

	failures := 0
	h.sms.fail = func(string) error {
		if failures < 1 {
			failures++
			return Throttled(errors.New("rate limited"))
		}
		return nil
	}

	enr, err := h.manager.Enroll(ctx, 1, lead.ID, "instant_sms", nil)
	require.NoError(t, err)

	// first attempt fails and reschedules 30s out
	require.Equal(t, 1, h.runDue(ctx))
	assert.Empty(t, h.sms.messages())
	got := h.enrollment(t, enr.ID)
	assert.Equal(t, models.EnrollmentActive, got.Status)
	require.NotNil(t, got.NextDueAt)
	assert.Equal(t, h.clock.Now().Add(30*time.Second), *got.NextDueAt)

	// retry succeeds
	h.clock.Advance(30 * time.Second)
	require.Equal(t, 1, h.runDue(ctx))
	assert.Len(t, h.sms.messages(), 1)
	assert.Equal(t, models.EnrollmentCompleted, h.enrollment(t, enr.ID).Status)
}

func TestDispatchExhaustedRetriesHaltAndSurfaceFault(t *testing.T) {
	h := newHarness(t, DispatchConfig{MaxAttempts: 2, BaseBackoff: 30 * time.Second, MaxBackoff: time.Hour})
	seedTenant(h)
	lead := seedLead(h)
	ctx := context.Background()

	h.sms.fail = func(string) error { return ProviderError(errors.New("gateway down")) }

	enr, err := h.manager.Enroll(ctx, 1, lead.ID, "instant_sms", nil)
	require.NoError(t, err)

	require.Equal(t, 1, h.runDue(ctx)) // attempt 1, reschedules
	h.clock.Advance(time.Hour)
	require.Equal(t, 1, h.runDue(ctx)) // attempt 2, budget spent

	got := h.enrollment(t, enr.ID)
	assert.Equal(t, models.EnrollmentHalted, got.Status)
	require.NotNil(t, got.HaltedReason)
	assert.Equal(t, models.HaltReasonDispatchExhausted, *got.HaltedReason)

	require.Len(t, h.faults, 1)
	assert.Equal(t, enr.ID, h.faults[0].EnrollmentID)
	assert.Equal(t, lead.ID, h.faults[0].LeadID)
}

func TestDispatchInvalidRecipientHaltsImmediately(t *testing.T) {
	h := newHarness(t, DispatchConfig{MaxAttempts: 5})
	seedTenant(h)
	lead := seedLead(h)
	ctx := context.Background()

	h.sms.fail = func(string) error { return InvalidRecipient(errors.New("not a number")) }

	enr, err := h.manager.Enroll(ctx, 1, lead.ID, "instant_sms", nil)
	require.NoError(t, err)
	require.Equal(t, 1, h.runDue(ctx))

	got := h.enrollment(t, enr.ID)
	assert.Equal(t, models.EnrollmentHalted, got.Status)
	require.Len(t, h.faults, 1)
}

func TestDispatchMissingRecipientHalts(t *testing.T) {
	h := newHarness(t, DispatchConfig{})
	seedTenant(h)
	lead := h.store.addLead(&models.Lead{TenantID: 1, Email: "alex@example.com", FirstName: "Alex"})
	ctx := context.Background()

	// instant_sms needs a phone number the lead does not have
	enr, err := h.manager.Enroll(ctx, 1, lead.ID, "instant_sms", nil)
	require.NoError(t, err)
	require.Equal(t, 1, h.runDue(ctx))

	assert.Empty(t, h.sms.messages())
	got := h.enrollment(t, enr.ID)
	assert.Equal(t, models.EnrollmentHalted, got.Status)
}

func TestDispatchStuckClaimSurfacesAfterRetryBudget(t *testing.T) {
	h := newHarness(t, DispatchConfig{MaxAttempts: 2, BaseBackoff: 30 * time.Second, MaxBackoff: time.Hour})
	seedTenant(h)
	lead := seedLead(h)
	ctx := context.Background()

	enr, err := h.manager.Enroll(ctx, 1, lead.ID, "instant_sms", nil)
	require.NoError(t, err)

	// take the claim out from under the dispatcher, as a crash between the
	// claim and the dispatch record would leave it
	claimed, err := h.store.ClaimSend(ctx, IdempotencyKey(enr.ID, 0))
	require.NoError(t, err)
	require.True(t, claimed)

	// the first fire refuses to resend, records the stall and backs off
	require.Equal(t, 1, h.runDue(ctx))
	assert.Empty(t, h.sms.messages())
	got := h.enrollment(t, enr.ID)
	assert.Equal(t, models.EnrollmentActive, got.Status)
	require.NotNil(t, got.NextDueAt)
	assert.Equal(t, h.clock.Now().Add(30*time.Second), *got.NextDueAt)

	// the second fire spends the budget: halted and surfaced, never resent
	h.clock.Advance(30 * time.Second)
	require.Equal(t, 1, h.runDue(ctx))

	assert.Empty(t, h.sms.messages())
	got = h.enrollment(t, enr.ID)
	assert.Equal(t, models.EnrollmentHalted, got.Status)
	require.NotNil(t, got.HaltedReason)
	assert.Equal(t, models.HaltReasonDispatchExhausted, *got.HaltedReason)
	require.Len(t, h.faults, 1)

	records, err := h.store.DispatchRecords(ctx, enr.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, models.OutcomeFailed, rec.Outcome)
	}
}

func TestDispatchRendersAgentIdentityFromSettings(t *testing.T) {
	h := newHarness(t, DispatchConfig{})
	seedTenant(h)
	lead := seedLead(h)
	ctx := context.Background()

	custom := append(BuiltinTemplates(), &Template{
		Key:         "callback_offer",
		Name:        "Callback offer",
		Trigger:     Trigger{Kind: TriggerOnEnrollment},
		StopOnReply: true,
		Steps: []Step{{
			Channel: ChannelSMS,
			Content: "Hi {{firstName}}, call {{agentName}} back at {{agentPhone}} or write to {{agentEmail}}.",
		}},
	})
	require.NoError(t, h.registry.Replace(custom))

	_, err := h.manager.Enroll(ctx, 1, lead.ID, "callback_offer", nil)
	require.NoError(t, err)
	require.Equal(t, 1, h.runDue(ctx))

	msgs := h.sms.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hi Alex, call Sam back at +15550000111 or write to sam@maplewoodrealty.example.", msgs[0].Body)
}

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	assert.Equal(t, IdempotencyKey(1, 0), IdempotencyKey(1, 0))
	assert.NotEqual(t, IdempotencyKey(1, 0), IdempotencyKey(1, 1))
	assert.NotEqual(t, IdempotencyKey(1, 0), IdempotencyKey(2, 0))
	assert.Len(t, IdempotencyKey(1, 0), 32)
}

func TestSendErrorClassification(t *testing.T) {
	assert.True(t, IsRetryable(Throttled(errors.New("x"))))
	assert.True(t, IsRetryable(ProviderError(errors.New("x"))))
	assert.True(t, IsRetryable(errors.New("unclassified")))
	assert.False(t, IsRetryable(InvalidRecipient(errors.New("x"))))
}
