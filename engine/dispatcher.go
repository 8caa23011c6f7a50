package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"leadnexy/models"
)

// IdempotencyKey derives the deterministic key that makes a (enrollment,
// step) pair fire at most once, ever.
func IdempotencyKey(enrollmentID uint, stepIndex int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("enrollment:%d:step:%d", enrollmentID, stepIndex)))
	return hex.EncodeToString(sum[:16])
}

// Fault describes a delivery problem that terminated an enrollment. It is
// surfaced to the surrounding product so an agent can be notified; it is
// never swallowed.
type Fault struct {
	EnrollmentID uint
	LeadID       uint
	StepIndex    int
	Reason       string
	Err          error
}

// DispatchConfig tunes the dispatcher's rendering, gating and retry policy.
type DispatchConfig struct {
	DefaultToken string // substituted for unresolved placeholders

	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	SendTimeout time.Duration

	// Fallbacks for tenants without stored settings
	QuietHours         QuietWindow
	GateTriggeredSends bool
}

func (c *DispatchConfig) applyDefaults() {
	if c.DefaultToken == "" {
		c.DefaultToken = "there"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
}

// Dispatcher turns a due (enrollment, step) pair into at most one outbound
// message: status check, quiet-hours gate, render, claim, send, record.
type Dispatcher struct {
	store     Store
	registry  *Registry
	manager   *Manager
	clock     Clock
	logger    *logrus.Logger
	senders   map[Channel]Sender
	cfg       DispatchConfig
	onFault   func(Fault)
}

func NewDispatcher(store Store, registry *Registry, manager *Manager, clock Clock, logger *logrus.Logger, senders map[Channel]Sender, cfg DispatchConfig, onFault func(Fault)) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		store:    store,
		registry: registry,
		manager:  manager,
		clock:    clock,
		logger:   logger,
		senders:  senders,
		cfg:      cfg,
		onFault:  onFault,
	}
}

// Fire is the scheduler's dispatch target. Storage faults are isolated to
// this one timeline entry: they are logged, the entry's due instant stays
// persisted on the enrollment, and the recovery worker re-registers it.
func (d *Dispatcher) Fire(ctx context.Context, enrollmentID uint, stepIndex int) {
	if err := d.fire(ctx, enrollmentID, stepIndex); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"enrollment_id": enrollmentID,
			"step_index":    stepIndex,
		}).Error("dispatch tick failed; entry will be recovered")
	}
}

func (d *Dispatcher) fire(ctx context.Context, enrollmentID uint, stepIndex int) error {
	enr, err := d.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	key := IdempotencyKey(enrollmentID, stepIndex)
	now := d.clock.Now()
	scheduledFor := now
	if enr.NextDueAt != nil {
		scheduledFor = *enr.NextDueAt
	}

	if enr.Status != models.EnrollmentActive || enr.CurrentStepIndex != stepIndex {
		d.record(ctx, enr, stepIndex, "", key, scheduledFor, nil, models.OutcomeSkippedHalted, "")
		return nil
	}

	tpl, err := d.registry.Get(enr.TemplateKey)
	if err != nil {
		return err
	}
	if stepIndex >= len(tpl.Steps) {
		return fmt.Errorf("enrollment %d: step %d out of range for template %s", enrollmentID, stepIndex, tpl.Key)
	}
	step := tpl.Steps[stepIndex]

	settings, err := d.store.GetTenantSettings(ctx, enr.TenantID)
	if err != nil {
		return err
	}

	// Quiet hours are re-validated at the moment of attempted dispatch.
	if d.gated(tpl, settings) {
		if allowed := NextAllowed(now, d.quietWindow(settings)); allowed.After(now) {
			d.record(ctx, enr, stepIndex, string(step.Channel), key, scheduledFor, nil, models.OutcomeSuppressedQuietHours, "deferred to "+allowed.Format(time.RFC3339))
			if err := d.manager.Reschedule(ctx, enrollmentID, stepIndex, allowed); err != nil {
				return err
			}
			return nil
		}
	}

	lead, err := d.store.GetLead(ctx, enr.LeadID)
	if err != nil {
		return err
	}
	if lead.IsDoNotContact {
		d.record(ctx, enr, stepIndex, string(step.Channel), key, scheduledFor, nil, models.OutcomeSkippedHalted, "lead is do-not-contact")
		return d.manager.Halt(ctx, enrollmentID, models.HaltReasonDoNotContact)
	}

	vars := MergeVariables(d.tenantVariables(settings), lead.RenderVariables(), enr.Variables)
	body := Render(step.Content, vars, d.cfg.DefaultToken)
	subject := Render(step.Subject, vars, d.cfg.DefaultToken)

	to := d.recipient(step.Channel, lead)
	if to == "" {
		d.record(ctx, enr, stepIndex, string(step.Channel), key, scheduledFor, nil, models.OutcomeFailed, "lead has no "+string(step.Channel)+" recipient")
		return d.terminate(ctx, enr, stepIndex, fmt.Errorf("no recipient for channel %s", step.Channel))
	}
	sender, ok := d.senders[step.Channel]
	if !ok {
		return fmt.Errorf("no sender configured for channel %s", step.Channel)
	}

	claimed, err := d.store.ClaimSend(ctx, key)
	if err != nil {
		return err
	}
	if !claimed {
		// Replayed fire for a step that already went out (or is going out).
		// If the send was recorded but the step never advanced (crash in
		// between), repair by advancing; no second message either way.
		d.logger.WithFields(logrus.Fields{
			"enrollment_id": enrollmentID,
			"step_index":    stepIndex,
		}).Warn("duplicate fire suppressed by idempotency claim")
		sent, serr := d.store.HasSent(ctx, key)
		if serr != nil {
			return serr
		}
		if sent {
			return d.manager.Advance(ctx, enrollmentID)
		}
		// The claim is held but no outcome was ever recorded: either a send
		// is still in flight, or a crash landed between the claim and the
		// record. Never resend; count the stall against the retry budget so
		// it surfaces as a fault instead of spinning forever.
		d.record(ctx, enr, stepIndex, string(step.Channel), key, scheduledFor, nil, models.OutcomeFailed, "send claim held with no recorded outcome")
		attempts, cerr := d.store.FailedAttempts(ctx, key)
		if cerr != nil {
			return cerr
		}
		if attempts >= d.cfg.MaxAttempts {
			return d.terminate(ctx, enr, stepIndex, fmt.Errorf("step %d stuck: send claim held with no recorded outcome after %d fires", stepIndex, attempts))
		}
		return d.manager.Reschedule(ctx, enrollmentID, stepIndex, now.Add(d.backoff(attempts)))
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err = sender.Send(sendCtx, to, subject, body)
	cancel()

	if err == nil {
		sentAt := d.clock.Now()
		d.record(ctx, enr, stepIndex, string(step.Channel), key, scheduledFor, &sentAt, models.OutcomeSent, body)
		if terr := d.store.TouchLeadContact(ctx, lead.ID, sentAt); terr != nil {
			d.logger.WithError(terr).Warn("failed to touch lead contact time")
		}
		return d.manager.Advance(ctx, enrollmentID)
	}

	// The message did not go out; free the claim so a retry can send.
	if rerr := d.store.ReleaseSend(ctx, key); rerr != nil {
		d.logger.WithError(rerr).WithField("enrollment_id", enrollmentID).Error("failed to release send claim")
	}
	d.record(ctx, enr, stepIndex, string(step.Channel), key, scheduledFor, nil, models.OutcomeFailed, err.Error())

	if !IsRetryable(err) {
		return d.terminate(ctx, enr, stepIndex, err)
	}

	attempts, cerr := d.store.FailedAttempts(ctx, key)
	if cerr != nil {
		return cerr
	}
	if attempts >= d.cfg.MaxAttempts {
		return d.terminate(ctx, enr, stepIndex, fmt.Errorf("retries exhausted after %d attempts: %w", attempts, err))
	}

	retryAt := now.Add(d.backoff(attempts))
	d.logger.WithFields(logrus.Fields{
		"enrollment_id": enrollmentID,
		"step_index":    stepIndex,
		"attempt":       attempts,
		"retry_at":      retryAt,
	}).Warn("send failed; retrying with backoff")
	return d.manager.Reschedule(ctx, enrollmentID, stepIndex, retryAt)
}

// terminate halts the enrollment for an unrecoverable delivery problem and
// surfaces the fault.
func (d *Dispatcher) terminate(ctx context.Context, enr *models.Enrollment, stepIndex int, cause error) error {
	if err := d.manager.Halt(ctx, enr.ID, models.HaltReasonDispatchExhausted); err != nil {
		return err
	}
	fault := Fault{
		EnrollmentID: enr.ID,
		LeadID:       enr.LeadID,
		StepIndex:    stepIndex,
		Reason:       models.HaltReasonDispatchExhausted,
		Err:          cause,
	}
	d.logger.WithError(cause).WithFields(logrus.Fields{
		"enrollment_id": enr.ID,
		"lead_id":       enr.LeadID,
		"step_index":    stepIndex,
	}).Error("enrollment halted: delivery failed terminally")
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("template", enr.TemplateKey)
		scope.SetExtra("enrollment_id", enr.ID)
		scope.SetExtra("step_index", stepIndex)
		sentry.CaptureException(cause)
	})
	if d.onFault != nil {
		d.onFault(fault)
	}
	return nil
}

func (d *Dispatcher) record(ctx context.Context, enr *models.Enrollment, stepIndex int, channel, key string, scheduledFor time.Time, dispatchedAt *time.Time, outcome, detail string) {
	rec := &models.DispatchRecord{
		EnrollmentID:   enr.ID,
		StepIndex:      stepIndex,
		Channel:        channel,
		ScheduledFor:   scheduledFor,
		DispatchedAt:   dispatchedAt,
		Outcome:        outcome,
		Detail:         detail,
		IdempotencyKey: key,
	}
	if err := d.store.AppendDispatchRecord(ctx, rec); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"enrollment_id": enr.ID,
			"outcome":       outcome,
		}).Error("failed to append dispatch record")
	}
}

// gated reports whether quiet hours apply to this template's steps.
// Trigger-fired templates are gated only when the tenant opted in.
func (d *Dispatcher) gated(tpl *Template, settings *models.TenantSettings) bool {
	if settings != nil && !settings.QuietHoursEnabled {
		return false
	}
	if tpl.Trigger.Kind == TriggerOnCondition {
		if settings != nil {
			return settings.GateTriggeredSends
		}
		return d.cfg.GateTriggeredSends
	}
	return true
}

func (d *Dispatcher) quietWindow(settings *models.TenantSettings) QuietWindow {
	if settings == nil {
		return d.cfg.QuietHours
	}
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return QuietWindow{
		Start:    settings.QuietHoursStart,
		End:      settings.QuietHoursEnd,
		Location: loc,
	}
}

func (d *Dispatcher) tenantVariables(settings *models.TenantSettings) map[string]string {
	if settings == nil {
		return nil
	}
	return map[string]string{
		"agentName":  settings.AgentName,
		"agentEmail": settings.FromEmail,
		"agentPhone": settings.FromPhone,
	}
}

func (d *Dispatcher) recipient(channel Channel, lead *models.Lead) string {
	switch channel {
	case ChannelSMS:
		return lead.Phone
	case ChannelEmail:
		return lead.Email
	default:
		return ""
	}
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	backoff := d.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	if backoff > d.cfg.MaxBackoff {
		backoff = d.cfg.MaxBackoff
	}
	return backoff
}
