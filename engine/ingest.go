package engine

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"leadnexy/models"
)

// Ingestor feeds external events (replies, stage changes, manual controls)
// into the engine. It is the only place enrollment creation and halting are
// driven by events rather than explicit API calls, and it is idempotent per
// event id because the event source delivers at least once.
type Ingestor struct {
	store    Store
	registry *Registry
	manager  *Manager
	dedup    Deduper
	logger   *logrus.Logger
}

func NewIngestor(store Store, registry *Registry, manager *Manager, dedup Deduper, logger *logrus.Logger) *Ingestor {
	return &Ingestor{
		store:    store,
		registry: registry,
		manager:  manager,
		dedup:    dedup,
		logger:   logger,
	}
}

// Ingest processes one inbound event: halts matching enrollments, applies
// manual pause/resume, and auto-enrolls condition-triggered templates. The
// event id is marked processed only once the whole pass succeeded; a storage
// fault mid-pass leaves the id unburned, so the source's redelivery retries
// the event instead of being swallowed as a duplicate. Every effect in the
// pass is idempotent, so a redelivered event that was partially applied is
// safe to run again.
func (in *Ingestor) Ingest(ctx context.Context, ev InboundEvent) error {
	if ev.ID != "" {
		seen, err := in.dedup.Seen(ctx, ev.ID, string(ev.Kind))
		if err != nil {
			return err
		}
		if seen {
			in.logger.WithField("event_id", ev.ID).Debug("event already processed")
			return nil
		}
	}
	if err := in.process(ctx, ev); err != nil {
		return err
	}
	if ev.ID != "" {
		return in.dedup.Mark(ctx, ev.ID, string(ev.Kind))
	}
	return nil
}

func (in *Ingestor) process(ctx context.Context, ev InboundEvent) error {
	enrollments, err := in.store.ActiveEnrollmentsForLead(ctx, ev.LeadID)
	if err != nil {
		return err
	}

	switch ev.Kind {
	case EventManualPause:
		// Manual pause suspends position instead of discarding it; an
		// explicit halt goes through the enrollment API.
		for _, enr := range enrollments {
			if err := in.manager.Pause(ctx, enr.ID); err != nil {
				return err
			}
		}
		return nil
	case EventManualResume:
		for _, enr := range enrollments {
			if err := in.manager.Resume(ctx, enr.ID); err != nil && !errors.Is(err, ErrNotPaused) {
				return err
			}
		}
		return nil
	}

	var settings *models.TenantSettings
	if len(enrollments) > 0 {
		settings, err = in.store.GetTenantSettings(ctx, enrollments[0].TenantID)
		if err != nil {
			return err
		}
	}

	for _, enr := range enrollments {
		tpl, terr := in.registry.Get(enr.TemplateKey)
		if terr != nil {
			// enrollment on a template no longer in the catalog still stops
			tpl = nil
		}
		if halt, reason := ShouldHalt(enr, tpl, settings, ev); halt {
			if err := in.manager.Halt(ctx, enr.ID, reason); err != nil {
				return err
			}
		}
	}

	if ev.Kind == EventStageChange {
		if ev.Stage != "" {
			if err := in.store.UpdateLeadStage(ctx, ev.LeadID, ev.Stage); err != nil {
				in.logger.WithError(err).WithField("lead_id", ev.LeadID).Warn("failed to update lead stage")
			}
		}
		return in.enrollTriggered(ctx, ev)
	}
	return nil
}

// enrollTriggered starts every on_condition template whose stage condition
// the event just satisfied, unless the lead is already enrolled in it.
func (in *Ingestor) enrollTriggered(ctx context.Context, ev InboundEvent) error {
	lead, err := in.store.GetLead(ctx, ev.LeadID)
	if err != nil {
		return err
	}
	for _, tpl := range in.registry.List() {
		if tpl.Trigger.Kind != TriggerOnCondition || tpl.Trigger.Stage != ev.Stage {
			continue
		}
		_, err := in.manager.Enroll(ctx, lead.TenantID, lead.ID, tpl.Key, nil)
		if err != nil {
			if errors.Is(err, ErrAlreadyActive) {
				continue
			}
			return err
		}
		in.logger.WithFields(logrus.Fields{
			"lead_id":  lead.ID,
			"template": tpl.Key,
			"stage":    ev.Stage,
		}).Info("trigger condition met; lead enrolled")
	}
	return nil
}
