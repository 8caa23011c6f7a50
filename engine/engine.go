// Package engine implements the sequence execution engine: the scheduler,
// enrollment manager, dispatcher, and event ingestor that turn declarative
// follow-up templates into timed, conditionally-suppressed, at-most-once
// message dispatches per lead.
package engine

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Config tunes a new Engine. Zero values fall back to sane defaults.
type Config struct {
	DispatchConcurrency int
	Dispatch            DispatchConfig

	// OnFault is invoked when an enrollment halts because delivery failed
	// terminally, so the surrounding product can notify the agent.
	OnFault func(Fault)
}

// Engine wires the registry, store, scheduler, manager, dispatcher and
// ingestor together. All collaborators are injected; there are no process
// globals, so tests can substitute fakes freely.
type Engine struct {
	store     Store
	registry  *Registry
	clock     Clock
	logger    *logrus.Logger
	scheduler *Scheduler
	manager   *Manager
	ingestor  *Ingestor
}

// New builds an engine. clock and dedup may be nil, defaulting to the system
// clock and store-backed event dedup.
func New(store Store, registry *Registry, senders map[Channel]Sender, clock Clock, dedup Deduper, logger *logrus.Logger, cfg Config) *Engine {
	if clock == nil {
		clock = SystemClock()
	}
	if dedup == nil {
		dedup = NewStoreDeduper(store)
	}
	if logger == nil {
		logger = logrus.New()
	}

	scheduler := NewScheduler(clock, logger, cfg.DispatchConcurrency)
	manager := NewManager(store, registry, scheduler, clock, logger)
	dispatcher := NewDispatcher(store, registry, manager, clock, logger, senders, cfg.Dispatch, cfg.OnFault)
	scheduler.SetDispatch(dispatcher.Fire)
	ingestor := NewIngestor(store, registry, manager, dedup, logger)

	return &Engine{
		store:     store,
		registry:  registry,
		clock:     clock,
		logger:    logger,
		scheduler: scheduler,
		manager:   manager,
		ingestor:  ingestor,
	}
}

// Run drives the scheduler until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.scheduler.Run(ctx)
}

// Resync rebuilds timeline entries from persisted enrollment state. Called
// once at startup to recover from a restart, and periodically by the
// recovery worker to pick up entries lost to isolated storage faults.
// Returns how many entries were registered.
func (e *Engine) Resync(ctx context.Context) (int, error) {
	enrollments, err := e.store.ListSchedulable(ctx)
	if err != nil {
		return 0, err
	}
	registered := 0
	for _, enr := range enrollments {
		if enr.NextDueAt == nil || e.scheduler.Contains(enr.ID) {
			continue
		}
		e.scheduler.RegisterDue(enr.ID, enr.CurrentStepIndex, *enr.NextDueAt)
		registered++
	}
	if registered > 0 {
		e.logger.WithField("entries", registered).Info("timeline resynced from storage")
	}
	return registered, nil
}

// Manager exposes enrollment lifecycle operations.
func (e *Engine) Manager() *Manager { return e.manager }

// Ingestor exposes inbound event processing.
func (e *Engine) Ingestor() *Ingestor { return e.ingestor }

// Registry exposes the template catalog.
func (e *Engine) Registry() *Registry { return e.registry }

// Scheduler exposes the timeline, mainly for observability.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }
