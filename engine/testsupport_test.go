package engine

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"leadnexy/models"
)

// manualClock lets tests move time explicitly instead of sleeping.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *manualClock) After(time.Duration) <-chan time.Time {
	return make(chan time.Time)
}

// memStore is an in-memory Store with the same optimistic-locking and
// claim-uniqueness semantics as the postgres store.
type memStore struct {
	mu sync.Mutex

	enrollments map[uint]*models.Enrollment
	leads       map[uint]*models.Lead
	settings    map[uint]*models.TenantSettings
	records     []*models.DispatchRecord
	claims      map[string]bool
	events      map[string]bool

	nextEnrollmentID uint
	nextRecordID     uint

	// fail the next n UpdateEnrollment calls, simulating a storage fault
	failUpdates int
}

func newMemStore() *memStore {
	return &memStore{
		enrollments: make(map[uint]*models.Enrollment),
		leads:       make(map[uint]*models.Lead),
		settings:    make(map[uint]*models.TenantSettings),
		claims:      make(map[string]bool),
		events:      make(map[string]bool),
	}
}

func copyEnrollment(e *models.Enrollment) *models.Enrollment {
	cp := *e
	if e.Variables != nil {
		cp.Variables = make(map[string]string, len(e.Variables))
		for k, v := range e.Variables {
			cp.Variables[k] = v
		}
	}
	return &cp
}

func (s *memStore) addLead(l *models.Lead) *models.Lead {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == 0 {
		l.ID = uint(len(s.leads) + 1)
	}
	if l.Stage == "" {
		l.Stage = models.StageNew
	}
	s.leads[l.ID] = l
	return l
}

func (s *memStore) addSettings(t *models.TenantSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[t.TenantID] = t
}

func (s *memStore) CreateEnrollment(_ context.Context, e *models.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEnrollmentID++
	e.ID = s.nextEnrollmentID
	s.enrollments[e.ID] = copyEnrollment(e)
	return nil
}

func (s *memStore) GetEnrollment(_ context.Context, id uint) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrEnrollmentNotFound, id)
	}
	return copyEnrollment(e), nil
}

func (s *memStore) UpdateEnrollment(_ context.Context, e *models.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdates > 0 {
		s.failUpdates--
		return errors.New("storage unavailable")
	}
	cur, ok := s.enrollments[e.ID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrEnrollmentNotFound, e.ID)
	}
	if cur.LockVersion != e.LockVersion {
		return ErrConflict
	}
	e.LockVersion++
	s.enrollments[e.ID] = copyEnrollment(e)
	return nil
}

func live(status string) bool {
	return status == models.EnrollmentPending ||
		status == models.EnrollmentActive ||
		status == models.EnrollmentPaused
}

func (s *memStore) ActiveEnrollmentForLeadTemplate(_ context.Context, leadID uint, templateKey string) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.enrollments {
		if e.LeadID == leadID && e.TemplateKey == templateKey && live(e.Status) {
			return copyEnrollment(e), nil
		}
	}
	return nil, nil
}

func (s *memStore) ActiveEnrollmentsForLead(_ context.Context, leadID uint) ([]*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Enrollment
	for _, e := range s.enrollments {
		if e.LeadID == leadID && live(e.Status) {
			out = append(out, copyEnrollment(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ListSchedulable(_ context.Context) ([]*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Enrollment
	for _, e := range s.enrollments {
		if e.Status == models.EnrollmentActive && e.NextDueAt != nil {
			out = append(out, copyEnrollment(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetLead(_ context.Context, id uint) (*models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrLeadNotFound, id)
	}
	cp := *l
	return &cp, nil
}

func (s *memStore) UpdateLeadStage(_ context.Context, leadID uint, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[leadID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrLeadNotFound, leadID)
	}
	l.Stage = stage
	return nil
}

func (s *memStore) TouchLeadContact(_ context.Context, leadID uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leads[leadID]; ok {
		l.LastContactAt = &at
	}
	return nil
}

func (s *memStore) GetTenantSettings(_ context.Context, tenantID uint) (*models.TenantSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.settings[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) AppendDispatchRecord(_ context.Context, rec *models.DispatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRecordID++
	rec.ID = s.nextRecordID
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *memStore) DispatchRecords(_ context.Context, enrollmentID uint) ([]*models.DispatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DispatchRecord
	for _, rec := range s.records {
		if rec.EnrollmentID == enrollmentID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) FailedAttempts(_ context.Context, idempotencyKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if rec.IdempotencyKey == idempotencyKey && rec.Outcome == models.OutcomeFailed {
			n++
		}
	}
	return n, nil
}

func (s *memStore) HasSent(_ context.Context, idempotencyKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.IdempotencyKey == idempotencyKey && rec.Outcome == models.OutcomeSent {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) ClaimSend(_ context.Context, idempotencyKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims[idempotencyKey] {
		return false, nil
	}
	s.claims[idempotencyKey] = true
	return true, nil
}

func (s *memStore) ReleaseSend(_ context.Context, idempotencyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, idempotencyKey)
	return nil
}

func (s *memStore) EventProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[eventID], nil
}

func (s *memStore) MarkEventProcessed(_ context.Context, eventID, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events[eventID] {
		return false, nil
	}
	s.events[eventID] = true
	return true, nil
}

type sentMessage struct {
	Channel Channel
	To      string
	Subject string
	Body    string
}

// recordingSender captures everything the dispatcher sends; an optional fail
// hook injects provider errors.
type recordingSender struct {
	mu      sync.Mutex
	channel Channel
	sent    []sentMessage
	fail    func(to string) error
}

func (r *recordingSender) Send(_ context.Context, to, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		if err := r.fail(to); err != nil {
			return err
		}
	}
	r.sent = append(r.sent, sentMessage{Channel: r.channel, To: to, Subject: subject, Body: body})
	return nil
}

func (r *recordingSender) messages() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sentMessage, len(r.sent))
	copy(out, r.sent)
	return out
}

// harness wires a full engine over the in-memory store and manual clock.
type harness struct {
	store      *memStore
	registry   *Registry
	clock      *manualClock
	scheduler  *Scheduler
	manager    *Manager
	dispatcher *Dispatcher
	ingestor   *Ingestor

	sms   *recordingSender
	email *recordingSender

	mu     sync.Mutex
	faults []Fault
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newHarness(t *testing.T, cfg DispatchConfig) *harness {
	t.Helper()

	registry, err := NewRegistry(BuiltinTemplates())
	require.NoError(t, err)

	h := &harness{
		store:    newMemStore(),
		registry: registry,
		clock:    newManualClock(time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)),
		sms:      &recordingSender{channel: ChannelSMS},
		email:    &recordingSender{channel: ChannelEmail},
	}

	logger := quietLogger()
	h.scheduler = NewScheduler(h.clock, logger, 1)
	h.manager = NewManager(h.store, h.registry, h.scheduler, h.clock, logger)
	senders := map[Channel]Sender{
		ChannelSMS:   h.sms,
		ChannelEmail: h.email,
	}
	h.dispatcher = NewDispatcher(h.store, h.registry, h.manager, h.clock, logger, senders, cfg, func(f Fault) {
		h.mu.Lock()
		h.faults = append(h.faults, f)
		h.mu.Unlock()
	})
	h.scheduler.SetDispatch(h.dispatcher.Fire)
	h.ingestor = NewIngestor(h.store, h.registry, h.manager, NewStoreDeduper(h.store), logger)
	return h
}

// runDue fires every timeline entry whose due instant has been reached, in
// timeline order, the same way the scheduler loop would. Returns the number
// of entries fired.
func (h *harness) runDue(ctx context.Context) int {
	fired := 0
	for {
		h.scheduler.mu.Lock()
		if len(h.scheduler.heap) == 0 || h.scheduler.heap[0].due.After(h.clock.Now()) {
			h.scheduler.mu.Unlock()
			return fired
		}
		entry := heap.Pop(&h.scheduler.heap).(*timelineEntry)
		delete(h.scheduler.entries, entry.enrollmentID)
		h.scheduler.mu.Unlock()

		h.dispatcher.Fire(ctx, entry.enrollmentID, entry.stepIndex)
		fired++
	}
}

func (h *harness) enrollment(t *testing.T, id uint) *models.Enrollment {
	t.Helper()
	e, err := h.store.GetEnrollment(context.Background(), id)
	require.NoError(t, err)
	return e
}
