package engine

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// dispatchFunc receives a due (enrollment, step) pair exactly once.
type dispatchFunc func(ctx context.Context, enrollmentID uint, stepIndex int)

type timelineEntry struct {
	enrollmentID uint
	stepIndex    int
	due          time.Time
	index        int // heap index
}

// timeline orders entries by due instant; ties break by enrollment id, which
// is creation order (earliest-enrolled first).
type timeline []*timelineEntry

func (t timeline) Len() int { return len(t) }

func (t timeline) Less(i, j int) bool {
	if t[i].due.Equal(t[j].due) {
		return t[i].enrollmentID < t[j].enrollmentID
	}
	return t[i].due.Before(t[j].due)
}

func (t timeline) Swap(i, j int) {
	t[i], t[j] = t[j], t[i]
	t[i].index = i
	t[j].index = j
}

func (t *timeline) Push(x interface{}) {
	entry := x.(*timelineEntry)
	entry.index = len(*t)
	*t = append(*t, entry)
}

func (t *timeline) Pop() interface{} {
	old := *t
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*t = old[:n-1]
	return entry
}

// Scheduler is a pure timing multiplexer over opaque (enrollment, step) keys.
// It never reads enrollment content. An entry is removed from the timeline
// before its dispatch is attempted, so a crash mid-dispatch cannot make the
// scheduler itself re-fire it; recovering undelivered steps is the job of the
// persistence layer and the recovery worker.
type Scheduler struct {
	mu      sync.Mutex
	heap    timeline
	entries map[uint]*timelineEntry

	wake     chan struct{}
	clock    Clock
	logger   *logrus.Logger
	sem      chan struct{} // bounds concurrent dispatches
	dispatch dispatchFunc
	wg       sync.WaitGroup
}

func NewScheduler(clock Clock, logger *logrus.Logger, concurrency int) *Scheduler {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Scheduler{
		entries: make(map[uint]*timelineEntry),
		wake:    make(chan struct{}, 1),
		clock:   clock,
		logger:  logger,
		sem:     make(chan struct{}, concurrency),
	}
}

// SetDispatch wires the dispatcher after construction; the scheduler and
// dispatcher reference each other.
func (s *Scheduler) SetDispatch(fn dispatchFunc) {
	s.dispatch = fn
}

// RegisterDue schedules (or reschedules) the pending step for an enrollment.
// An enrollment has at most one timeline entry at a time.
func (s *Scheduler) RegisterDue(enrollmentID uint, stepIndex int, due time.Time) {
	s.mu.Lock()
	if existing, ok := s.entries[enrollmentID]; ok {
		heap.Remove(&s.heap, existing.index)
	}
	entry := &timelineEntry{enrollmentID: enrollmentID, stepIndex: stepIndex, due: due}
	heap.Push(&s.heap, entry)
	s.entries[enrollmentID] = entry
	s.mu.Unlock()
	s.notify()
}

// Cancel drops the pending entry for an enrollment, if any. Guaranteed
// against anything not yet handed to the dispatcher.
func (s *Scheduler) Cancel(enrollmentID uint) {
	s.mu.Lock()
	if entry, ok := s.entries[enrollmentID]; ok {
		heap.Remove(&s.heap, entry.index)
		delete(s.entries, enrollmentID)
	}
	s.mu.Unlock()
	s.notify()
}

// Contains reports whether the enrollment has a pending timeline entry.
func (s *Scheduler) Contains(enrollmentID uint) bool {
	s.mu.Lock()
	_, ok := s.entries[enrollmentID]
	s.mu.Unlock()
	return ok
}

// Len returns the number of pending entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	n := len(s.heap)
	s.mu.Unlock()
	return n
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the timeline until ctx is cancelled. It blocks only on the wait
// until the next due instant and wakes immediately when RegisterDue or Cancel
// changes the head of the timeline. Due entries are dispatched concurrently
// up to the configured limit.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.wg.Wait()
	for {
		s.mu.Lock()
		if len(s.heap) == 0 {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		next := s.heap[0]
		now := s.clock.Now()
		if next.due.After(now) {
			wait := next.due.Sub(now)
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			case <-s.clock.After(wait):
			}
			continue
		}

		// Removal precedes the dispatch attempt.
		entry := heap.Pop(&s.heap).(*timelineEntry)
		delete(s.entries, entry.enrollmentID)
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case s.sem <- struct{}{}:
		}
		s.wg.Add(1)
		go func(e *timelineEntry) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.dispatch(ctx, e.enrollmentID, e.stepIndex)
		}(entry)
	}
}
