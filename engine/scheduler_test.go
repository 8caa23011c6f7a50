package engine

import (
	"container/heap"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScheduler() (*Scheduler, *manualClock) {
	clock := newManualClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	return NewScheduler(clock, quietLogger(), 1), clock
}

func popAll(s *Scheduler) []*timelineEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*timelineEntry
	for len(s.heap) > 0 {
		entry := heap.Pop(&s.heap).(*timelineEntry)
		delete(s.entries, entry.enrollmentID)
		out = append(out, entry)
	}
	return out
}

func TestSchedulerOrdersByDueInstant(t *testing.T) {
	s, clock := testScheduler()
	now := clock.Now()

	s.RegisterDue(3, 0, now.Add(3*time.Hour))
	s.RegisterDue(1, 0, now.Add(time.Hour))
	s.RegisterDue(2, 0, now.Add(2*time.Hour))

	entries := popAll(s)
	require.Len(t, entries, 3)
	assert.Equal(t, uint(1), entries[0].enrollmentID)
	assert.Equal(t, uint(2), entries[1].enrollmentID)
	assert.Equal(t, uint(3), entries[2].enrollmentID)
}

func TestSchedulerTiesBreakByEnrollmentID(t *testing.T) {
	s, clock := testScheduler()
	due := clock.Now().Add(time.Hour)

	s.RegisterDue(9, 0, due)
	s.RegisterDue(2, 0, due)
	s.RegisterDue(5, 0, due)

	entries := popAll(s)
	require.Len(t, entries, 3)
	assert.Equal(t, uint(2), entries[0].enrollmentID)
	assert.Equal(t, uint(5), entries[1].enrollmentID)
	assert.Equal(t, uint(9), entries[2].enrollmentID)
}

func TestSchedulerRegisterReplacesExistingEntry(t *testing.T) {
	s, clock := testScheduler()
	now := clock.Now()

	s.RegisterDue(1, 0, now.Add(time.Hour))
	s.RegisterDue(1, 0, now.Add(30*time.Minute))
	assert.Equal(t, 1, s.Len())

	entries := popAll(s)
	require.Len(t, entries, 1)
	assert.Equal(t, now.Add(30*time.Minute), entries[0].due)
}

func TestSchedulerCancelRemovesEntry(t *testing.T) {
	s, clock := testScheduler()
	now := clock.Now()

	s.RegisterDue(1, 0, now.Add(time.Hour))
	s.RegisterDue(2, 0, now.Add(2*time.Hour))
	require.True(t, s.Contains(1))

	s.Cancel(1)
	assert.False(t, s.Contains(1))
	assert.True(t, s.Contains(2))
	assert.Equal(t, 1, s.Len())

	// cancelling a missing entry is a no-op
	s.Cancel(42)
	assert.Equal(t, 1, s.Len())
}
