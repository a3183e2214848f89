package matching

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestScheduler_CommitsAndCallsOnMatch(t *testing.T) {
	q := NewQueue(DefaultMinimum)
	matches := make(chan Match, 1)
	s := NewScheduler(q, 10*time.Millisecond, func(m Match) { matches <- m }, zap.NewNop())
	defer s.Stop()

	q.Enqueue(english("x"))
	q.Enqueue(english("y"))
	s.Schedule("y", time.Millisecond)

	select {
	case m := <-matches:
		if m.Requester != "y" || m.Partner != "x" {
			t.Fatalf("unexpected match: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("onMatch was not called")
	}
}

func TestScheduler_NoDuplicatePending(t *testing.T) {
	q := NewQueue(DefaultMinimum)
	s := NewScheduler(q, time.Hour, func(Match) {}, zap.NewNop())
	defer s.Stop()

	q.Enqueue(english("x"))
	if !s.Schedule("x", time.Hour) {
		t.Fatal("first Schedule should succeed")
	}
	if s.Schedule("x", time.Hour) {
		t.Fatal("second Schedule for the same identity should be refused")
	}
	if !s.Pending("x") {
		t.Fatal("expected an attempt pending for x")
	}
}

func TestScheduler_RescheduleReplacesPending(t *testing.T) {
	q := NewQueue(DefaultMinimum)
	matches := make(chan Match, 1)
	s := NewScheduler(q, time.Hour, func(m Match) { matches <- m }, zap.NewNop())
	defer s.Stop()

	q.Enqueue(english("x"))
	q.Enqueue(english("y"))
	s.Schedule("x", time.Hour)
	if !s.Reschedule("x", time.Millisecond) {
		t.Fatal("Reschedule should succeed while running")
	}

	select {
	case m := <-matches:
		if m.Requester != "x" {
			t.Fatalf("unexpected match: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("the earlier hour-long attempt was not replaced")
	}

	s.Stop()
	if s.Reschedule("x", time.Millisecond) {
		t.Fatal("Reschedule after Stop must be refused")
	}
}

func TestScheduler_RetriesUntilPartnerArrives(t *testing.T) {
	q := NewQueue(DefaultMinimum)
	var (
		mu  sync.Mutex
		got []Match
	)
	s := NewScheduler(q, 5*time.Millisecond, func(m Match) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	}, zap.NewNop())
	defer s.Stop()

	q.Enqueue(english("x"))
	s.Schedule("x", time.Millisecond)

	// x retries alone for a while, then y joins without scheduling.
	time.Sleep(30 * time.Millisecond)
	if !s.Pending("x") {
		t.Fatal("x should keep retrying while queued")
	}
	q.Enqueue(english("y"))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
}

func TestScheduler_StopsAfterLeave(t *testing.T) {
	q := NewQueue(DefaultMinimum)
	s := NewScheduler(q, 5*time.Millisecond, func(Match) {
		t.Error("no match expected")
	}, zap.NewNop())
	defer s.Stop()

	q.Enqueue(english("x"))
	s.Schedule("x", time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	q.Dequeue("x")
	waitFor(t, time.Second, func() bool { return !s.Pending("x") })

	// Once the loop has ended it stays ended.
	time.Sleep(20 * time.Millisecond)
	if s.Pending("x") {
		t.Fatal("retry loop should not restart after leave")
	}
}

func TestScheduler_StopCancelsPending(t *testing.T) {
	q := NewQueue(DefaultMinimum)
	s := NewScheduler(q, time.Hour, func(Match) {}, zap.NewNop())

	q.Enqueue(english("x"))
	s.Schedule("x", time.Hour)
	s.Stop()

	if s.Pending("x") {
		t.Fatal("Stop should clear pending attempts")
	}
	if s.Schedule("x", time.Millisecond) {
		t.Fatal("Schedule after Stop should be refused")
	}
}

func TestSweepStale(t *testing.T) {
	q := NewQueue(DefaultMinimum)
	q.Enqueue(english("live"))
	q.Enqueue(english("gone1"))
	q.Enqueue(english("gone2"))

	live := map[string]bool{"live": true}
	removed := sweepStale(q, func(id string) bool { return live[id] })

	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if !q.Contains("live") || q.Size() != 1 {
		t.Fatal("only the live participant should remain")
	}
}
