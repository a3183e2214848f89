package matching

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler drives the retry loop for waiting participants. Each identity has
// at most one pending attempt. A task never needs to be cancelled: when it
// fires it checks queue membership first and ends quietly if the identity
// has left.
type Scheduler struct {
	queue   *Queue
	retry   time.Duration
	onMatch func(Match)
	log     *zap.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

// NewScheduler creates a scheduler over queue. Failed attempts are retried
// every retry interval; committed pairs are handed to onMatch from the timer
// goroutine.
func NewScheduler(queue *Queue, retry time.Duration, onMatch func(Match), log *zap.Logger) *Scheduler {
	return &Scheduler{
		queue:   queue,
		retry:   retry,
		onMatch: onMatch,
		log:     log.Named("matcher"),
		pending: make(map[string]*time.Timer),
	}
}

// Schedule arranges an attempt for id after delay. It returns false if an
// attempt is already pending for id or the scheduler is stopped.
func (s *Scheduler) Schedule(id string, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, ok := s.pending[id]; ok {
		return false
	}
	s.pending[id] = time.AfterFunc(delay, func() { s.run(id) })
	return true
}

// Reschedule replaces any pending attempt for id with one after delay.
func (s *Scheduler) Reschedule(id string, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if t, ok := s.pending[id]; ok {
		t.Stop()
	}
	s.pending[id] = time.AfterFunc(delay, func() { s.run(id) })
	return true
}

// Pending reports whether an attempt is scheduled for id.
func (s *Scheduler) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// Stop cancels every pending attempt. Schedule is a no-op afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) run(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	stopped := s.stopped
	s.mu.Unlock()

	if stopped || !s.queue.Contains(id) {
		return
	}

	if m, ok := s.queue.AttemptMatch(id); ok {
		s.log.Info("match committed",
			zap.String("requester", m.Requester),
			zap.String("partner", m.Partner),
			zap.Int("score", m.Score))
		s.onMatch(m)
		return
	}

	// Membership is checked again when the retry fires, so a leave that
	// lands in between is still honoured.
	if s.queue.Contains(id) {
		s.Schedule(id, s.retry)
	}
}
