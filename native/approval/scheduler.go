package approval

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSchedulerStopped is returned when scheduling on a stopped scheduler.
var ErrSchedulerStopped = errors.New("approval: scheduler stopped")

// Scheduler runs each keyed task once, at or after its due time. A key stays
// reserved after it fires until Release is called, so a task can never be
// armed twice for the same key. Armed timers cannot be cancelled individually.
type Scheduler struct {
	clock Clock

	mu       sync.Mutex
	armed    map[string]Timer
	reserved map[string]struct{}
	stopped  bool
	running  sync.WaitGroup
}

// NewScheduler builds a scheduler driven by clock. A nil clock uses the system
// clock.
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	return &Scheduler{
		clock:    clock,
		armed:    make(map[string]Timer),
		reserved: make(map[string]struct{}),
	}
}

// Schedule arms task to run at the given time. Times in the past fire
// immediately.
func (s *Scheduler) Schedule(key string, at time.Time, task func()) error {
	if task == nil {
		return errors.New("approval: scheduled task required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}
	if _, exists := s.reserved[key]; exists {
		return ErrAlreadyScheduled
	}
	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	s.reserved[key] = struct{}{}
	s.armed[key] = s.clock.AfterFunc(delay, func() { s.fire(key, task) })
	return nil
}

func (s *Scheduler) fire(key string, task func()) {
	s.mu.Lock()
	if _, ok := s.armed[key]; !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.armed, key)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	task()
}

// Release frees a fired key. Releasing an armed key is a no-op.
func (s *Scheduler) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, armed := s.armed[key]; armed {
		return
	}
	delete(s.reserved, key)
}

// Armed reports whether key is waiting to fire.
func (s *Scheduler) Armed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.armed[key]
	return ok
}

// Pending returns the number of armed tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armed)
}

// Stop disarms every pending timer and waits for running tasks to return or
// for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for key, timer := range s.armed {
		timer.Stop()
		delete(s.armed, key)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
