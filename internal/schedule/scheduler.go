// ABOUTME: Timer abstraction that fires job IDs at instants
// ABOUTME: TimerScheduler uses time.AfterFunc with versioned jobs so stale timers are ignored

package schedule

import (
	"log/slog"
	"sync"
	"time"
)

// Scheduler fires job IDs at requested instants. It knows nothing about
// cron expressions or time zones.
type Scheduler interface {
	// ScheduleAt arms jobID for at, replacing any earlier arming.
	ScheduleAt(at time.Time, jobID string)
	// Cancel disarms jobID.
	Cancel(jobID string)
	// OnFire sets the callback run when a job fires.
	OnFire(cb func(jobID string))
}

type armedJob struct {
	timer   *time.Timer
	version uint64
	at      time.Time
}

// TimerScheduler is an in-process Scheduler.
type TimerScheduler struct {
	mu      sync.Mutex
	jobs    map[string]*armedJob
	version uint64
	cb      func(jobID string)
	logger  *slog.Logger
}

// NewTimerScheduler creates an empty scheduler.
func NewTimerScheduler(logger *slog.Logger) *TimerScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimerScheduler{
		jobs:   make(map[string]*armedJob),
		logger: logger.With("component", "timer-scheduler"),
	}
}

// OnFire sets the fire callback. Callbacks run on their own goroutine.
func (s *TimerScheduler) OnFire(cb func(jobID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// ScheduleAt arms jobID. Instants in the past fire immediately.
func (s *TimerScheduler) ScheduleAt(at time.Time, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[jobID]; ok {
		j.timer.Stop()
	}

	// bump version so a timer that already started firing is ignored
	s.version++
	ver := s.version

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.jobs[jobID] = &armedJob{
		version: ver,
		at:      at,
		timer:   time.AfterFunc(delay, func() { s.fire(jobID, ver) }),
	}
	s.logger.Debug("job armed", "job_id", jobID, "at", at.UTC(), "delay", delay.Round(time.Second))
}

func (s *TimerScheduler) fire(jobID string, ver uint64) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok || j.version != ver {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, jobID)
	cb := s.cb
	s.mu.Unlock()

	if cb != nil {
		cb(jobID)
	}
}

// Cancel disarms jobID if armed.
func (s *TimerScheduler) Cancel(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[jobID]; ok {
		j.timer.Stop()
		delete(s.jobs, jobID)
		s.logger.Debug("job cancelled", "job_id", jobID)
	}
}

// ArmedAt reports when jobID will fire.
func (s *TimerScheduler) ArmedAt(jobID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return time.Time{}, false
	}
	return j.at, true
}

// Len returns the number of armed jobs.
func (s *TimerScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Stop disarms every job.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		j.timer.Stop()
		delete(s.jobs, id)
	}
}

var _ Scheduler = (*TimerScheduler)(nil)
