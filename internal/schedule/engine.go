// ABOUTME: Schedule engine owning schedule CRUD, state changes and timer-driven firing
// ABOUTME: Missed fires are never replayed; next-run times always move forward from now

package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/dispatch"
	"github.com/2389/fleet-gateway/internal/execution"
	"github.com/2389/fleet-gateway/internal/store"
)

// ErrInvalidSchedule is returned for schedule fields other than the recurrence that fail validation.
var ErrInvalidSchedule = errors.New("invalid schedule")

// MaxUpcoming caps UpcomingRuns.
const MaxUpcoming = 100

// fireTimeout bounds the work done for one firing.
const fireTimeout = 30 * time.Second

// RunStarter starts executions. dispatch.Launcher implements it.
type RunStarter interface {
	StartRun(ctx context.Context, tenantID string, req dispatch.RunRequest) (*store.Execution, dispatch.Delivery, error)
}

// Options configures an Engine.
type Options struct {
	DefaultTimezone string
	Ownership       *Ownership
	// Passive engines manage schedules but never arm timers; other nodes fire them.
	Passive bool
}

// CreateParams describes a new schedule.
type CreateParams struct {
	AgentID    string
	PackageID  string
	Name       string
	Recurrence Recurrence
	TimeZoneID string
	Enabled    *bool
	CreatedBy  string
}

// UpdateParams changes the non-nil fields of a schedule.
type UpdateParams struct {
	AgentID    *string
	PackageID  *string
	Name       *string
	Recurrence *Recurrence
	TimeZoneID *string
}

// Engine manages schedules and fires them.
type Engine struct {
	store     store.ScheduleStore
	agents    store.AgentStore
	catalog   execution.PackageCatalog
	runs      RunStarter
	timers    Scheduler
	owner     *Ownership
	passive   bool
	defaultTZ string
	closed    atomic.Bool
	now       func() time.Time
	logger    *slog.Logger
}

// NewEngine creates an Engine and registers it as the timers' fire callback.
func NewEngine(s store.ScheduleStore, agents store.AgentStore, catalog execution.PackageCatalog, runs RunStarter, timers Scheduler, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultTimezone == "" {
		opts.DefaultTimezone = "UTC"
	}
	if opts.Ownership == nil {
		opts.Ownership = NewOwnership("", nil)
	}
	e := &Engine{
		store:     s,
		agents:    agents,
		catalog:   catalog,
		runs:      runs,
		timers:    timers,
		owner:     opts.Ownership,
		passive:   opts.Passive,
		defaultTZ: opts.DefaultTimezone,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With("component", "schedule-engine"),
	}
	timers.OnFire(e.fire)
	return e
}

func jobID(tenantID, scheduleID string) string {
	return tenantID + ":" + scheduleID
}

// Create validates and stores a schedule and arms it when enabled.
func (e *Engine) Create(ctx context.Context, tenantID string, p CreateParams) (*store.Schedule, error) {
	now := e.now()
	s := &store.Schedule{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		AgentID:    p.AgentID,
		PackageID:  p.PackageID,
		Name:       strings.TrimSpace(p.Name),
		TimeZoneID: p.TimeZoneID,
		IsEnabled:  p.Enabled == nil || *p.Enabled,
		CreatedBy:  p.CreatedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if s.TimeZoneID == "" {
		s.TimeZoneID = e.defaultTZ
	}

	if err := e.prepare(ctx, s, p.Recurrence); err != nil {
		return nil, err
	}
	if err := e.store.CreateSchedule(ctx, s); err != nil {
		return nil, err
	}

	e.logger.Info("schedule created",
		"schedule_id", s.ID,
		"tenant_id", tenantID,
		"cron", s.CronExpression,
		"time_zone", s.TimeZoneID,
		"next_run", s.NextRunTimeUTC,
	)
	e.arm(s)
	return s, nil
}

// prepare validates s with recurrence r, compiles the cron expression and
// sets the next run for enabled schedules.
func (e *Engine) prepare(ctx context.Context, s *store.Schedule, r Recurrence) error {
	if s.Name == "" || len(s.Name) > 200 {
		return fmt.Errorf("%w: name must be 1-200 characters", ErrInvalidSchedule)
	}
	if _, err := LoadZone(s.TimeZoneID); err != nil {
		return err
	}
	expr, err := r.Compile()
	if err != nil {
		return err
	}
	s.RecurrenceType = string(r.Type)
	s.RecurrenceJSON = r.JSON()
	s.CronExpression = expr

	if err := e.validateTargets(ctx, s.TenantID, s.AgentID, s.PackageID); err != nil {
		return err
	}

	s.NextRunTimeUTC = nil
	if !s.IsEnabled {
		return nil
	}
	next, err := e.nextRun(s, e.now())
	if err != nil {
		return err
	}
	if next == nil && r.Type == RecurrenceOnce {
		return fmt.Errorf("%w: once: %s is in the past", ErrInvalidRecurrence, r.Date)
	}
	s.NextRunTimeUTC = next
	return nil
}

func (e *Engine) validateTargets(ctx context.Context, tenantID, agentID, packageID string) error {
	a, err := e.agents.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && (a.TenantID != tenantID || !a.IsActive)) {
		return fmt.Errorf("%w: %s", execution.ErrUnknownAgent, agentID)
	}
	if err != nil {
		return fmt.Errorf("loading agent: %w", err)
	}

	if _, err := e.catalog.GetPackageMetadata(ctx, tenantID, packageID); err != nil {
		if errors.Is(err, execution.ErrUnknownPackage) {
			return fmt.Errorf("%w: %s", execution.ErrUnknownPackage, packageID)
		}
		return fmt.Errorf("loading package: %w", err)
	}
	return nil
}

// nextRun returns the first fire instant of s after after, or nil.
func (e *Engine) nextRun(s *store.Schedule, after time.Time) (*time.Time, error) {
	if RecurrenceType(s.RecurrenceType) == RecurrenceOnce {
		r, err := ParseRecurrence(s.RecurrenceJSON)
		if err != nil {
			return nil, err
		}
		loc, err := LoadZone(s.TimeZoneID)
		if err != nil {
			return nil, err
		}
		at, err := r.OnceAt(loc)
		if err != nil {
			return nil, err
		}
		if !at.After(after) {
			return nil, nil
		}
		return &at, nil
	}
	return NextRun(s.CronExpression, s.TimeZoneID, after)
}

// Update changes a schedule and recomputes its next run from now.
func (e *Engine) Update(ctx context.Context, tenantID, id string, p UpdateParams) (*store.Schedule, error) {
	s, err := e.store.GetSchedule(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	r, err := ParseRecurrence(s.RecurrenceJSON)
	if err != nil {
		return nil, err
	}
	if p.Recurrence != nil {
		r = *p.Recurrence
	}
	if p.AgentID != nil {
		s.AgentID = *p.AgentID
	}
	if p.PackageID != nil {
		s.PackageID = *p.PackageID
	}
	if p.Name != nil {
		s.Name = strings.TrimSpace(*p.Name)
	}
	if p.TimeZoneID != nil {
		s.TimeZoneID = *p.TimeZoneID
	}

	if err := e.prepare(ctx, s, r); err != nil {
		return nil, err
	}
	s.UpdatedAt = e.now()
	if err := e.store.UpdateSchedule(ctx, s); err != nil {
		return nil, err
	}

	e.logger.Info("schedule updated", "schedule_id", id, "tenant_id", tenantID, "next_run", s.NextRunTimeUTC)
	e.arm(s)
	return s, nil
}

// Delete removes a schedule. Executions it produced are kept.
func (e *Engine) Delete(ctx context.Context, tenantID, id string) error {
	if err := e.store.DeleteSchedule(ctx, tenantID, id); err != nil {
		return err
	}
	e.timers.Cancel(jobID(tenantID, id))
	e.logger.Info("schedule deleted", "schedule_id", id, "tenant_id", tenantID)
	return nil
}

// Enable turns a schedule on; the next run is computed from now.
func (e *Engine) Enable(ctx context.Context, tenantID, id string) (*store.Schedule, error) {
	return e.setEnabled(ctx, tenantID, id, true, false)
}

// Disable turns a schedule off and removes its future firings.
func (e *Engine) Disable(ctx context.Context, tenantID, id string) (*store.Schedule, error) {
	return e.setEnabled(ctx, tenantID, id, false, false)
}

// Pause is Disable that also records when the schedule was paused.
func (e *Engine) Pause(ctx context.Context, tenantID, id string) (*store.Schedule, error) {
	return e.setEnabled(ctx, tenantID, id, false, true)
}

// Resume re-enables a paused schedule without replaying missed fires.
func (e *Engine) Resume(ctx context.Context, tenantID, id string) (*store.Schedule, error) {
	return e.setEnabled(ctx, tenantID, id, true, false)
}

func (e *Engine) setEnabled(ctx context.Context, tenantID, id string, enabled, pause bool) (*store.Schedule, error) {
	s, err := e.store.GetSchedule(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	now := e.now()
	s.IsEnabled = enabled
	s.PausedAt = nil
	s.NextRunTimeUTC = nil
	if pause {
		s.PausedAt = &now
	}
	if enabled {
		next, err := e.nextRun(s, now)
		if err != nil {
			return nil, err
		}
		if next == nil && RecurrenceType(s.RecurrenceType) == RecurrenceOnce {
			return nil, fmt.Errorf("%w: once schedule has already passed", ErrInvalidRecurrence)
		}
		s.NextRunTimeUTC = next
	}
	s.UpdatedAt = now

	if err := e.store.UpdateSchedule(ctx, s); err != nil {
		return nil, err
	}

	e.logger.Info("schedule state changed",
		"schedule_id", id,
		"tenant_id", tenantID,
		"enabled", enabled,
		"paused", pause,
		"next_run", s.NextRunTimeUTC,
	)
	e.arm(s)
	return s, nil
}

// Recalculate recomputes an enabled schedule's next run from now.
func (e *Engine) Recalculate(ctx context.Context, tenantID, id string) (*store.Schedule, error) {
	s, err := e.store.GetSchedule(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !s.IsEnabled {
		return s, nil
	}
	if err := e.refresh(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// refresh recomputes s's next run from now, persists it and re-arms. A once
// schedule whose time has passed is disabled.
func (e *Engine) refresh(ctx context.Context, s *store.Schedule) error {
	next, err := e.nextRun(s, e.now())
	if err != nil {
		return err
	}
	s.NextRunTimeUTC = next
	if next == nil {
		s.IsEnabled = false
	}
	s.UpdatedAt = e.now()
	if err := e.store.UpdateSchedule(ctx, s); err != nil {
		return err
	}
	e.arm(s)
	return nil
}

// Get returns a schedule of tenantID.
func (e *Engine) Get(ctx context.Context, tenantID, id string) (*store.Schedule, error) {
	return e.store.GetSchedule(ctx, tenantID, id)
}

// List returns the schedules of tenantID.
func (e *Engine) List(ctx context.Context, tenantID string) ([]*store.Schedule, error) {
	return e.store.ListSchedules(ctx, tenantID)
}

// ManualTrigger runs a schedule's package now, whether or not the schedule
// is enabled. The next run is unaffected.
func (e *Engine) ManualTrigger(ctx context.Context, tenantID, id string) (*store.Execution, dispatch.Delivery, error) {
	s, err := e.store.GetSchedule(ctx, tenantID, id)
	if err != nil {
		return nil, dispatch.Delivery{}, err
	}
	return e.runs.StartRun(ctx, tenantID, dispatch.RunRequest{
		AgentID:    s.AgentID,
		PackageID:  s.PackageID,
		ScheduleID: s.ID,
		Trigger:    store.TriggerManual,
	})
}

// UpcomingRuns previews up to count future fire instants. Disabled
// schedules have none.
func (e *Engine) UpcomingRuns(ctx context.Context, tenantID, id string, count int) ([]time.Time, error) {
	s, err := e.store.GetSchedule(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !s.IsEnabled {
		return []time.Time{}, nil
	}
	if count < 1 {
		count = 1
	}
	if count > MaxUpcoming {
		count = MaxUpcoming
	}

	if RecurrenceType(s.RecurrenceType) == RecurrenceOnce {
		next, err := e.nextRun(s, e.now())
		if err != nil || next == nil {
			return []time.Time{}, err
		}
		return []time.Time{*next}, nil
	}
	runs, err := NextRuns(s.CronExpression, s.TimeZoneID, e.now(), count)
	if err != nil {
		return nil, err
	}
	if loc, err := LoadZone(s.TimeZoneID); err == nil {
		e.logger.Debug("upcoming runs", "schedule_id", id, "runs", describeRuns(runs, loc))
	}
	return runs, nil
}

// Start loads enabled schedules, moves stale next-run times forward from now
// and arms the schedules this node owns.
func (e *Engine) Start(ctx context.Context) error {
	schedules, err := e.store.ListEnabledSchedules(ctx)
	if err != nil {
		return fmt.Errorf("loading schedules: %w", err)
	}

	now := e.now()
	armed := 0
	for _, s := range schedules {
		if s.NextRunTimeUTC == nil || !s.NextRunTimeUTC.After(now) {
			if err := e.refresh(ctx, s); err != nil {
				e.logger.Error("failed to recompute schedule", "schedule_id", s.ID, "error", err)
				continue
			}
		} else {
			e.arm(s)
		}
		if s.IsEnabled && e.owner.Owns(s.ID) {
			armed++
		}
	}

	e.logger.Info("schedule engine started", "schedules", len(schedules), "armed", armed)
	return nil
}

// Rebalance re-arms every enabled schedule after cluster membership changes.
func (e *Engine) Rebalance(ctx context.Context, members []string) error {
	e.owner.SetMembers(members)
	return e.Start(ctx)
}

// Close stops the engine from firing.
func (e *Engine) Close() {
	e.closed.Store(true)
}

// arm schedules or cancels the timer for s.
func (e *Engine) arm(s *store.Schedule) {
	if e.passive {
		return
	}
	id := jobID(s.TenantID, s.ID)
	if e.closed.Load() || !s.IsEnabled || s.NextRunTimeUTC == nil || !e.owner.Owns(s.ID) {
		e.timers.Cancel(id)
		return
	}
	e.timers.ScheduleAt(*s.NextRunTimeUTC, id)
}

// fire runs one due schedule.
func (e *Engine) fire(job string) {
	if e.closed.Load() {
		return
	}
	tenantID, scheduleID, ok := strings.Cut(job, ":")
	if !ok {
		e.logger.Error("malformed schedule job id", "job_id", job)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	s, err := e.store.GetSchedule(ctx, tenantID, scheduleID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		e.logger.Error("failed to load schedule", "schedule_id", scheduleID, "error", err)
		return
	}
	if !s.IsEnabled || s.NextRunTimeUTC == nil || !e.owner.Owns(s.ID) {
		return
	}

	now := e.now()
	firedAt := *s.NextRunTimeUTC
	if firedAt.After(now.Add(time.Second)) {
		// timer raced an update; wait for the stored time
		e.arm(s)
		return
	}

	once := RecurrenceType(s.RecurrenceType) == RecurrenceOnce
	var next *time.Time
	if !once {
		next, err = e.nextRun(s, firedAt)
		if err == nil && next != nil && !next.After(now) {
			next, err = e.nextRun(s, now)
		}
		if err != nil {
			e.logger.Error("failed to compute next run", "schedule_id", s.ID, "error", err)
			return
		}
	}

	// Claim the instant before launching; losing the claim means the schedule
	// changed or another fire already took this instant.
	claimed, err := e.store.AdvanceSchedule(ctx, tenantID, s.ID, firedAt, next, once || next == nil)
	if err != nil {
		e.logger.Error("failed to advance schedule", "schedule_id", s.ID, "error", err)
		return
	}
	if !claimed {
		e.logger.Debug("schedule fire already claimed or cancelled", "schedule_id", s.ID, "due", firedAt)
		return
	}

	s.LastRunTimeUTC = &firedAt
	s.NextRunTimeUTC = next
	s.IsEnabled = !(once || next == nil)
	e.arm(s)

	exec, delivery, err := e.runs.StartRun(ctx, tenantID, dispatch.RunRequest{
		AgentID:    s.AgentID,
		PackageID:  s.PackageID,
		ScheduleID: s.ID,
		Trigger:    store.TriggerSchedule,
	})
	switch {
	case err != nil:
		e.logger.Error("scheduled run failed to start", "schedule_id", s.ID, "tenant_id", tenantID, "error", err)
	case delivery.Err != nil:
		e.logger.Warn("scheduled run created but agent is offline",
			"schedule_id", s.ID,
			"execution_id", exec.ID,
			"agent_id", s.AgentID)
	default:
		e.logger.Info("scheduled run started", "schedule_id", s.ID, "execution_id", exec.ID)
	}
}
