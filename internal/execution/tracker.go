// ABOUTME: Execution tracker enforcing the run lifecycle state machine
// ABOUTME: Terminal writes are conditional so the first one wins and endTime is set once

package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/store"
)

var (
	// ErrInvalidTransition is returned for status updates the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid execution status transition")
	// ErrUnknownAgent is returned when the target agent is missing, inactive or in another tenant.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrUnknownPackage is returned when the package is not in the tenant's catalog.
	ErrUnknownPackage = errors.New("unknown package")
	// ErrInvalidStatus is returned when filtering by a status that does not exist.
	ErrInvalidStatus = errors.New("unknown execution status")
)

// StaleMessage is recorded on Pending executions no agent picked up in time.
const StaleMessage = "agent did not pick up the execution"

// CreateParams describes a new execution.
type CreateParams struct {
	AgentID    string
	PackageID  string
	ScheduleID string
	Trigger    store.TriggerSource
}

// StatusUpdate is an agent-reported status change.
type StatusUpdate struct {
	Status       store.ExecutionStatus
	ErrorMessage *string
	LogOutput    *string
}

// Result is the outcome of a state change. Changed is false when the
// execution was no longer in a state the change applies to.
type Result struct {
	Execution *store.Execution
	Changed   bool
}

// Tracker records execution lifecycles.
type Tracker struct {
	executions store.ExecutionStore
	agents     store.AgentStore
	catalog    PackageCatalog
	now        func() time.Time
	logger     *slog.Logger
}

// NewTracker creates a Tracker.
func NewTracker(executions store.ExecutionStore, agents store.AgentStore, catalog PackageCatalog, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		executions: executions,
		agents:     agents,
		catalog:    catalog,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With("component", "execution-tracker"),
	}
}

// Create validates the agent and package and records a Pending execution.
func (t *Tracker) Create(ctx context.Context, tenantID string, p CreateParams) (*store.Execution, error) {
	a, err := t.agents.GetAgent(ctx, p.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, p.AgentID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	if a.TenantID != tenantID || !a.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, p.AgentID)
	}

	if _, err := t.catalog.GetPackageMetadata(ctx, tenantID, p.PackageID); err != nil {
		if errors.Is(err, ErrUnknownPackage) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, p.PackageID)
		}
		return nil, fmt.Errorf("loading package: %w", err)
	}

	trigger := p.Trigger
	if trigger == "" {
		trigger = store.TriggerManual
	}

	e := &store.Execution{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		AgentID:    p.AgentID,
		PackageID:  p.PackageID,
		ScheduleID: p.ScheduleID,
		Trigger:    trigger,
		Status:     store.ExecutionStatusPending,
		StartTime:  t.now(),
	}
	if err := t.executions.CreateExecution(ctx, e); err != nil {
		return nil, err
	}

	t.logger.Info("execution created",
		"execution_id", e.ID,
		"tenant_id", tenantID,
		"agent_id", e.AgentID,
		"package_id", e.PackageID,
		"trigger", string(trigger),
	)
	return e, nil
}

// UpdateStatus applies an agent-reported status. Only Running, Completed and
// Failed are accepted; cancellation goes through Cancel.
func (t *Tracker) UpdateStatus(ctx context.Context, tenantID, id string, u StatusUpdate) (Result, error) {
	switch u.Status {
	case store.ExecutionStatusRunning, store.ExecutionStatusCompleted, store.ExecutionStatusFailed:
	default:
		return Result{}, fmt.Errorf("%w: cannot set %q", ErrInvalidTransition, u.Status)
	}

	tr := store.ExecutionTransition{
		Status:       u.Status,
		ErrorMessage: u.ErrorMessage,
		LogOutput:    u.LogOutput,
		OnlyPending:  u.Status == store.ExecutionStatusRunning,
	}
	if u.Status.IsTerminal() {
		end := t.now()
		tr.EndTime = &end
	}
	return t.transition(ctx, tenantID, id, tr)
}

// Cancel moves a Pending or Running execution to Cancelled. On a terminal
// execution it changes nothing.
func (t *Tracker) Cancel(ctx context.Context, tenantID, id string) (Result, error) {
	end := t.now()
	return t.transition(ctx, tenantID, id, store.ExecutionTransition{
		Status:  store.ExecutionStatusCancelled,
		EndTime: &end,
	})
}

func (t *Tracker) transition(ctx context.Context, tenantID, id string, tr store.ExecutionTransition) (Result, error) {
	changed, err := t.executions.TransitionExecution(ctx, tenantID, id, tr)
	if err != nil {
		return Result{}, err
	}

	e, err := t.executions.GetExecution(ctx, tenantID, id)
	if err != nil {
		return Result{}, err
	}

	if changed {
		t.logger.Info("execution status changed",
			"execution_id", id,
			"tenant_id", tenantID,
			"status", string(e.Status),
		)
	} else {
		t.logger.Debug("ignored status update for finished execution",
			"execution_id", id,
			"status", string(e.Status),
			"requested", string(tr.Status),
		)
	}
	return Result{Execution: e, Changed: changed}, nil
}

// AttachLogPath records where the execution's log is stored.
func (t *Tracker) AttachLogPath(ctx context.Context, tenantID, id, path string) (*store.Execution, error) {
	if err := t.executions.SetExecutionLogPath(ctx, tenantID, id, path); err != nil {
		return nil, err
	}
	return t.executions.GetExecution(ctx, tenantID, id)
}

// Get returns an execution of tenantID.
func (t *Tracker) Get(ctx context.Context, tenantID, id string) (*store.Execution, error) {
	return t.executions.GetExecution(ctx, tenantID, id)
}

// List returns executions of tenantID, newest first.
func (t *Tracker) List(ctx context.Context, tenantID string, filter store.ExecutionFilter) ([]*store.Execution, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, filter.Status)
	}
	return t.executions.ListExecutions(ctx, tenantID, filter)
}

// ExpireStale fails Pending executions older than timeout and returns the
// ones it changed.
func (t *Tracker) ExpireStale(ctx context.Context, timeout time.Duration) ([]*store.Execution, error) {
	stale, err := t.executions.ListStalePendingExecutions(ctx, t.now().Add(-timeout))
	if err != nil {
		return nil, err
	}

	var expired []*store.Execution
	for _, e := range stale {
		msg := StaleMessage
		end := t.now()
		res, err := t.transition(ctx, e.TenantID, e.ID, store.ExecutionTransition{
			Status:       store.ExecutionStatusFailed,
			EndTime:      &end,
			ErrorMessage: &msg,
			OnlyPending:  true,
		})
		if err != nil {
			t.logger.Error("failed to expire execution", "execution_id", e.ID, "error", err)
			continue
		}
		if res.Changed {
			expired = append(expired, res.Execution)
		}
	}

	if len(expired) > 0 {
		t.logger.Warn("expired pending executions", "count", len(expired), "timeout", timeout)
	}
	return expired, nil
}
