// ABOUTME: Store interfaces and data types for fleet-gateway persistence
// ABOUTME: Defines tenants, agents, executions, schedules and packages plus their store contracts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist, or exists
// in a different tenant than the one asking.
var ErrNotFound = errors.New("not found")

// ErrDuplicateKey is returned when a machine key hash collides with an existing agent.
var ErrDuplicateKey = errors.New("machine key already in use")

// ErrDuplicateSlug is returned when a tenant slug is already taken.
var ErrDuplicateSlug = errors.New("tenant slug already exists")

// Tenant is the isolation boundary every other entity belongs to.
type Tenant struct {
	ID        string
	Slug      string
	Name      string
	CreatedAt time.Time
}

// AgentStatus is the liveness state of an agent.
type AgentStatus string

const (
	AgentStatusDisconnected AgentStatus = "disconnected"
	AgentStatusAvailable    AgentStatus = "available"
	AgentStatusBusy         AgentStatus = "busy"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusDisconnected, AgentStatusAvailable, AgentStatusBusy:
		return true
	}
	return false
}

// Agent is a registered remote worker process.
type Agent struct {
	ID              string
	TenantID        string
	Name            string
	MachineKeyHash  string
	Status          AgentStatus
	LastConnectedAt *time.Time
	LastHeartbeatAt *time.Time
	IsActive        bool
	CreatedAt       time.Time
}

// AgentPresence carries the liveness fields to change on an agent row.
// Nil fields are left untouched.
type AgentPresence struct {
	Status      *AgentStatus
	ConnectedAt *time.Time
	HeartbeatAt *time.Time
}

// ExecutionStatus is the lifecycle state of one run.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	return s == ExecutionStatusPending || s == ExecutionStatusRunning || s.IsTerminal()
}

// TriggerSource records what started an execution.
type TriggerSource string

const (
	TriggerManual   TriggerSource = "manual"
	TriggerSchedule TriggerSource = "schedule"
)

// Execution is one triggered run of a package on an agent.
type Execution struct {
	ID             string
	TenantID       string
	AgentID        string
	PackageID      string
	ScheduleID     string // empty for manual runs
	Trigger        TriggerSource
	Status         ExecutionStatus
	StartTime      time.Time
	EndTime        *time.Time
	ErrorMessage   *string
	LogOutput      *string
	LogStoragePath *string
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	AgentID    string
	ScheduleID string
	Status     ExecutionStatus
	Limit      int
}

// ExecutionTransition is applied to a non-terminal execution.
// EndTime must be set exactly when Status is terminal.
type ExecutionTransition struct {
	Status       ExecutionStatus
	EndTime      *time.Time
	ErrorMessage *string
	LogOutput    *string
	// OnlyPending restricts the transition to executions still Pending.
	OnlyPending bool
}

// Package is a read-only view of an automation package owned by a tenant.
type Package struct {
	ID        string
	TenantID  string
	Name      string
	Versions  []string // oldest first
	CreatedAt time.Time
}

// LatestVersion returns the newest published version, or "" if none.
func (p *Package) LatestVersion() string {
	if len(p.Versions) == 0 {
		return ""
	}
	return p.Versions[len(p.Versions)-1]
}

// Schedule is a persisted recurrence that produces executions.
type Schedule struct {
	ID             string
	TenantID       string
	AgentID        string
	PackageID      string
	Name           string
	RecurrenceType string
	RecurrenceJSON string // structured recurrence parameters
	CronExpression string
	TimeZoneID     string
	IsEnabled      bool
	PausedAt       *time.Time
	NextRunTimeUTC *time.Time
	LastRunTimeUTC *time.Time
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TenantStore resolves tenants.
type TenantStore interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error)
}

// AgentStore persists agent rows.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *Agent) error
	// GetAgent is unscoped; callers that act on behalf of a tenant must check TenantID.
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByKeyHash(ctx context.Context, hash string) (*Agent, error)
	ListAgents(ctx context.Context, tenantID string) ([]*Agent, error)
	UpdateAgentKeyHash(ctx context.Context, tenantID, id, hash string) error
	DeactivateAgent(ctx context.Context, tenantID, id string) error
	UpdateAgentPresence(ctx context.Context, id string, p AgentPresence) error
}

// ExecutionStore persists the append-only execution history.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, tenantID, id string) (*Execution, error)
	ListExecutions(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*Execution, error)
	// TransitionExecution applies t only while the execution is pending or
	// running. It reports whether a row changed.
	TransitionExecution(ctx context.Context, tenantID, id string, t ExecutionTransition) (bool, error)
	SetExecutionLogPath(ctx context.Context, tenantID, id, path string) error
	// ListStalePendingExecutions is a system-level query across tenants.
	ListStalePendingExecutions(ctx context.Context, startedBefore time.Time) ([]*Execution, error)
}

// ScheduleStore persists schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, tenantID, id string) (*Schedule, error)
	ListSchedules(ctx context.Context, tenantID string) ([]*Schedule, error)
	// ListEnabledSchedules is a system-level query across tenants.
	ListEnabledSchedules(ctx context.Context) ([]*Schedule, error)
	UpdateSchedule(ctx context.Context, s *Schedule) error
	DeleteSchedule(ctx context.Context, tenantID, id string) error
	// AdvanceSchedule claims the firing due at firedAt and records the next
	// run time. It reports false unless the schedule is still enabled and its
	// stored next run is firedAt, so at most one caller claims each instant.
	// Disable marks a one-shot schedule as done.
	AdvanceSchedule(ctx context.Context, tenantID, id string, firedAt time.Time, next *time.Time, disable bool) (bool, error)
}

// PackageStore exposes the package catalog.
type PackageStore interface {
	CreatePackage(ctx context.Context, p *Package) error
	GetPackage(ctx context.Context, tenantID, id string) (*Package, error)
}

// Store is the full persistence surface of the gateway.
type Store interface {
	TenantStore
	AgentStore
	ExecutionStore
	ScheduleStore
	PackageStore

	// Close releases any resources held by the store
	Close() error
}
