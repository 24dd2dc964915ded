// ABOUTME: Closed unions for hub traffic: commands to agents, events from agents, tenant notifications
// ABOUTME: Each union is sealed by an unexported marker method

package dispatch

import (
	"time"

	"github.com/2389/fleet-gateway/internal/store"
)

// Command is sent to a single agent.
type Command interface {
	isCommand()
}

// ExecutePackage asks an agent to run a package version.
type ExecutePackage struct {
	ExecutionID string `json:"executionId"`
	PackageID   string `json:"packageId"`
	PackageName string `json:"packageName"`
	Version     string `json:"version"`
	TenantSlug  string `json:"tenantSlug"`
}

// CancelExecution asks an agent to stop a run. Cancellation is advisory.
type CancelExecution struct {
	ExecutionID string `json:"executionId"`
}

func (ExecutePackage) isCommand()  {}
func (CancelExecution) isCommand() {}

// Event is reported by an agent.
type Event interface {
	isEvent()
}

// StatusReport is an agent's own availability.
type StatusReport struct {
	AgentName   string            `json:"agentName"`
	Status      store.AgentStatus `json:"status"`
	Heartbeat   time.Time         `json:"heartbeat"`
	ExecutionID string            `json:"executionId,omitempty"`
}

// ExecutionStatusReport is progress on one execution.
type ExecutionStatusReport struct {
	ExecutionID  string                `json:"executionId"`
	Status       store.ExecutionStatus `json:"status"`
	ErrorMessage *string               `json:"errorMessage,omitempty"`
	LogOutput    *string               `json:"logOutput,omitempty"`
}

// KeepAlive only refreshes the agent's heartbeat.
type KeepAlive struct{}

// ExecutionLog carries the full log of an execution.
type ExecutionLog struct {
	ExecutionID string `json:"executionId"`
	Content     string `json:"content"`
}

func (StatusReport) isEvent()          {}
func (ExecutionStatusReport) isEvent() {}
func (KeepAlive) isEvent()             {}
func (ExecutionLog) isEvent()          {}

// Notification is broadcast to every session of a tenant.
type Notification interface {
	isNotification()
}

// BotStatusUpdate announces an agent's presence.
type BotStatusUpdate struct {
	AgentID       string            `json:"agentId"`
	Name          string            `json:"name"`
	Status        store.AgentStatus `json:"status"`
	LastHeartbeat *time.Time        `json:"lastHeartbeat,omitempty"`
}

// ExecutionStatusUpdate announces an execution's new state.
type ExecutionStatusUpdate struct {
	Execution ExecutionView `json:"execution"`
}

func (BotStatusUpdate) isNotification()       {}
func (ExecutionStatusUpdate) isNotification() {}

// ExecutionView is the wire form of an execution.
type ExecutionView struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenantId"`
	AgentID        string     `json:"agentId"`
	PackageID      string     `json:"packageId"`
	ScheduleID     string     `json:"scheduleId,omitempty"`
	Trigger        string     `json:"trigger"`
	Status         string     `json:"status"`
	StartTime      time.Time  `json:"startTime"`
	EndTime        *time.Time `json:"endTime"`
	ErrorMessage   *string    `json:"errorMessage"`
	LogOutput      *string    `json:"logOutput,omitempty"`
	LogStoragePath *string    `json:"logStoragePath,omitempty"`
}

// ViewOf converts an execution for the wire.
func ViewOf(e *store.Execution) ExecutionView {
	return ExecutionView{
		ID:             e.ID,
		TenantID:       e.TenantID,
		AgentID:        e.AgentID,
		PackageID:      e.PackageID,
		ScheduleID:     e.ScheduleID,
		Trigger:        string(e.Trigger),
		Status:         string(e.Status),
		StartTime:      e.StartTime,
		EndTime:        e.EndTime,
		ErrorMessage:   e.ErrorMessage,
		LogOutput:      e.LogOutput,
		LogStoragePath: e.LogStoragePath,
	}
}

// BotStatusOf builds the presence notification for an agent.
func BotStatusOf(a *store.Agent) BotStatusUpdate {
	return BotStatusUpdate{
		AgentID:       a.ID,
		Name:          a.Name,
		Status:        a.Status,
		LastHeartbeat: a.LastHeartbeatAt,
	}
}
