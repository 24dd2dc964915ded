// ABOUTME: Best-effort command delivery to agents and relay of agent events
// ABOUTME: Delivery failures are reported in a Delivery value and never fail the caller

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/execution"
	"github.com/2389/fleet-gateway/internal/logstore"
	"github.com/2389/fleet-gateway/internal/store"
)

// ErrNoSession is reported when the target has no live session.
var ErrNoSession = errors.New("no live session")

// ErrNotAgent is returned when an observer session sends agent events.
var ErrNotAgent = errors.New("session is not an agent")

// Delivery is the outcome of a best-effort send. Callers may ignore it.
type Delivery struct {
	Delivered  bool
	Recipients int
	Err        error
}

// Dispatcher pushes commands to agents and relays what they report.
type Dispatcher struct {
	sessions *agent.Manager
	tracker  *execution.Tracker
	logs     logstore.Store
	logger   *slog.Logger
}

// New creates a Dispatcher and subscribes it to agent presence changes.
func New(sessions *agent.Manager, tracker *execution.Tracker, logs logstore.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sessions: sessions,
		tracker:  tracker,
		logs:     logs,
		logger:   logger.With("component", "dispatcher"),
	}
	sessions.OnPresence(func(_ context.Context, a *store.Agent) {
		d.BroadcastToTenant(a.TenantID, BotStatusOf(a))
	})
	return d
}

// SendCommand queues cmd on the agent's current session.
func (d *Dispatcher) SendCommand(ctx context.Context, agentID string, cmd Command) Delivery {
	frame := EncodeCommand(cmd)

	s, ok := d.sessions.SessionForAgent(agentID)
	if !ok {
		d.logger.Warn("agent offline, command not delivered", "agent_id", agentID, "type", frame.Type)
		return Delivery{Err: ErrNoSession}
	}
	if err := s.Enqueue(frame); err != nil {
		d.logger.Warn("command not delivered",
			"agent_id", agentID,
			"session_id", s.ID,
			"type", frame.Type,
			"error", err)
		return Delivery{Err: err}
	}

	d.logger.Debug("command queued", "agent_id", agentID, "session_id", s.ID, "type", frame.Type)
	return Delivery{Delivered: true, Recipients: 1}
}

// BroadcastToTenant queues n on every session of the tenant.
func (d *Dispatcher) BroadcastToTenant(tenantID string, n Notification) Delivery {
	frame := EncodeNotification(n)
	count := d.sessions.Publish(agent.TenantGroup(tenantID), frame)
	if count == 0 {
		return Delivery{Err: ErrNoSession}
	}
	return Delivery{Delivered: true, Recipients: count}
}

// HandleEvent applies an event reported on session s.
func (d *Dispatcher) HandleEvent(ctx context.Context, s *agent.Session, ev Event) error {
	if s.Kind != agent.KindAgent {
		return ErrNotAgent
	}

	switch e := ev.(type) {
	case KeepAlive:
		d.sessions.KeepAlive(ctx, s)
		return nil

	case StatusReport:
		a, err := d.sessions.Registry().SetStatus(ctx, s.AgentID, e.Status)
		if err != nil {
			return err
		}
		d.sessions.NotifyPresence(ctx, a)
		return nil

	case ExecutionStatusReport:
		return d.handleExecutionStatus(ctx, s, e)

	case ExecutionLog:
		return d.handleExecutionLog(ctx, s, e)

	default:
		panic(fmt.Sprintf("dispatch: unhandled event %T", ev))
	}
}

// ownedExecution loads an execution reported by s, hiding executions of
// other agents.
func (d *Dispatcher) ownedExecution(ctx context.Context, s *agent.Session, executionID string) (*store.Execution, error) {
	e, err := d.tracker.Get(ctx, s.TenantID, executionID)
	if err != nil {
		return nil, err
	}
	if e.AgentID != s.AgentID {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (d *Dispatcher) handleExecutionStatus(ctx context.Context, s *agent.Session, r ExecutionStatusReport) error {
	if _, err := d.ownedExecution(ctx, s, r.ExecutionID); err != nil {
		return err
	}

	var (
		res execution.Result
		err error
	)
	if r.Status == store.ExecutionStatusCancelled {
		res, err = d.tracker.Cancel(ctx, s.TenantID, r.ExecutionID)
	} else {
		res, err = d.tracker.UpdateStatus(ctx, s.TenantID, r.ExecutionID, execution.StatusUpdate{
			Status:       r.Status,
			ErrorMessage: r.ErrorMessage,
			LogOutput:    r.LogOutput,
		})
	}
	if err != nil {
		return err
	}

	if res.Changed {
		d.BroadcastToTenant(s.TenantID, ExecutionStatusUpdate{Execution: ViewOf(res.Execution)})
	}
	return nil
}

func (d *Dispatcher) handleExecutionLog(ctx context.Context, s *agent.Session, l ExecutionLog) error {
	if _, err := d.ownedExecution(ctx, s, l.ExecutionID); err != nil {
		return err
	}

	path, err := d.logs.Upload(ctx, s.TenantID, l.ExecutionID, []byte(l.Content))
	if err != nil {
		return fmt.Errorf("storing execution log: %w", err)
	}
	e, err := d.tracker.AttachLogPath(ctx, s.TenantID, l.ExecutionID, path)
	if err != nil {
		return err
	}

	d.BroadcastToTenant(s.TenantID, ExecutionStatusUpdate{Execution: ViewOf(e)})
	return nil
}
