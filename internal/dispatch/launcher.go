// ABOUTME: Run launcher shared by manual triggers, the HTTP API and the schedule engine
// ABOUTME: Creates the Pending execution first, then pushes the command best-effort

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/2389/fleet-gateway/internal/execution"
	"github.com/2389/fleet-gateway/internal/store"
	"github.com/2389/fleet-gateway/internal/tenant"
)

// RunRequest describes a run to start. An empty Version means the latest.
type RunRequest struct {
	AgentID    string
	PackageID  string
	Version    string
	ScheduleID string
	Trigger    store.TriggerSource
}

// Launcher starts and cancels runs.
type Launcher struct {
	tracker    *execution.Tracker
	catalog    execution.PackageCatalog
	tenants    tenant.Resolver
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewLauncher creates a Launcher.
func NewLauncher(tracker *execution.Tracker, catalog execution.PackageCatalog, tenants tenant.Resolver, dispatcher *Dispatcher, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		tracker:    tracker,
		catalog:    catalog,
		tenants:    tenants,
		dispatcher: dispatcher,
		logger:     logger.With("component", "launcher"),
	}
}

// StartRun records a Pending execution and asks the agent to run it. The
// execution is returned even when the agent is offline; the Delivery says
// whether the command was queued.
func (l *Launcher) StartRun(ctx context.Context, tenantID string, req RunRequest) (*store.Execution, Delivery, error) {
	t, err := l.tenants.ResolveID(ctx, tenantID)
	if err != nil {
		return nil, Delivery{}, err
	}

	pkg, err := l.catalog.GetPackageMetadata(ctx, tenantID, req.PackageID)
	if errors.Is(err, execution.ErrUnknownPackage) {
		return nil, Delivery{}, fmt.Errorf("%w: %s", execution.ErrUnknownPackage, req.PackageID)
	}
	if err != nil {
		return nil, Delivery{}, fmt.Errorf("loading package: %w", err)
	}
	version := req.Version
	if version == "" {
		version = pkg.LatestVersion()
	} else if !slices.Contains(pkg.Versions, version) {
		return nil, Delivery{}, fmt.Errorf("%w: %s has no version %q", execution.ErrUnknownPackage, pkg.Name, version)
	}

	e, err := l.tracker.Create(ctx, tenantID, execution.CreateParams{
		AgentID:    req.AgentID,
		PackageID:  req.PackageID,
		ScheduleID: req.ScheduleID,
		Trigger:    req.Trigger,
	})
	if err != nil {
		return nil, Delivery{}, err
	}

	l.dispatcher.BroadcastToTenant(tenantID, ExecutionStatusUpdate{Execution: ViewOf(e)})

	delivery := l.dispatcher.SendCommand(ctx, req.AgentID, ExecutePackage{
		ExecutionID: e.ID,
		PackageID:   pkg.ID,
		PackageName: pkg.Name,
		Version:     version,
		TenantSlug:  t.Slug,
	})
	if delivery.Err != nil {
		l.logger.Warn("execution left pending, agent did not receive it",
			"execution_id", e.ID,
			"agent_id", req.AgentID,
			"error", delivery.Err)
	}
	return e, delivery, nil
}

// CancelRun cancels an execution and tells the agent to stop. A terminal
// execution is returned unchanged.
func (l *Launcher) CancelRun(ctx context.Context, tenantID, executionID string) (execution.Result, error) {
	res, err := l.tracker.Cancel(ctx, tenantID, executionID)
	if err != nil {
		return res, err
	}
	if !res.Changed {
		return res, nil
	}

	l.dispatcher.SendCommand(ctx, res.Execution.AgentID, CancelExecution{ExecutionID: executionID})
	l.dispatcher.BroadcastToTenant(tenantID, ExecutionStatusUpdate{Execution: ViewOf(res.Execution)})
	return res, nil
}
