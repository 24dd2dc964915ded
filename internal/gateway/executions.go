// ABOUTME: HTTP handlers for starting, listing and cancelling executions
// ABOUTME: POST honours an Idempotency-Key header so client retries start one run

package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/2389/fleet-gateway/internal/dedupe"
	"github.com/2389/fleet-gateway/internal/dispatch"
	"github.com/2389/fleet-gateway/internal/store"
)

// idempotencyHeader names the client-chosen retry key.
const idempotencyHeader = "Idempotency-Key"

// defaultListLimit bounds list endpoints when no limit is given.
const defaultListLimit = 100

type createExecutionRequest struct {
	AgentID   string `json:"agentId"`
	PackageID string `json:"packageId"`
	Version   string `json:"version"`
}

type executionResponse struct {
	Execution dispatch.ExecutionView `json:"execution"`
	Delivered bool                   `json:"delivered"`
}

func (g *Gateway) handleCreateExecution(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	var req createExecutionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.AgentID == "" || req.PackageID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agentId and packageId are required")
		return
	}

	key := r.Header.Get(idempotencyHeader)
	if key != "" {
		key = t.ID + ":" + key
		prior, state := g.dedupe.Begin(key)
		switch state {
		case dedupe.StateInFlight:
			g.sendJSONError(w, http.StatusConflict, "a request with this idempotency key is in progress")
			return
		case dedupe.StateDone:
			e, err := g.tracker.Get(r.Context(), t.ID, prior)
			if err != nil {
				g.writeError(w, r, err)
				return
			}
			g.sendJSON(w, http.StatusOK, executionResponse{Execution: dispatch.ViewOf(e), Delivered: e.Status != store.ExecutionStatusPending})
			return
		}
	}

	e, delivery, err := g.launcher.StartRun(r.Context(), t.ID, dispatch.RunRequest{
		AgentID:   req.AgentID,
		PackageID: req.PackageID,
		Version:   req.Version,
		Trigger:   store.TriggerManual,
	})
	if err != nil {
		if key != "" {
			g.dedupe.Abort(key)
		}
		g.writeError(w, r, err)
		return
	}
	if key != "" {
		g.dedupe.Complete(key, e.ID)
	}

	g.logger.Info("execution started",
		"tenant_id", t.ID,
		"execution_id", e.ID,
		"agent_id", e.AgentID,
		"package_id", e.PackageID,
		"user_id", userID(r),
		"delivered", delivery.Delivered,
	)
	g.sendJSON(w, http.StatusCreated, executionResponse{Execution: dispatch.ViewOf(e), Delivered: delivery.Delivered})
}

func (g *Gateway) handleListExecutions(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	executions, err := g.tracker.List(r.Context(), t.ID, store.ExecutionFilter{
		AgentID:    q.Get("agentId"),
		ScheduleID: q.Get("scheduleId"),
		Status:     store.ExecutionStatus(q.Get("status")),
		Limit:      limit,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	views := make([]dispatch.ExecutionView, 0, len(executions))
	for _, e := range executions {
		views = append(views, dispatch.ViewOf(e))
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"executions": views})
}

func (g *Gateway) handleGetExecution(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	e, err := g.tracker.Get(r.Context(), t.ID, r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, dispatch.ViewOf(e))
}

func (g *Gateway) handleCancelExecution(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	res, err := g.launcher.CancelRun(r.Context(), t.ID, r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{
		"execution": dispatch.ViewOf(res.Execution),
		"cancelled": res.Changed,
	})
}

type logLinkResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (g *Gateway) handleExecutionLog(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	e, err := g.tracker.Get(r.Context(), t.ID, r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if e.LogStoragePath == nil {
		g.writeError(w, r, errors.Join(store.ErrNotFound, errors.New("no log stored")))
		return
	}

	ttl := g.config.Logs.URLTTL
	link, err := g.logs.DownloadURL(*e.LogStoragePath, ttl)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, logLinkResponse{URL: link, ExpiresAt: time.Now().UTC().Add(ttl)})
}
