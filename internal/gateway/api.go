// ABOUTME: HTTP API routing, tenant scoping and JSON helpers
// ABOUTME: Every route authenticates a user JWT and acts inside the token's tenant

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/execution"
	"github.com/2389/fleet-gateway/internal/schedule"
	"github.com/2389/fleet-gateway/internal/store"
	"github.com/2389/fleet-gateway/internal/tenant"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// errValidation marks request bodies that fail field checks.
var errValidation = errors.New("validation failed")

// tenantHandler is an API handler running inside a resolved tenant.
type tenantHandler func(w http.ResponseWriter, r *http.Request, t *store.Tenant)

// registerAPIRoutes mounts the API on mux behind JWT authentication.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	authn := auth.HTTPAuthMiddleware(g.verifier)
	route := func(pattern, perm string, h tenantHandler) {
		mux.Handle(pattern, authn(auth.RequirePermission(perm)(g.withTenant(h))))
	}

	route("POST /api/agents", auth.PermAgentsManage, g.handleRegisterAgent)
	route("GET /api/agents", auth.PermExecutionsView, g.handleListAgents)
	route("GET /api/agents/{id}", auth.PermExecutionsView, g.handleGetAgent)
	route("POST /api/agents/{id}/regenerate-key", auth.PermAgentsManage, g.handleRegenerateKey)
	route("DELETE /api/agents/{id}", auth.PermAgentsManage, g.handleDeactivateAgent)
	route("GET /api/sessions", auth.PermAgentsManage, g.handleListSessions)

	route("POST /api/executions", auth.PermExecutionsRun, g.handleCreateExecution)
	route("GET /api/executions", auth.PermExecutionsView, g.handleListExecutions)
	route("GET /api/executions/{id}", auth.PermExecutionsView, g.handleGetExecution)
	route("POST /api/executions/{id}/cancel", auth.PermExecutionsRun, g.handleCancelExecution)
	route("GET /api/executions/{id}/log", auth.PermExecutionsView, g.handleExecutionLog)

	route("POST /api/schedules", auth.PermSchedulesManage, g.handleCreateSchedule)
	route("GET /api/schedules", auth.PermExecutionsView, g.handleListSchedules)
	route("GET /api/schedules/{id}", auth.PermExecutionsView, g.handleGetSchedule)
	route("PATCH /api/schedules/{id}", auth.PermSchedulesManage, g.handleUpdateSchedule)
	route("DELETE /api/schedules/{id}", auth.PermSchedulesManage, g.handleDeleteSchedule)
	route("POST /api/schedules/{id}/{action}", auth.PermSchedulesManage, g.handleScheduleAction)
	route("GET /api/schedules/{id}/upcoming", auth.PermExecutionsView, g.handleUpcomingRuns)

	route("GET /api/events", auth.PermExecutionsView, g.handleEvents)
}

// withTenant resolves the tenant named by the caller's token.
func (g *Gateway) withTenant(h tenantHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := auth.FromContext(r.Context())
		if authCtx == nil {
			g.sendJSONError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		t, err := g.tenants.Resolve(r.Context(), authCtx.TenantSlug)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		h(w, r, t)
	})
}

// userID returns the authenticated caller's ID.
func userID(r *http.Request) string {
	if authCtx := auth.FromContext(r.Context()); authCtx != nil {
		return authCtx.UserID
	}
	return ""
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a size-limited JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Join(errValidation, errors.New("invalid JSON body: "+err.Error()))
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, agent.ErrInvalidMachineKey):
		return http.StatusNotFound
	case errors.Is(err, tenant.ErrUnknownTenant):
		return http.StatusForbidden
	case errors.Is(err, errValidation),
		errors.Is(err, schedule.ErrInvalidRecurrence),
		errors.Is(err, schedule.ErrInvalidSchedule),
		errors.Is(err, execution.ErrInvalidTransition),
		errors.Is(err, execution.ErrInvalidStatus),
		errors.Is(err, execution.ErrUnknownAgent),
		errors.Is(err, execution.ErrUnknownPackage),
		errors.Is(err, agent.ErrInvalidName),
		errors.Is(err, agent.ErrInvalidStatus):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err, logging anything that is not the caller's fault.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		g.sendJSONError(w, status, "internal error")
		return
	}
	msg := err.Error()
	if status == http.StatusNotFound {
		msg = "not found"
	}
	g.sendJSONError(w, status, msg)
}

// queryInt parses an optional positive integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.Join(errValidation, errors.New(name+" must be a positive integer"))
	}
	return n, nil
}
