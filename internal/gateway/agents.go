// ABOUTME: HTTP handlers for agent registration, key rotation and live sessions
// ABOUTME: Machine keys are shown once at registration or regeneration and never again

package gateway

import (
	"net/http"
	"time"

	"github.com/2389/fleet-gateway/internal/store"
)

// agentView is the JSON form of an agent.
type agentView struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	Online          bool       `json:"online"`
	IsActive        bool       `json:"isActive"`
	LastConnectedAt *time.Time `json:"lastConnectedAt"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func (g *Gateway) viewAgent(a *store.Agent) agentView {
	return agentView{
		ID:              a.ID,
		Name:            a.Name,
		Status:          string(a.Status),
		Online:          g.sessions.IsOnline(a.ID),
		IsActive:        a.IsActive,
		LastConnectedAt: a.LastConnectedAt,
		LastHeartbeatAt: a.LastHeartbeatAt,
		CreatedAt:       a.CreatedAt,
	}
}

type registerAgentRequest struct {
	Name string `json:"name"`
}

type agentKeyResponse struct {
	Agent      agentView `json:"agent"`
	MachineKey string    `json:"machineKey"`
}

func (g *Gateway) handleRegisterAgent(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	var req registerAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	a, key, err := g.sessions.Registry().Register(r.Context(), t.ID, req.Name)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	g.logger.Info("agent registered", "tenant_id", t.ID, "agent_id", a.ID, "name", a.Name)
	g.sendJSON(w, http.StatusCreated, agentKeyResponse{Agent: g.viewAgent(a), MachineKey: key})
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	agents, err := g.sessions.Registry().List(r.Context(), t.ID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, g.viewAgent(a))
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"agents": views})
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	a, err := g.sessions.Registry().Get(r.Context(), t.ID, r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, g.viewAgent(a))
}

func (g *Gateway) handleRegenerateKey(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	id := r.PathValue("id")
	key, err := g.sessions.RegenerateKey(r.Context(), t.ID, id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	a, err := g.sessions.Registry().Get(r.Context(), t.ID, id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	g.logger.Info("agent key regenerated", "tenant_id", t.ID, "agent_id", id)
	g.sendJSON(w, http.StatusOK, agentKeyResponse{Agent: g.viewAgent(a), MachineKey: key})
}

func (g *Gateway) handleDeactivateAgent(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	id := r.PathValue("id")
	if err := g.sessions.Deactivate(r.Context(), t.ID, id); err != nil {
		g.writeError(w, r, err)
		return
	}
	g.logger.Info("agent deactivated", "tenant_id", t.ID, "agent_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	g.sendJSON(w, http.StatusOK, map[string]any{"sessions": g.sessions.ListSessions(t.ID)})
}
