// ABOUTME: Agent registry that issues machine keys and tracks agent liveness in the store
// ABOUTME: Validate is the only way an agent proves its identity

package agent

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/store"
)

// ErrInvalidMachineKey is returned for unknown, malformed, rotated or deactivated keys.
var ErrInvalidMachineKey = errors.New("invalid machine key")

// ErrInvalidName is returned when registering an agent without a usable name.
var ErrInvalidName = errors.New("invalid agent name")

// ErrInvalidStatus is returned when an agent reports a status it may not set.
var ErrInvalidStatus = errors.New("invalid agent status")

// Registry owns persisted agent identity and liveness.
type Registry struct {
	store  store.AgentStore
	hasher *KeyHasher
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry creates a registry backed by s, hashing keys with pepper.
func NewRegistry(s store.AgentStore, pepper []byte, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		hasher: NewKeyHasher(pepper),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "agent-registry"),
	}
}

// Register creates an agent in tenantID and returns it with its machine key.
// The key is not recoverable afterwards.
func (r *Registry) Register(ctx context.Context, tenantID, name string) (*store.Agent, string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 128 {
		return nil, "", fmt.Errorf("%w: must be 1-128 characters", ErrInvalidName)
	}

	for attempt := 0; ; attempt++ {
		key, err := GenerateMachineKey()
		if err != nil {
			return nil, "", err
		}

		a := &store.Agent{
			ID:             uuid.New().String(),
			TenantID:       tenantID,
			Name:           name,
			MachineKeyHash: r.hasher.Hash(key),
			Status:         store.AgentStatusDisconnected,
			IsActive:       true,
			CreatedAt:      r.now(),
		}
		err = r.store.CreateAgent(ctx, a)
		if errors.Is(err, store.ErrDuplicateKey) && attempt < 2 {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("creating agent: %w", err)
		}

		r.logger.Info("agent registered", "agent_id", a.ID, "tenant_id", tenantID, "name", name)
		return a, key, nil
	}
}

// Validate returns the active agent owning machineKey.
func (r *Registry) Validate(ctx context.Context, machineKey string) (*store.Agent, error) {
	if !wellFormedKey(machineKey) {
		return nil, ErrInvalidMachineKey
	}

	hash := r.hasher.Hash(machineKey)
	a, err := r.store.GetAgentByKeyHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidMachineKey
	}
	if err != nil {
		return nil, fmt.Errorf("looking up machine key: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(a.MachineKeyHash), []byte(hash)) != 1 {
		return nil, ErrInvalidMachineKey
	}
	if !a.IsActive {
		return nil, fmt.Errorf("%w: agent deactivated", ErrInvalidMachineKey)
	}
	return a, nil
}

// MarkConnected records a new connection and sets the agent Available.
func (r *Registry) MarkConnected(ctx context.Context, agentID string) (*store.Agent, error) {
	now := r.now()
	status := store.AgentStatusAvailable
	if err := r.store.UpdateAgentPresence(ctx, agentID, store.AgentPresence{
		Status:      &status,
		ConnectedAt: &now,
		HeartbeatAt: &now,
	}); err != nil {
		return nil, fmt.Errorf("marking agent connected: %w", err)
	}
	return r.store.GetAgent(ctx, agentID)
}

// MarkDisconnected sets the agent Disconnected.
func (r *Registry) MarkDisconnected(ctx context.Context, agentID string) (*store.Agent, error) {
	status := store.AgentStatusDisconnected
	if err := r.store.UpdateAgentPresence(ctx, agentID, store.AgentPresence{Status: &status}); err != nil {
		return nil, fmt.Errorf("marking agent disconnected: %w", err)
	}
	return r.store.GetAgent(ctx, agentID)
}

// MarkHeartbeat records that the agent is alive.
func (r *Registry) MarkHeartbeat(ctx context.Context, agentID string) error {
	now := r.now()
	if err := r.store.UpdateAgentPresence(ctx, agentID, store.AgentPresence{HeartbeatAt: &now}); err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	return nil
}

// SetStatus applies an agent-reported status. Agents may only report
// Available or Busy; Disconnected is derived from the connection.
func (r *Registry) SetStatus(ctx context.Context, agentID string, status store.AgentStatus) (*store.Agent, error) {
	if status != store.AgentStatusAvailable && status != store.AgentStatusBusy {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	now := r.now()
	if err := r.store.UpdateAgentPresence(ctx, agentID, store.AgentPresence{
		Status:      &status,
		HeartbeatAt: &now,
	}); err != nil {
		return nil, fmt.Errorf("setting agent status: %w", err)
	}
	return r.store.GetAgent(ctx, agentID)
}

// Deactivate soft-deletes an agent. Its key stops validating immediately.
func (r *Registry) Deactivate(ctx context.Context, tenantID, agentID string) error {
	if err := r.store.DeactivateAgent(ctx, tenantID, agentID); err != nil {
		return err
	}
	r.logger.Info("agent deactivated", "agent_id", agentID, "tenant_id", tenantID)
	return nil
}

// RegenerateKey issues a new machine key; the previous key is permanently invalid.
func (r *Registry) RegenerateKey(ctx context.Context, tenantID, agentID string) (string, error) {
	a, err := r.Get(ctx, tenantID, agentID)
	if err != nil {
		return "", err
	}
	if !a.IsActive {
		return "", store.ErrNotFound
	}

	for attempt := 0; ; attempt++ {
		key, err := GenerateMachineKey()
		if err != nil {
			return "", err
		}
		err = r.store.UpdateAgentKeyHash(ctx, tenantID, agentID, r.hasher.Hash(key))
		if errors.Is(err, store.ErrDuplicateKey) && attempt < 2 {
			continue
		}
		if err != nil {
			return "", err
		}
		r.logger.Info("agent machine key regenerated", "agent_id", agentID, "tenant_id", tenantID)
		return key, nil
	}
}

// Get returns an agent of tenantID. Agents of other tenants are ErrNotFound.
func (r *Registry) Get(ctx context.Context, tenantID, agentID string) (*store.Agent, error) {
	a, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return a, nil
}

// List returns the agents of tenantID.
func (r *Registry) List(ctx context.Context, tenantID string) ([]*store.Agent, error) {
	return r.store.ListAgents(ctx, tenantID)
}
