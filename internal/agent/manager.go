// ABOUTME: Session manager that authenticates hub connections and tracks live sessions
// ABOUTME: Owns the group fan-out and keeps at most one current session per agent

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/store"
	"github.com/2389/fleet-gateway/internal/tenant"
)

// ErrTenantUnresolved is returned when a connection's tenant cannot be
// determined or disagrees with the caller's identity.
var ErrTenantUnresolved = errors.New("tenant could not be resolved")

// ErrNoCredentials is returned when a connection presents neither a machine key nor a token.
var ErrNoCredentials = errors.New("no credentials presented")

// ErrUnauthorized is returned when an observer token is rejected.
var ErrUnauthorized = errors.New("unauthorized")

// Defaults used when Options leaves a field zero.
const (
	DefaultOutboxSize             = 64
	DefaultHeartbeatWriteInterval = 10 * time.Second
)

// Options tunes session behavior.
type Options struct {
	OutboxSize             int
	HeartbeatWriteInterval time.Duration
}

// PresenceFunc is called after an agent's persisted presence changes.
type PresenceFunc func(ctx context.Context, a *store.Agent)

// Manager coordinates all live sessions and routes frames to them.
type Manager struct {
	registry *Registry
	tenants  tenant.Resolver
	users    auth.UserAuthorizer
	opts     Options

	mu       sync.RWMutex
	sessions map[string]*Session // sessionID -> session
	byAgent  map[string]*Session // agentID -> current session
	groups   *groups

	hookMu   sync.RWMutex
	presence []PresenceFunc

	// presenceMu orders connect and disconnect status writes, and the
	// presence hooks they trigger, against each other.
	presenceMu sync.Mutex

	logger *slog.Logger
}

// NewManager creates a Manager.
func NewManager(registry *Registry, tenants tenant.Resolver, users auth.UserAuthorizer, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	if opts.HeartbeatWriteInterval <= 0 {
		opts.HeartbeatWriteInterval = DefaultHeartbeatWriteInterval
	}
	logger = logger.With("component", "session-manager")
	return &Manager{
		registry: registry,
		tenants:  tenants,
		users:    users,
		opts:     opts,
		sessions: make(map[string]*Session),
		byAgent:  make(map[string]*Session),
		groups:   newGroups(logger),
		logger:   logger,
	}
}

// Registry returns the agent registry backing the manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// OnPresence registers fn to run after agents connect, disconnect or change status.
func (m *Manager) OnPresence(fn PresenceFunc) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.presence = append(m.presence, fn)
}

// NotifyPresence runs the presence hooks for a.
func (m *Manager) NotifyPresence(ctx context.Context, a *store.Agent) {
	m.hookMu.RLock()
	hooks := append([]PresenceFunc(nil), m.presence...)
	m.hookMu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, a)
	}
}

// Connect authenticates creds and opens a session delivering frames to sink.
// Nothing is created when authentication or tenant resolution fails.
func (m *Manager) Connect(ctx context.Context, creds auth.Credentials, sink Sink) (*Session, error) {
	switch {
	case creds.MachineKey != "":
		return m.connectAgent(ctx, creds, sink)
	case creds.BearerToken != "":
		return m.connectObserver(ctx, creds, sink)
	default:
		return nil, ErrNoCredentials
	}
}

func (m *Manager) connectAgent(ctx context.Context, creds auth.Credentials, sink Sink) (*Session, error) {
	a, err := m.registry.Validate(ctx, creds.MachineKey)
	if err != nil {
		return nil, err
	}

	if creds.TenantSlug != "" {
		t, err := m.tenants.Resolve(ctx, creds.TenantSlug)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTenantUnresolved, err)
		}
		if t.ID != a.TenantID {
			return nil, fmt.Errorf("%w: agent does not belong to tenant %q", ErrTenantUnresolved, creds.TenantSlug)
		}
	} else if _, err := m.tenants.ResolveID(ctx, a.TenantID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTenantUnresolved, err)
	}

	s := newSession(SessionInfo{
		ID:          uuid.New().String(),
		Kind:        KindAgent,
		TenantID:    a.TenantID,
		AgentID:     a.ID,
		ConnectedAt: time.Now().UTC(),
	}, sink, m.opts.OutboxSize, m.opts.HeartbeatWriteInterval, m.logger)

	_ = s.Enqueue(Frame{Type: FrameWelcome, Payload: Welcome{
		SessionID: s.ID,
		TenantID:  a.TenantID,
		AgentID:   a.ID,
		AgentName: a.Name,
	}})

	m.mu.Lock()
	prev := m.byAgent[a.ID]
	if prev != nil {
		m.removeLocked(prev)
	}
	m.addLocked(s)
	total := len(m.sessions)
	m.mu.Unlock()

	if prev != nil {
		prev.close(ReasonSuperseded)
		m.logger.Info("superseded previous agent session",
			"agent_id", a.ID,
			"old_session_id", prev.ID,
			"new_session_id", s.ID,
		)
	}

	m.presenceMu.Lock()
	updated, err := m.registry.MarkConnected(ctx, a.ID)
	if err == nil {
		m.NotifyPresence(ctx, updated)
	}
	m.presenceMu.Unlock()
	if err != nil {
		m.mu.Lock()
		m.removeLocked(s)
		m.mu.Unlock()
		s.close(ReasonClosed)
		return nil, err
	}

	go s.pump()

	m.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", a.ID,
		"name", a.Name,
		"tenant_id", a.TenantID,
		"session_id", s.ID,
		"total_sessions", total,
	)
	return s, nil
}

func (m *Manager) connectObserver(ctx context.Context, creds auth.Credentials, sink Sink) (*Session, error) {
	id, err := m.users.AuthorizeUser(creds.BearerToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	slug := tenant.NormalizeSlug(id.TenantSlug)
	if creds.TenantSlug != "" && tenant.NormalizeSlug(creds.TenantSlug) != slug {
		return nil, fmt.Errorf("%w: token is not valid for tenant %q", ErrTenantUnresolved, creds.TenantSlug)
	}
	t, err := m.tenants.Resolve(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTenantUnresolved, err)
	}

	s := newSession(SessionInfo{
		ID:          uuid.New().String(),
		Kind:        KindObserver,
		TenantID:    t.ID,
		UserID:      id.UserID,
		ConnectedAt: time.Now().UTC(),
	}, sink, m.opts.OutboxSize, m.opts.HeartbeatWriteInterval, m.logger)
	s.Permissions = id.Permissions

	_ = s.Enqueue(Frame{Type: FrameWelcome, Payload: Welcome{
		SessionID: s.ID,
		TenantID:  t.ID,
		UserID:    id.UserID,
	}})

	m.mu.Lock()
	m.addLocked(s)
	m.mu.Unlock()

	go s.pump()

	m.logger.Debug("observer connected",
		"user_id", id.UserID,
		"tenant_id", t.ID,
		"session_id", s.ID,
	)
	return s, nil
}

func (m *Manager) addLocked(s *Session) {
	m.sessions[s.ID] = s
	m.groups.join(TenantGroup(s.TenantID), s)
	if s.Kind == KindAgent {
		m.byAgent[s.AgentID] = s
		m.groups.join(AgentGroup(s.AgentID), s)
	}
}

// removeLocked drops s from every index and reports whether it was the
// agent's current session.
func (m *Manager) removeLocked(s *Session) bool {
	if _, ok := m.sessions[s.ID]; !ok {
		return false
	}
	delete(m.sessions, s.ID)
	m.groups.leave(TenantGroup(s.TenantID), s.ID)

	if s.Kind != KindAgent {
		return false
	}
	m.groups.leave(AgentGroup(s.AgentID), s.ID)
	if m.byAgent[s.AgentID] == s {
		delete(m.byAgent, s.AgentID)
		return true
	}
	return false
}

// Disconnect ends s. It is safe to call more than once. The agent is only
// marked Disconnected when s was still its current session.
func (m *Manager) Disconnect(ctx context.Context, s *Session) {
	m.mu.Lock()
	wasCurrent := m.removeLocked(s)
	total := len(m.sessions)
	m.mu.Unlock()

	s.close(ReasonClosed)

	if !wasCurrent {
		return
	}
	m.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", s.AgentID,
		"session_id", s.ID,
		"total_sessions", total,
	)
	m.markOffline(ctx, s.AgentID)
}

// markOffline persists the agent as Disconnected unless a newer session
// has connected since the old one was removed.
func (m *Manager) markOffline(ctx context.Context, agentID string) {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()

	if m.IsOnline(agentID) {
		m.logger.Debug("agent reconnected, keeping it online", "agent_id", agentID)
		return
	}
	a, err := m.registry.MarkDisconnected(ctx, agentID)
	if err != nil {
		m.logger.Error("failed to mark agent disconnected", "agent_id", agentID, "error", err)
		return
	}
	m.NotifyPresence(ctx, a)
}

// KeepAlive records an agent heartbeat. Writes are coalesced per session.
func (m *Manager) KeepAlive(ctx context.Context, s *Session) {
	if s.Kind != KindAgent || !s.heartbeat.Allow() {
		return
	}
	if err := m.registry.MarkHeartbeat(ctx, s.AgentID); err != nil {
		m.logger.Warn("failed to record heartbeat", "agent_id", s.AgentID, "error", err)
	}
}

// Kick closes the agent's live session, if any, and reports whether one existed.
func (m *Manager) Kick(ctx context.Context, agentID string) bool {
	m.mu.Lock()
	s := m.byAgent[agentID]
	if s != nil {
		m.removeLocked(s)
	}
	m.mu.Unlock()

	if s == nil {
		return false
	}
	s.close(ReasonKicked)
	m.logger.Info("kicked agent session", "agent_id", agentID, "session_id", s.ID)
	m.markOffline(ctx, agentID)
	return true
}

// IsOnline reports whether the agent has a live session.
func (m *Manager) IsOnline(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byAgent[agentID]
	return ok
}

// SessionForAgent returns the agent's current session.
func (m *Manager) SessionForAgent(agentID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byAgent[agentID]
	return s, ok
}

// ListSessions returns the live sessions of a tenant, oldest first.
func (m *Manager) ListSessions(tenantID string) []SessionInfo {
	m.mu.RLock()
	result := make([]SessionInfo, 0)
	for _, s := range m.sessions {
		if s.TenantID == tenantID {
			result = append(result, s.Info())
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].ConnectedAt.Equal(result[j].ConnectedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].ConnectedAt.Before(result[j].ConnectedAt)
	})
	return result
}

// Publish enqueues f on every session of group and returns how many accepted it.
func (m *Manager) Publish(group string, f Frame) int {
	return m.groups.publish(group, f)
}

// RegenerateKey rotates the agent's machine key and drops its live session.
func (m *Manager) RegenerateKey(ctx context.Context, tenantID, agentID string) (string, error) {
	key, err := m.registry.RegenerateKey(ctx, tenantID, agentID)
	if err != nil {
		return "", err
	}
	m.Kick(ctx, agentID)
	return key, nil
}

// Deactivate deactivates the agent and drops its live session.
func (m *Manager) Deactivate(ctx context.Context, tenantID, agentID string) error {
	if err := m.registry.Deactivate(ctx, tenantID, agentID); err != nil {
		return err
	}
	m.Kick(ctx, agentID)
	return nil
}

// Close ends every session without touching persisted agent state.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.byAgent = make(map[string]*Session)
	m.groups.clear()
	m.mu.Unlock()

	for _, s := range all {
		s.close(ReasonClosed)
	}
	m.logger.Debug("session manager closed", "sessions", len(all))
}
