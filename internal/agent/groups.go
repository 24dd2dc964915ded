// ABOUTME: In-memory fan-out of frames to named groups of sessions
// ABOUTME: Agents join agent:{id} and tenant:{id}; observers join tenant:{id}

package agent

import (
	"log/slog"
	"sync"
)

// AgentGroup is the group holding an agent's current session.
func AgentGroup(agentID string) string { return "agent:" + agentID }

// TenantGroup is the group holding every session of a tenant.
func TenantGroup(tenantID string) string { return "tenant:" + tenantID }

// groups maps group name to member sessions.
type groups struct {
	mu      sync.RWMutex
	members map[string]map[string]*Session // group -> sessionID -> session
	logger  *slog.Logger
}

func newGroups(logger *slog.Logger) *groups {
	return &groups{
		members: make(map[string]map[string]*Session),
		logger:  logger,
	}
}

func (g *groups) join(group string, s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.members[group]; !ok {
		g.members[group] = make(map[string]*Session)
	}
	g.members[group][s.ID] = s
}

func (g *groups) leave(group, sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	subs, ok := g.members[group]
	if !ok {
		return
	}
	delete(subs, sessionID)
	if len(subs) == 0 {
		delete(g.members, group)
	}
}

// publish enqueues f on every member and returns how many accepted it.
// Full or closed outboxes drop the frame.
func (g *groups) publish(group string, f Frame) int {
	g.mu.RLock()
	subs, ok := g.members[group]
	if !ok || len(subs) == 0 {
		g.mu.RUnlock()
		return 0
	}
	targets := make([]*Session, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	g.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.Enqueue(f); err != nil {
			g.logger.Warn("dropped frame for session",
				"group", group,
				"session_id", s.ID,
				"type", f.Type,
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (g *groups) size(group string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members[group])
}

func (g *groups) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = make(map[string]map[string]*Session)
}
