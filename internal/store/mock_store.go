// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while matching its conditional-update semantics

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	tenants    map[string]*Tenant    // keyed by tenant ID
	agents     map[string]*Agent     // keyed by agent ID
	executions map[string]*Execution // keyed by execution ID
	schedules  map[string]*Schedule  // keyed by schedule ID
	packages   map[string]*Package   // keyed by package ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tenants:    make(map[string]*Tenant),
		agents:     make(map[string]*Agent),
		executions: make(map[string]*Execution),
		schedules:  make(map[string]*Schedule),
		packages:   make(map[string]*Package),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneAgent(a *Agent) *Agent {
	c := *a
	c.LastConnectedAt = copyTime(a.LastConnectedAt)
	c.LastHeartbeatAt = copyTime(a.LastHeartbeatAt)
	return &c
}

func cloneExecution(e *Execution) *Execution {
	c := *e
	c.EndTime = copyTime(e.EndTime)
	c.ErrorMessage = copyString(e.ErrorMessage)
	c.LogOutput = copyString(e.LogOutput)
	c.LogStoragePath = copyString(e.LogStoragePath)
	return &c
}

func cloneSchedule(s *Schedule) *Schedule {
	c := *s
	c.PausedAt = copyTime(s.PausedAt)
	c.NextRunTimeUTC = copyTime(s.NextRunTimeUTC)
	c.LastRunTimeUTC = copyTime(s.LastRunTimeUTC)
	return &c
}

// CreateTenant stores a tenant. Returns ErrDuplicateSlug if the slug is taken.
func (m *MockStore) CreateTenant(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.tenants {
		if existing.Slug == t.Slug {
			return ErrDuplicateSlug
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	c := *t
	m.tenants[c.ID] = &c
	return nil
}

// GetTenant retrieves a tenant by ID.
func (m *MockStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

// GetTenantBySlug retrieves a tenant by slug.
func (m *MockStore) GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.tenants {
		if t.Slug == slug {
			c := *t
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// CreateAgent stores an agent. Returns ErrDuplicateKey on a key hash collision.
func (m *MockStore) CreateAgent(ctx context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.agents {
		if existing.MachineKeyHash == a.MachineKeyHash {
			return ErrDuplicateKey
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = AgentStatusDisconnected
	}
	m.agents[a.ID] = cloneAgent(a)
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

// GetAgentByKeyHash retrieves an agent by machine key hash.
func (m *MockStore) GetAgentByKeyHash(ctx context.Context, hash string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.agents {
		if a.MachineKeyHash == hash {
			return cloneAgent(a), nil
		}
	}
	return nil, ErrNotFound
}

// ListAgents returns the agents of a tenant ordered by name.
func (m *MockStore) ListAgents(ctx context.Context, tenantID string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Agent
	for _, a := range m.agents {
		if a.TenantID == tenantID {
			result = append(result, cloneAgent(a))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name == result[j].Name {
			return result[i].ID < result[j].ID
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// UpdateAgentKeyHash replaces an agent's key hash.
func (m *MockStore) UpdateAgentKeyHash(ctx context.Context, tenantID, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok || a.TenantID != tenantID {
		return ErrNotFound
	}
	for otherID, other := range m.agents {
		if otherID != id && other.MachineKeyHash == hash {
			return ErrDuplicateKey
		}
	}
	a.MachineKeyHash = hash
	return nil
}

// DeactivateAgent soft-deletes an agent.
func (m *MockStore) DeactivateAgent(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok || a.TenantID != tenantID {
		return ErrNotFound
	}
	a.IsActive = false
	a.Status = AgentStatusDisconnected
	return nil
}

// UpdateAgentPresence writes the non-nil liveness fields.
func (m *MockStore) UpdateAgentPresence(ctx context.Context, id string, p AgentPresence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.ConnectedAt != nil {
		a.LastConnectedAt = copyTime(p.ConnectedAt)
	}
	if p.HeartbeatAt != nil {
		a.LastHeartbeatAt = copyTime(p.HeartbeatAt)
	}
	return nil
}

// CreateExecution stores an execution.
func (m *MockStore) CreateExecution(ctx context.Context, e *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.StartTime.IsZero() {
		e.StartTime = time.Now().UTC()
	}
	m.executions[e.ID] = cloneExecution(e)
	return nil
}

// GetExecution retrieves an execution scoped to tenantID.
func (m *MockStore) GetExecution(ctx context.Context, tenantID, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.executions[id]
	if !ok || e.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return cloneExecution(e), nil
}

// ListExecutions returns matching executions newest first.
func (m *MockStore) ListExecutions(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Execution
	for _, e := range m.executions {
		if e.TenantID != tenantID {
			continue
		}
		if filter.AgentID != "" && e.AgentID != filter.AgentID {
			continue
		}
		if filter.ScheduleID != "" && e.ScheduleID != filter.ScheduleID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		result = append(result, cloneExecution(e))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].ID > result[j].ID
		}
		return result[i].StartTime.After(result[j].StartTime)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// TransitionExecution applies t while the execution is non-terminal.
func (m *MockStore) TransitionExecution(ctx context.Context, tenantID, id string, t ExecutionTransition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[id]
	if !ok || e.TenantID != tenantID {
		return false, ErrNotFound
	}
	if e.Status.IsTerminal() || (t.OnlyPending && e.Status != ExecutionStatusPending) {
		return false, nil
	}
	e.Status = t.Status
	e.EndTime = copyTime(t.EndTime)
	if t.ErrorMessage != nil {
		e.ErrorMessage = copyString(t.ErrorMessage)
	}
	if t.LogOutput != nil {
		e.LogOutput = copyString(t.LogOutput)
	}
	return true, nil
}

// SetExecutionLogPath records the log location.
func (m *MockStore) SetExecutionLogPath(ctx context.Context, tenantID, id, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[id]
	if !ok || e.TenantID != tenantID {
		return ErrNotFound
	}
	e.LogStoragePath = &path
	return nil
}

// ListStalePendingExecutions returns pending executions older than the cutoff.
func (m *MockStore) ListStalePendingExecutions(ctx context.Context, startedBefore time.Time) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Execution
	for _, e := range m.executions {
		if e.Status == ExecutionStatusPending && e.StartTime.Before(startedBefore) {
			result = append(result, cloneExecution(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result, nil
}

// CreateSchedule stores a schedule.
func (m *MockStore) CreateSchedule(ctx context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	m.schedules[s.ID] = cloneSchedule(s)
	return nil
}

// GetSchedule retrieves a schedule scoped to tenantID.
func (m *MockStore) GetSchedule(ctx context.Context, tenantID, id string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schedules[id]
	if !ok || s.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return cloneSchedule(s), nil
}

// ListSchedules returns a tenant's schedules ordered by name.
func (m *MockStore) ListSchedules(ctx context.Context, tenantID string) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Schedule
	for _, s := range m.schedules {
		if s.TenantID == tenantID {
			result = append(result, cloneSchedule(s))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name == result[j].Name {
			return result[i].ID < result[j].ID
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// ListEnabledSchedules returns enabled schedules across tenants.
func (m *MockStore) ListEnabledSchedules(ctx context.Context) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Schedule
	for _, s := range m.schedules {
		if s.IsEnabled {
			result = append(result, cloneSchedule(s))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpdateSchedule overwrites a schedule.
func (m *MockStore) UpdateSchedule(ctx context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.schedules[s.ID]
	if !ok || existing.TenantID != s.TenantID {
		return ErrNotFound
	}
	s.UpdatedAt = time.Now().UTC()
	c := cloneSchedule(s)
	c.CreatedAt = existing.CreatedAt
	c.CreatedBy = existing.CreatedBy
	m.schedules[s.ID] = c
	return nil
}

// DeleteSchedule removes a schedule.
func (m *MockStore) DeleteSchedule(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok || s.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

// AdvanceSchedule claims the firing due at firedAt if the schedule is still
// enabled and still due at that instant.
func (m *MockStore) AdvanceSchedule(ctx context.Context, tenantID, id string, firedAt time.Time, next *time.Time, disable bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok || s.TenantID != tenantID || !s.IsEnabled {
		return false, nil
	}
	if s.NextRunTimeUTC == nil || !s.NextRunTimeUTC.Equal(firedAt) {
		return false, nil
	}
	s.LastRunTimeUTC = copyTime(&firedAt)
	s.NextRunTimeUTC = copyTime(next)
	s.IsEnabled = !disable
	s.UpdatedAt = time.Now().UTC()
	return true, nil
}

// CreatePackage stores a package catalog entry.
func (m *MockStore) CreatePackage(ctx context.Context, p *Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	c := *p
	c.Versions = append([]string(nil), p.Versions...)
	m.packages[c.ID] = &c
	return nil
}

// GetPackage retrieves a package scoped to tenantID.
func (m *MockStore) GetPackage(ctx context.Context, tenantID, id string) (*Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.packages[id]
	if !ok || p.TenantID != tenantID {
		return nil, ErrNotFound
	}
	c := *p
	c.Versions = append([]string(nil), p.Versions...)
	return &c, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
