// ABOUTME: Agent persistence for the SQLite store
// ABOUTME: Registration rows, key hash lookup, soft deactivation and presence updates

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const agentColumns = `id, tenant_id, name, machine_key_hash, status, last_connected_at, last_heartbeat_at, is_active, created_at`

// CreateAgent inserts a new agent. Returns ErrDuplicateKey if the key hash is already in use.
func (s *SQLiteStore) CreateAgent(ctx context.Context, a *Agent) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = AgentStatusDisconnected
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID,
		a.TenantID,
		a.Name,
		a.MachineKeyHash,
		string(a.Status),
		nullTime(a.LastConnectedAt),
		nullTime(a.LastHeartbeatAt),
		boolInt(a.IsActive),
		formatTime(a.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", a.ID, "tenant_id", a.TenantID, "name", a.Name)
	return nil
}

// GetAgent retrieves an agent by ID regardless of tenant.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// GetAgentByKeyHash retrieves an agent by its machine key hash.
func (s *SQLiteStore) GetAgentByKeyHash(ctx context.Context, hash string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE machine_key_hash = ?`, hash)
	return scanAgent(row)
}

// ListAgents returns every agent in a tenant, including deactivated ones, by name.
func (s *SQLiteStore) ListAgents(ctx context.Context, tenantID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE tenant_id = ? ORDER BY name ASC, id ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

// UpdateAgentKeyHash replaces the stored machine key hash.
func (s *SQLiteStore) UpdateAgentKeyHash(ctx context.Context, tenantID, id, hash string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET machine_key_hash = ? WHERE tenant_id = ? AND id = ?`,
		hash, tenantID, id,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("updating agent key: %w", err)
	}
	return requireRow(result, "updating agent key")
}

// DeactivateAgent soft-deletes an agent and marks it disconnected.
func (s *SQLiteStore) DeactivateAgent(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET is_active = 0, status = 'disconnected' WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("deactivating agent: %w", err)
	}
	return requireRow(result, "deactivating agent")
}

// UpdateAgentPresence writes the non-nil liveness fields of p.
func (s *SQLiteStore) UpdateAgentPresence(ctx context.Context, id string, p AgentPresence) error {
	var sets []string
	var args []any
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.ConnectedAt != nil {
		sets = append(sets, "last_connected_at = ?")
		args = append(args, formatTime(*p.ConnectedAt))
	}
	if p.HeartbeatAt != nil {
		sets = append(sets, "last_heartbeat_at = ?")
		args = append(args, formatTime(*p.HeartbeatAt))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("updating agent presence: %w", err)
	}
	return requireRow(result, "updating agent presence")
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var status, createdAtStr string
	var connectedAt, heartbeatAt sql.NullString
	var isActive int

	err := row.Scan(
		&a.ID,
		&a.TenantID,
		&a.Name,
		&a.MachineKeyHash,
		&status,
		&connectedAt,
		&heartbeatAt,
		&isActive,
		&createdAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	a.Status = AgentStatus(status)
	a.IsActive = isActive != 0
	if a.LastConnectedAt, err = parseNullTime(connectedAt); err != nil {
		return nil, fmt.Errorf("parsing last_connected_at: %w", err)
	}
	if a.LastHeartbeatAt, err = parseNullTime(heartbeatAt); err != nil {
		return nil, fmt.Errorf("parsing last_heartbeat_at: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &a, nil
}

// requireRow maps a zero-row update to ErrNotFound
func requireRow(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: checking rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
