// ABOUTME: Execution history persistence for the SQLite store
// ABOUTME: Conditional status transitions guarantee the first terminal write wins

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const executionColumns = `id, tenant_id, agent_id, package_id, schedule_id, trigger_source, status, start_time, end_time, error_message, log_output, log_storage_path`

// CreateExecution inserts a new execution row.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *Execution) error {
	if e.StartTime.IsZero() {
		e.StartTime = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.TenantID,
		e.AgentID,
		e.PackageID,
		nullString(e.ScheduleID),
		string(e.Trigger),
		string(e.Status),
		formatTime(e.StartTime),
		nullTime(e.EndTime),
		nullStringPtr(e.ErrorMessage),
		nullStringPtr(e.LogOutput),
		nullStringPtr(e.LogStoragePath),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	s.logger.Debug("created execution", "id", e.ID, "tenant_id", e.TenantID, "agent_id", e.AgentID)
	return nil
}

// GetExecution retrieves an execution scoped to tenantID.
func (s *SQLiteStore) GetExecution(ctx context.Context, tenantID, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	)
	return scanExecution(row)
}

// ListExecutions returns executions for a tenant, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*Execution, error) {
	where := []string{"tenant_id = ?"}
	args := []any{tenantID}

	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT ` + executionColumns + ` FROM executions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY start_time DESC, id DESC LIMIT ?`

	return s.queryExecutions(ctx, query, args...)
}

// TransitionExecution applies t only while the row is pending or running.
func (s *SQLiteStore) TransitionExecution(ctx context.Context, tenantID, id string, t ExecutionTransition) (bool, error) {
	from := `('pending', 'running')`
	if t.OnlyPending {
		from = `('pending')`
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?,
			end_time = ?,
			error_message = COALESCE(?, error_message),
			log_output = COALESCE(?, log_output)
		WHERE tenant_id = ? AND id = ? AND status IN `+from,
		string(t.Status),
		nullTime(t.EndTime),
		nullStringPtr(t.ErrorMessage),
		nullStringPtr(t.LogOutput),
		tenantID,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("transitioning execution: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	// Distinguish a terminal row from a missing one
	if _, err := s.GetExecution(ctx, tenantID, id); err != nil {
		return false, err
	}
	return false, nil
}

// SetExecutionLogPath records where the execution's log lives.
func (s *SQLiteStore) SetExecutionLogPath(ctx context.Context, tenantID, id, path string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE executions SET log_storage_path = ? WHERE tenant_id = ? AND id = ?`,
		path, tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("setting log path: %w", err)
	}
	return requireRow(result, "setting log path")
}

// ListStalePendingExecutions returns pending executions started before the cutoff.
func (s *SQLiteStore) ListStalePendingExecutions(ctx context.Context, startedBefore time.Time) ([]*Execution, error) {
	return s.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM executions
		WHERE status = 'pending' AND start_time < ?
		ORDER BY start_time ASC`,
		formatTime(startedBefore),
	)
}

func (s *SQLiteStore) queryExecutions(ctx context.Context, query string, args ...any) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}
	return executions, nil
}

func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var trigger, status, startStr string
	var scheduleID, endTime, errMsg, logOutput, logPath sql.NullString

	err := row.Scan(
		&e.ID,
		&e.TenantID,
		&e.AgentID,
		&e.PackageID,
		&scheduleID,
		&trigger,
		&status,
		&startStr,
		&endTime,
		&errMsg,
		&logOutput,
		&logPath,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning execution: %w", err)
	}

	e.ScheduleID = scheduleID.String
	e.Trigger = TriggerSource(trigger)
	e.Status = ExecutionStatus(status)
	e.ErrorMessage = stringPtr(errMsg)
	e.LogOutput = stringPtr(logOutput)
	e.LogStoragePath = stringPtr(logPath)
	if e.StartTime, err = parseTime(startStr); err != nil {
		return nil, fmt.Errorf("parsing start_time: %w", err)
	}
	if e.EndTime, err = parseNullTime(endTime); err != nil {
		return nil, fmt.Errorf("parsing end_time: %w", err)
	}
	return &e, nil
}
