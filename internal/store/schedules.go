// ABOUTME: Schedule persistence for the SQLite store
// ABOUTME: AdvanceSchedule is a compare-and-set on is_enabled and the due instant

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const scheduleColumns = `id, tenant_id, agent_id, package_id, name, recurrence_type, recurrence_json, cron_expression, time_zone_id, is_enabled, paused_at, next_run_time_utc, last_run_time_utc, created_by, created_at, updated_at`

// CreateSchedule inserts a new schedule.
func (s *SQLiteStore) CreateSchedule(ctx context.Context, sc *Schedule) error {
	now := time.Now().UTC()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	if sc.UpdatedAt.IsZero() {
		sc.UpdatedAt = sc.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sc.ID,
		sc.TenantID,
		sc.AgentID,
		sc.PackageID,
		sc.Name,
		sc.RecurrenceType,
		sc.RecurrenceJSON,
		sc.CronExpression,
		sc.TimeZoneID,
		boolInt(sc.IsEnabled),
		nullTime(sc.PausedAt),
		nullTime(sc.NextRunTimeUTC),
		nullTime(sc.LastRunTimeUTC),
		sc.CreatedBy,
		formatTime(sc.CreatedAt),
		formatTime(sc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting schedule: %w", err)
	}

	s.logger.Debug("created schedule", "id", sc.ID, "tenant_id", sc.TenantID, "cron", sc.CronExpression)
	return nil
}

// GetSchedule retrieves a schedule scoped to tenantID.
func (s *SQLiteStore) GetSchedule(ctx context.Context, tenantID, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	)
	return scanSchedule(row)
}

// ListSchedules returns all schedules of a tenant ordered by name.
func (s *SQLiteStore) ListSchedules(ctx context.Context, tenantID string) ([]*Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE tenant_id = ? ORDER BY name ASC, id ASC`,
		tenantID,
	)
}

// ListEnabledSchedules returns every enabled schedule across tenants.
func (s *SQLiteStore) ListEnabledSchedules(ctx context.Context) ([]*Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE is_enabled = 1 ORDER BY next_run_time_utc ASC`,
	)
}

// UpdateSchedule overwrites the mutable fields of a schedule.
func (s *SQLiteStore) UpdateSchedule(ctx context.Context, sc *Schedule) error {
	sc.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET agent_id = ?, package_id = ?, name = ?, recurrence_type = ?, recurrence_json = ?,
			cron_expression = ?, time_zone_id = ?, is_enabled = ?, paused_at = ?,
			next_run_time_utc = ?, last_run_time_utc = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`,
		sc.AgentID,
		sc.PackageID,
		sc.Name,
		sc.RecurrenceType,
		sc.RecurrenceJSON,
		sc.CronExpression,
		sc.TimeZoneID,
		boolInt(sc.IsEnabled),
		nullTime(sc.PausedAt),
		nullTime(sc.NextRunTimeUTC),
		nullTime(sc.LastRunTimeUTC),
		formatTime(sc.UpdatedAt),
		sc.TenantID,
		sc.ID,
	)
	if err != nil {
		return fmt.Errorf("updating schedule: %w", err)
	}
	return requireRow(result, "updating schedule")
}

// DeleteSchedule hard-deletes a schedule. Executions keep their schedule_id.
func (s *SQLiteStore) DeleteSchedule(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM schedules WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}
	return requireRow(result, "deleting schedule")
}

// AdvanceSchedule claims the firing due at firedAt and records the next run.
// It changes nothing if the schedule was disabled, deleted, rescheduled or
// already claimed for that instant.
func (s *SQLiteStore) AdvanceSchedule(ctx context.Context, tenantID, id string, firedAt time.Time, next *time.Time, disable bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET last_run_time_utc = ?, next_run_time_utc = ?, is_enabled = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND is_enabled = 1 AND next_run_time_utc = ?
	`,
		formatTime(firedAt),
		nullTime(next),
		boolInt(!disable),
		formatTime(time.Now()),
		tenantID,
		id,
		formatTime(firedAt),
	)
	if err != nil {
		return false, fmt.Errorf("advancing schedule: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) querySchedules(ctx context.Context, query string, args ...any) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating schedules: %w", err)
	}
	return schedules, nil
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sc Schedule
	var isEnabled int
	var pausedAt, nextRun, lastRun sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&sc.ID,
		&sc.TenantID,
		&sc.AgentID,
		&sc.PackageID,
		&sc.Name,
		&sc.RecurrenceType,
		&sc.RecurrenceJSON,
		&sc.CronExpression,
		&sc.TimeZoneID,
		&isEnabled,
		&pausedAt,
		&nextRun,
		&lastRun,
		&sc.CreatedBy,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning schedule: %w", err)
	}

	sc.IsEnabled = isEnabled != 0
	if sc.PausedAt, err = parseNullTime(pausedAt); err != nil {
		return nil, fmt.Errorf("parsing paused_at: %w", err)
	}
	if sc.NextRunTimeUTC, err = parseNullTime(nextRun); err != nil {
		return nil, fmt.Errorf("parsing next_run_time_utc: %w", err)
	}
	if sc.LastRunTimeUTC, err = parseNullTime(lastRun); err != nil {
		return nil, fmt.Errorf("parsing last_run_time_utc: %w", err)
	}
	if sc.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sc.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &sc, nil
}
