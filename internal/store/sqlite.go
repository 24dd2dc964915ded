// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Owns schema creation, migrations, shared scan helpers and the tenant/package tables

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite serializes writers; a single connection keeps the per-connection
	// pragmas below in force and makes :memory: databases shareable.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tenants (
			id         TEXT PRIMARY KEY,
			slug       TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agents (
			id                TEXT PRIMARY KEY,
			tenant_id         TEXT NOT NULL REFERENCES tenants(id),
			name              TEXT NOT NULL,
			machine_key_hash  TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'disconnected',
			last_connected_at TEXT,
			last_heartbeat_at TEXT,
			is_active         INTEGER NOT NULL DEFAULT 1,
			created_at        TEXT NOT NULL,

			CHECK (status IN ('disconnected', 'available', 'busy'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_key_hash ON agents(machine_key_hash);
		CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents(tenant_id);

		CREATE TABLE IF NOT EXISTS packages (
			id            TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL REFERENCES tenants(id),
			name          TEXT NOT NULL,
			versions_json TEXT NOT NULL DEFAULT '[]',
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_packages_tenant ON packages(tenant_id);

		CREATE TABLE IF NOT EXISTS schedules (
			id                TEXT PRIMARY KEY,
			tenant_id         TEXT NOT NULL REFERENCES tenants(id),
			agent_id          TEXT NOT NULL REFERENCES agents(id),
			package_id        TEXT NOT NULL REFERENCES packages(id),
			name              TEXT NOT NULL,
			recurrence_type   TEXT NOT NULL,
			recurrence_json   TEXT NOT NULL,
			cron_expression   TEXT NOT NULL,
			time_zone_id      TEXT NOT NULL,
			is_enabled        INTEGER NOT NULL DEFAULT 1,
			next_run_time_utc TEXT,
			last_run_time_utc TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_schedules_tenant ON schedules(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules(is_enabled, next_run_time_utc);

		-- schedule_id is deliberately not a foreign key: executions outlive deleted schedules
		CREATE TABLE IF NOT EXISTS executions (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL REFERENCES tenants(id),
			agent_id         TEXT NOT NULL REFERENCES agents(id),
			package_id       TEXT NOT NULL,
			schedule_id      TEXT,
			trigger_source   TEXT NOT NULL,
			status           TEXT NOT NULL,
			start_time       TEXT NOT NULL,
			end_time         TEXT,
			error_message    TEXT,
			log_output       TEXT,
			log_storage_path TEXT,

			CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
			CHECK (trigger_source IN ('manual', 'schedule')),
			CHECK ((end_time IS NULL) = (status IN ('pending', 'running')))
		);

		CREATE INDEX IF NOT EXISTS idx_executions_tenant_start ON executions(tenant_id, start_time DESC);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status, start_time);
		CREATE INDEX IF NOT EXISTS idx_executions_schedule ON executions(schedule_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "schedules",
			column: "paused_at",
			apply:  `ALTER TABLE schedules ADD COLUMN paused_at TEXT`,
		},
		{
			table:  "schedules",
			column: "created_by",
			apply:  `ALTER TABLE schedules ADD COLUMN created_by TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// nullTime returns nil for a nil pointer, otherwise the formatted time
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateTenant inserts a tenant. Returns ErrDuplicateSlug if the slug is taken.
func (s *SQLiteStore) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, slug, name, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Slug, t.Name, formatTime(t.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSlug
		}
		return fmt.Errorf("inserting tenant: %w", err)
	}
	s.logger.Debug("created tenant", "id", t.ID, "slug", t.Slug)
	return nil
}

// GetTenant retrieves a tenant by ID.
func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	return s.getTenant(ctx, `SELECT id, slug, name, created_at FROM tenants WHERE id = ?`, id)
}

// GetTenantBySlug retrieves a tenant by its slug.
func (s *SQLiteStore) GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error) {
	return s.getTenant(ctx, `SELECT id, slug, name, created_at FROM tenants WHERE slug = ?`, slug)
}

func (s *SQLiteStore) getTenant(ctx context.Context, query string, arg string) (*Tenant, error) {
	var t Tenant
	var createdAtStr string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&t.ID, &t.Slug, &t.Name, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}
	t.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &t, nil
}

// CreatePackage inserts a package catalog entry.
func (s *SQLiteStore) CreatePackage(ctx context.Context, p *Package) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	versions := p.Versions
	if versions == nil {
		versions = []string{}
	}
	versionsJSON, err := json.Marshal(versions)
	if err != nil {
		return fmt.Errorf("marshaling versions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO packages (id, tenant_id, name, versions_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.Name, string(versionsJSON), formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting package: %w", err)
	}
	return nil
}

// GetPackage retrieves a package owned by tenantID.
func (s *SQLiteStore) GetPackage(ctx context.Context, tenantID, id string) (*Package, error) {
	var p Package
	var versionsJSON, createdAtStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, versions_json, created_at FROM packages WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	).Scan(&p.ID, &p.TenantID, &p.Name, &versionsJSON, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying package: %w", err)
	}
	if err := json.Unmarshal([]byte(versionsJSON), &p.Versions); err != nil {
		return nil, fmt.Errorf("parsing versions: %w", err)
	}
	p.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &p, nil
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
