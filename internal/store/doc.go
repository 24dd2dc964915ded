// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with one interface
// per entity, composed into Store:
//
//   - TenantStore: tenant lookup by ID and slug
//   - AgentStore: agent registration, key hashes, deactivation, presence
//   - ExecutionStore: append-only execution history with conditional transitions
//   - ScheduleStore: schedule CRUD and the conditional AdvanceSchedule write
//   - PackageStore: the read-only package catalog
//
// SQLiteStore implements all interfaces in a single struct. MockStore is an
// in-memory implementation with the same semantics for unit tests of the
// layers above.
//
// # Tenant Scoping
//
// Every tenant-owned read and write takes a tenantID and filters on it. A row
// that exists under another tenant is reported as ErrNotFound, exactly like a
// row that does not exist. GetAgent, GetAgentByKeyHash, UpdateAgentPresence,
// ListEnabledSchedules and ListStalePendingExecutions are system-level and
// unscoped; they serve authentication and background loops.
//
// # Concurrency
//
// There are no explicit locks. Status changes are single conditional UPDATE
// statements:
//
//	UPDATE executions SET ... WHERE ... AND status IN ('pending', 'running')
//	UPDATE schedules  SET ... WHERE ... AND is_enabled = 1
//
// The first terminal write to an execution wins and later writes report
// changed=false. A schedule disabled while its timer is firing is never
// re-armed by the firing.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as fixed-width UTC strings so they order lexically.
//
// # Errors
//
//   - ErrNotFound: entity missing or owned by another tenant
//   - ErrDuplicateKey: machine key hash already in use
//   - ErrDuplicateSlug: tenant slug already taken
package store
