// ABOUTME: Tests for execution persistence in the SQLite store
// ABOUTME: Verifies first-terminal-write-wins, tenant scoping and stale pending queries

package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPendingExecution(id, tenantID, agentID, packageID string, start time.Time) *Execution {
	return &Execution{
		ID:        id,
		TenantID:  tenantID,
		AgentID:   agentID,
		PackageID: packageID,
		Trigger:   TriggerManual,
		Status:    ExecutionStatusPending,
		StartTime: start,
	}
}

func TestExecutions_CreateGetScoped(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	tenantA, agentA, pkgA := seedTenant(t, s, "a")
	tenantB, _, _ := seedTenant(t, s, "b")

	start := time.Now().UTC()
	require.NoError(t, s.CreateExecution(ctx, newPendingExecution("e1", tenantA, agentA, pkgA, start)))

	e, err := s.GetExecution(ctx, tenantA, "e1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusPending, e.Status)
	assert.Nil(t, e.EndTime)
	assert.Empty(t, e.ScheduleID)

	_, err = s.GetExecution(ctx, tenantB, "e1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecutions_FirstTerminalWriteWins(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	tenantID, agentID, pkgID := seedTenant(t, s, "acme")
	require.NoError(t, s.CreateExecution(ctx, newPendingExecution("e1", tenantID, agentID, pkgID, time.Now())))

	changed, err := s.TransitionExecution(ctx, tenantID, "e1", ExecutionTransition{Status: ExecutionStatusRunning})
	require.NoError(t, err)
	assert.True(t, changed)

	end := time.Now().UTC()
	msg := "boom"
	changed, err = s.TransitionExecution(ctx, tenantID, "e1", ExecutionTransition{
		Status:       ExecutionStatusFailed,
		EndTime:      &end,
		ErrorMessage: &msg,
	})
	require.NoError(t, err)
	assert.True(t, changed)

	later := end.Add(time.Hour)
	changed, err = s.TransitionExecution(ctx, tenantID, "e1", ExecutionTransition{
		Status:  ExecutionStatusCompleted,
		EndTime: &later,
	})
	require.NoError(t, err)
	assert.False(t, changed)

	e, err := s.GetExecution(ctx, tenantID, "e1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusFailed, e.Status)
	require.NotNil(t, e.EndTime)
	assert.WithinDuration(t, end, *e.EndTime, time.Millisecond)
	require.NotNil(t, e.ErrorMessage)
	assert.Equal(t, "boom", *e.ErrorMessage)
}

func TestExecutions_ConcurrentTerminalWrites(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	tenantID, agentID, pkgID := seedTenant(t, s, "acme")
	require.NoError(t, s.CreateExecution(ctx, newPendingExecution("e1", tenantID, agentID, pkgID, time.Now())))

	var wins atomic.Int32
	var wg sync.WaitGroup
	statuses := []ExecutionStatus{ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled}
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func(st ExecutionStatus) {
			defer wg.Done()
			end := time.Now().UTC()
			changed, err := s.TransitionExecution(ctx, tenantID, "e1", ExecutionTransition{Status: st, EndTime: &end})
			if err == nil && changed {
				wins.Add(1)
			}
		}(statuses[i%len(statuses)])
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestExecutions_TransitionMissing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	tenantID, _, _ := seedTenant(t, s, "acme")

	_, err := s.TransitionExecution(ctx, tenantID, "nope", ExecutionTransition{Status: ExecutionStatusRunning})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecutions_ListFiltersAndOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	tenantID, agentID, pkgID := seedTenant(t, s, "acme")

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"e1", "e2", "e3"} {
		e := newPendingExecution(id, tenantID, agentID, pkgID, base.Add(time.Duration(i)*time.Minute))
		if id == "e2" {
			e.ScheduleID = "sched-1"
			e.Trigger = TriggerSchedule
		}
		require.NoError(t, s.CreateExecution(ctx, e))
	}

	all, err := s.ListExecutions(ctx, tenantID, ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e3", all[0].ID)
	assert.Equal(t, "e1", all[2].ID)

	bySchedule, err := s.ListExecutions(ctx, tenantID, ExecutionFilter{ScheduleID: "sched-1"})
	require.NoError(t, err)
	require.Len(t, bySchedule, 1)
	assert.Equal(t, TriggerSchedule, bySchedule[0].Trigger)

	limited, err := s.ListExecutions(ctx, tenantID, ExecutionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestExecutions_StalePendingAndLogPath(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	tenantID, agentID, pkgID := seedTenant(t, s, "acme")

	now := time.Now().UTC()
	require.NoError(t, s.CreateExecution(ctx, newPendingExecution("old", tenantID, agentID, pkgID, now.Add(-time.Hour))))
	require.NoError(t, s.CreateExecution(ctx, newPendingExecution("new", tenantID, agentID, pkgID, now)))

	stale, err := s.ListStalePendingExecutions(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)

	require.NoError(t, s.SetExecutionLogPath(ctx, tenantID, "old", "acme/old.log"))
	e, err := s.GetExecution(ctx, tenantID, "old")
	require.NoError(t, err)
	require.NotNil(t, e.LogStoragePath)
	assert.Equal(t, "acme/old.log", *e.LogStoragePath)
	assert.Equal(t, ExecutionStatusPending, e.Status)
}

func TestExecutions_OnlyPending(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	tenantID, agentID, pkgID := seedTenant(t, s, "acme")
	require.NoError(t, s.CreateExecution(ctx, newPendingExecution("e1", tenantID, agentID, pkgID, time.Now())))

	changed, err := s.TransitionExecution(ctx, tenantID, "e1", ExecutionTransition{
		Status:      ExecutionStatusRunning,
		OnlyPending: true,
	})
	require.NoError(t, err)
	assert.True(t, changed)

	// A running execution no longer matches a pending-only transition
	end := time.Now().UTC()
	changed, err = s.TransitionExecution(ctx, tenantID, "e1", ExecutionTransition{
		Status:      ExecutionStatusFailed,
		EndTime:     &end,
		OnlyPending: true,
	})
	require.NoError(t, err)
	assert.False(t, changed)

	e, err := s.GetExecution(ctx, tenantID, "e1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusRunning, e.Status)
	assert.Nil(t, e.EndTime)
}
