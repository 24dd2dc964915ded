// ABOUTME: Tests for command delivery, event relay and the run launcher
// ABOUTME: Wires a real session manager and tracker over the mock store

package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/execution"
	"github.com/2389/fleet-gateway/internal/logstore"
	"github.com/2389/fleet-gateway/internal/store"
	"github.com/2389/fleet-gateway/internal/tenant"
)

const dispatchTestSecret = "dispatch-test-secret-0123456789ab"

type frameSink chan agent.Frame

func (s frameSink) Send(f agent.Frame) error {
	s <- f
	return nil
}

// next returns the next frame of the given type, skipping others.
func (s frameSink) next(t *testing.T, frameType string) agent.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-s:
			if f.Type == frameType {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", frameType)
			return agent.Frame{}
		}
	}
}

type fixture struct {
	store      *store.MockStore
	sessions   *agent.Manager
	tracker    *execution.Tracker
	dispatcher *Dispatcher
	launcher   *Launcher
	verifier   *auth.JWTVerifier
	logs       *logstore.FileStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	ms := store.NewMockStore()
	for _, slug := range []string{"acme", "other"} {
		require.NoError(t, ms.CreateTenant(ctx, &store.Tenant{ID: "tenant-" + slug, Slug: slug, Name: slug}))
	}
	require.NoError(t, ms.CreatePackage(ctx, &store.Package{
		ID: "pkg-1", TenantID: "tenant-acme", Name: "invoices", Versions: []string{"1.0.0", "1.2.0"},
	}))

	verifier, err := auth.NewJWTVerifier([]byte(dispatchTestSecret))
	require.NoError(t, err)
	logs, err := logstore.NewFileStore(t.TempDir(), "http://gw.test", verifier, nil)
	require.NoError(t, err)

	resolver := tenant.NewStoreResolver(ms)
	registry := agent.NewRegistry(ms, []byte("pepper"), nil)
	sessions := agent.NewManager(registry, resolver, verifier, agent.Options{}, nil)
	t.Cleanup(sessions.Close)

	catalog := execution.NewStoreCatalog(ms)
	tracker := execution.NewTracker(ms, ms, catalog, nil)
	d := New(sessions, tracker, logs, nil)

	return &fixture{
		store:      ms,
		sessions:   sessions,
		tracker:    tracker,
		dispatcher: d,
		launcher:   NewLauncher(tracker, catalog, resolver, d, nil),
		verifier:   verifier,
		logs:       logs,
	}
}

func (f *fixture) registerAgent(t *testing.T, tenantID, name string) (*store.Agent, string) {
	t.Helper()
	a, key, err := f.sessions.Registry().Register(context.Background(), tenantID, name)
	require.NoError(t, err)
	return a, key
}

func (f *fixture) observe(t *testing.T, slug string) frameSink {
	t.Helper()
	tok, err := f.verifier.GenerateUserToken("user-1", slug, []string{auth.PermAll}, time.Hour)
	require.NoError(t, err)
	sink := make(frameSink, 64)
	_, err = f.sessions.Connect(context.Background(), auth.Credentials{BearerToken: tok}, sink)
	require.NoError(t, err)
	return sink
}

func (f *fixture) connectAgent(t *testing.T, key string) (*agent.Session, frameSink) {
	t.Helper()
	sink := make(frameSink, 64)
	s, err := f.sessions.Connect(context.Background(), auth.Credentials{MachineKey: key}, sink)
	require.NoError(t, err)
	return s, sink
}

func TestScenario_TriggerToCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, key := f.registerAgent(t, "tenant-acme", "bot-a")
	assert.Equal(t, store.AgentStatusDisconnected, a.Status)

	dashboard := f.observe(t, "acme")

	s, agentSink := f.connectAgent(t, key)

	update := dashboard.next(t, FrameBotStatusUpdate).Payload.(BotStatusUpdate)
	assert.Equal(t, a.ID, update.AgentID)
	assert.Equal(t, store.AgentStatusAvailable, update.Status)

	e, delivery, err := f.launcher.StartRun(ctx, "tenant-acme", RunRequest{AgentID: a.ID, PackageID: "pkg-1"})
	require.NoError(t, err)
	assert.True(t, delivery.Delivered)
	assert.Equal(t, store.ExecutionStatusPending, e.Status)

	cmd := agentSink.next(t, FrameExecutePackage).Payload.(ExecutePackage)
	assert.Equal(t, e.ID, cmd.ExecutionID)
	assert.Equal(t, "invoices", cmd.PackageName)
	assert.Equal(t, "1.2.0", cmd.Version)
	assert.Equal(t, "acme", cmd.TenantSlug)

	require.NoError(t, f.dispatcher.HandleEvent(ctx, s, ExecutionStatusReport{ExecutionID: e.ID, Status: store.ExecutionStatusRunning}))
	require.NoError(t, f.dispatcher.HandleEvent(ctx, s, ExecutionStatusReport{ExecutionID: e.ID, Status: store.ExecutionStatusCompleted}))

	final, err := f.tracker.Get(ctx, "tenant-acme", e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusCompleted, final.Status)
	assert.NotNil(t, final.EndTime)
	assert.Nil(t, final.ErrorMessage)

	// Pending, Running, Completed reach the dashboard in order
	var seen []string
	for len(seen) < 3 {
		u := dashboard.next(t, FrameExecutionStatusUpdate).Payload.(ExecutionStatusUpdate)
		seen = append(seen, u.Execution.Status)
	}
	assert.Equal(t, []string{"pending", "running", "completed"}, seen)
}

func TestScenario_TriggerOffline(t *testing.T) {
	f := newFixture(t)
	a, _ := f.registerAgent(t, "tenant-acme", "bot-a")

	e, delivery, err := f.launcher.StartRun(context.Background(), "tenant-acme", RunRequest{AgentID: a.ID, PackageID: "pkg-1"})
	require.NoError(t, err)
	assert.False(t, delivery.Delivered)
	assert.ErrorIs(t, delivery.Err, ErrNoSession)
	assert.Equal(t, store.ExecutionStatusPending, e.Status)

	got, err := f.tracker.Get(context.Background(), "tenant-acme", e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusPending, got.Status)
}

func TestLauncher_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.registerAgent(t, "tenant-acme", "bot-a")

	_, _, err := f.launcher.StartRun(ctx, "tenant-acme", RunRequest{AgentID: a.ID, PackageID: "pkg-1", Version: "9.9.9"})
	assert.ErrorIs(t, err, execution.ErrUnknownPackage)

	_, _, err = f.launcher.StartRun(ctx, "tenant-acme", RunRequest{AgentID: a.ID, PackageID: "missing"})
	assert.ErrorIs(t, err, execution.ErrUnknownPackage)

	_, _, err = f.launcher.StartRun(ctx, "tenant-other", RunRequest{AgentID: a.ID, PackageID: "pkg-1"})
	assert.ErrorIs(t, err, execution.ErrUnknownPackage)

	_, _, err = f.launcher.StartRun(ctx, "tenant-acme", RunRequest{AgentID: "ghost", PackageID: "pkg-1", Version: "1.0.0"})
	assert.ErrorIs(t, err, execution.ErrUnknownAgent)

	_, _, err = f.launcher.StartRun(ctx, "tenant-missing", RunRequest{AgentID: a.ID, PackageID: "pkg-1"})
	assert.ErrorIs(t, err, tenant.ErrUnknownTenant)
}

func TestLauncher_CancelRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, key := f.registerAgent(t, "tenant-acme", "bot-a")
	_, agentSink := f.connectAgent(t, key)

	e, _, err := f.launcher.StartRun(ctx, "tenant-acme", RunRequest{AgentID: a.ID, PackageID: "pkg-1"})
	require.NoError(t, err)

	res, err := f.launcher.CancelRun(ctx, "tenant-acme", e.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, store.ExecutionStatusCancelled, res.Execution.Status)

	cancel := agentSink.next(t, FrameCancelExecution).Payload.(CancelExecution)
	assert.Equal(t, e.ID, cancel.ExecutionID)

	// Cancelling again is a no-op
	res, err = f.launcher.CancelRun(ctx, "tenant-acme", e.ID)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, store.ExecutionStatusCancelled, res.Execution.Status)
}

func TestDispatcher_SendCommandNoSession(t *testing.T) {
	f := newFixture(t)

	d := f.dispatcher.SendCommand(context.Background(), "nobody", CancelExecution{ExecutionID: "x"})
	assert.False(t, d.Delivered)
	assert.ErrorIs(t, d.Err, ErrNoSession)

	d = f.dispatcher.BroadcastToTenant("tenant-acme", BotStatusUpdate{AgentID: "x"})
	assert.False(t, d.Delivered)
	assert.ErrorIs(t, d.Err, ErrNoSession)
}

func TestDispatcher_StatusReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, key := f.registerAgent(t, "tenant-acme", "bot-a")
	s, _ := f.connectAgent(t, key)
	dashboard := f.observe(t, "acme")

	require.NoError(t, f.dispatcher.HandleEvent(ctx, s, StatusReport{AgentName: "bot-a", Status: store.AgentStatusBusy}))

	update := dashboard.next(t, FrameBotStatusUpdate).Payload.(BotStatusUpdate)
	assert.Equal(t, store.AgentStatusBusy, update.Status)

	stored, err := f.store.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusBusy, stored.Status)

	err = f.dispatcher.HandleEvent(ctx, s, StatusReport{Status: "asleep"})
	assert.ErrorIs(t, err, agent.ErrInvalidStatus)

	require.NoError(t, f.dispatcher.HandleEvent(ctx, s, KeepAlive{}))
}

func TestDispatcher_ForeignExecutionHidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.registerAgent(t, "tenant-acme", "bot-a")
	_, otherKey := f.registerAgent(t, "tenant-acme", "bot-b")
	other, _ := f.connectAgent(t, otherKey)

	e, _, err := f.launcher.StartRun(ctx, "tenant-acme", RunRequest{AgentID: a.ID, PackageID: "pkg-1"})
	require.NoError(t, err)

	err = f.dispatcher.HandleEvent(ctx, other, ExecutionStatusReport{ExecutionID: e.ID, Status: store.ExecutionStatusFailed})
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = f.dispatcher.HandleEvent(ctx, other, ExecutionLog{ExecutionID: e.ID, Content: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDispatcher_ObserverCannotReport(t *testing.T) {
	f := newFixture(t)
	tok, err := f.verifier.GenerateUserToken("user-1", "acme", nil, time.Hour)
	require.NoError(t, err)
	s, err := f.sessions.Connect(context.Background(), auth.Credentials{BearerToken: tok}, make(frameSink, 8))
	require.NoError(t, err)

	err = f.dispatcher.HandleEvent(context.Background(), s, KeepAlive{})
	assert.ErrorIs(t, err, ErrNotAgent)
}

func TestDispatcher_ExecutionLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, key := f.registerAgent(t, "tenant-acme", "bot-a")
	s, _ := f.connectAgent(t, key)

	e, _, err := f.launcher.StartRun(ctx, "tenant-acme", RunRequest{AgentID: a.ID, PackageID: "pkg-1"})
	require.NoError(t, err)

	require.NoError(t, f.dispatcher.HandleEvent(ctx, s, ExecutionLog{ExecutionID: e.ID, Content: "step 1\nstep 2\n"}))

	got, err := f.tracker.Get(ctx, "tenant-acme", e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LogStoragePath)
	assert.Equal(t, "tenant-acme/"+e.ID+".log", *got.LogStoragePath)
	assert.Equal(t, store.ExecutionStatusPending, got.Status)

	link, err := f.logs.DownloadURL(*got.LogStoragePath, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, link, "/logs/tenant-acme/")
}

func TestDispatcher_ReportedCancelUsesCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, key := f.registerAgent(t, "tenant-acme", "bot-a")
	s, _ := f.connectAgent(t, key)

	e, _, err := f.launcher.StartRun(ctx, "tenant-acme", RunRequest{AgentID: a.ID, PackageID: "pkg-1"})
	require.NoError(t, err)

	require.NoError(t, f.dispatcher.HandleEvent(ctx, s, ExecutionStatusReport{ExecutionID: e.ID, Status: store.ExecutionStatusCancelled}))
	got, err := f.tracker.Get(ctx, "tenant-acme", e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusCancelled, got.Status)
	assert.NotNil(t, got.EndTime)
}

func TestCodec(t *testing.T) {
	ev, err := DecodeEvent(FrameExecutionStatus, []byte(`{"executionId":"e1","status":"failed","errorMessage":"boom"}`))
	require.NoError(t, err)
	report, ok := ev.(ExecutionStatusReport)
	require.True(t, ok)
	assert.Equal(t, "e1", report.ExecutionID)
	assert.Equal(t, store.ExecutionStatusFailed, report.Status)
	require.NotNil(t, report.ErrorMessage)
	assert.Equal(t, "boom", *report.ErrorMessage)

	ev, err = DecodeEvent(FrameKeepAlive, nil)
	require.NoError(t, err)
	assert.IsType(t, KeepAlive{}, ev)

	ev, err = DecodeEvent(FrameStatus, []byte(`{"agentName":"bot","status":"busy","heartbeat":"2026-01-02T03:04:05Z"}`))
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusBusy, ev.(StatusReport).Status)

	_, err = DecodeEvent("launchMissiles", nil)
	assert.ErrorIs(t, err, ErrUnknownFrame)

	_, err = DecodeEvent(FrameExecutionStatus, []byte(`{"status":"failed"}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = DecodeEvent(FrameExecutionLog, []byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	frame := EncodeCommand(ExecutePackage{ExecutionID: "e1", PackageName: "invoices"})
	assert.Equal(t, FrameExecutePackage, frame.Type)
	raw, err := json.Marshal(frame.Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"executionId":"e1","packageId":"","packageName":"invoices","version":"","tenantSlug":""}`, string(raw))
}
