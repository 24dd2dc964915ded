// ABOUTME: Tests for the AgentHub stream over a real gRPC server
// ABOUTME: Covers authentication, command delivery, event relay and supersede

package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/dispatch"
	"github.com/2389/fleet-gateway/internal/execution"
	"github.com/2389/fleet-gateway/internal/logstore"
	"github.com/2389/fleet-gateway/internal/store"
	"github.com/2389/fleet-gateway/internal/tenant"
)

const hubTestSecret = "hub-test-secret-0123456789abcdefg"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type hubFixture struct {
	store    *store.MockStore
	sessions *agent.Manager
	tracker  *execution.Tracker
	launcher *dispatch.Launcher
	verifier *auth.JWTVerifier
	server   *Server
	conn     *grpc.ClientConn
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	ms := store.NewMockStore()
	require.NoError(t, ms.CreateTenant(ctx, &store.Tenant{ID: "tenant-acme", Slug: "acme", Name: "Acme"}))
	require.NoError(t, ms.CreatePackage(ctx, &store.Package{
		ID: "pkg-1", TenantID: "tenant-acme", Name: "invoices", Versions: []string{"2.0.0"},
	}))

	verifier, err := auth.NewJWTVerifier([]byte(hubTestSecret))
	require.NoError(t, err)
	logs, err := logstore.NewFileStore(t.TempDir(), "http://gw.test", verifier, logger)
	require.NoError(t, err)

	resolver := tenant.NewStoreResolver(ms)
	sessions := agent.NewManager(agent.NewRegistry(ms, []byte("pepper"), logger), resolver, verifier, agent.Options{}, logger)
	catalog := execution.NewStoreCatalog(ms)
	tracker := execution.NewTracker(ms, ms, catalog, logger)
	d := dispatch.New(sessions, tracker, logs, logger)

	gs := grpc.NewServer(grpc.ChainStreamInterceptor(auth.StreamInterceptor(logger)))
	srv := NewServer(sessions, d, logger)
	srv.Register(gs)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = gs.Serve(lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		gs.Stop()
		sessions.Close()
	})

	return &hubFixture{
		store:    ms,
		sessions: sessions,
		tracker:  tracker,
		launcher: dispatch.NewLauncher(tracker, catalog, resolver, d, logger),
		verifier: verifier,
		server:   srv,
		conn:     conn,
	}
}

func (f *hubFixture) register(t *testing.T) (*store.Agent, string) {
	t.Helper()
	a, key, err := f.sessions.Registry().Register(context.Background(), "tenant-acme", "bot-1")
	require.NoError(t, err)
	return a, key
}

func (f *hubFixture) dial(t *testing.T, creds auth.Credentials) *ClientStream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cs, err := Dial(ctx, f.conn, creds)
	require.NoError(t, err)
	return cs
}

// recvType reads frames until one of frameType arrives.
func recvType(t *testing.T, cs *ClientStream, frameType string) []byte {
	t.Helper()
	for i := 0; i < 20; i++ {
		ft, payload, err := cs.Recv()
		require.NoError(t, err)
		if ft == frameType {
			return payload
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return nil
}

func TestWire_RoundTrip(t *testing.T) {
	msg, err := EncodeFrame(dispatch.EncodeCommand(dispatch.ExecutePackage{
		ExecutionID: "e1", PackageID: "p1", PackageName: "invoices", Version: "1.0.0", TenantSlug: "acme",
	}))
	require.NoError(t, err)
	assert.Equal(t, "executePackage", msg.Fields["type"].GetStringValue())

	ft, payload, err := DecodeFrame(msg)
	require.NoError(t, err)
	assert.Equal(t, dispatch.FrameExecutePackage, ft)

	var got dispatch.ExecutePackage
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, "invoices", got.PackageName)
	assert.Equal(t, "acme", got.TenantSlug)
}

func TestWire_PayloadlessFrame(t *testing.T) {
	msg, err := EncodeFrame(agent.Frame{Type: dispatch.FrameKeepAlive})
	require.NoError(t, err)

	ft, payload, err := DecodeFrame(msg)
	require.NoError(t, err)
	assert.Equal(t, dispatch.FrameKeepAlive, ft)
	assert.Empty(t, payload)

	ev, err := dispatch.DecodeEvent(ft, payload)
	require.NoError(t, err)
	assert.Equal(t, dispatch.KeepAlive{}, ev)
}

func TestWire_MissingType(t *testing.T) {
	msg, err := EncodeFrame(agent.Frame{Type: "x"})
	require.NoError(t, err)
	delete(msg.Fields, "type")

	_, _, err = DecodeFrame(msg)
	assert.ErrorIs(t, err, ErrBadEnvelope)
}

func TestHub_AgentRunsPackage(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	a, key := f.register(t)

	cs := f.dial(t, auth.Credentials{MachineKey: key, TenantSlug: "acme"})

	var welcome agent.Welcome
	require.NoError(t, json.Unmarshal(recvType(t, cs, agent.FrameWelcome), &welcome))
	assert.Equal(t, a.ID, welcome.AgentID)
	assert.Eventually(t, func() bool { return f.sessions.IsOnline(a.ID) }, 2*time.Second, 10*time.Millisecond)

	e, delivery, err := f.launcher.StartRun(ctx, "tenant-acme", dispatch.RunRequest{AgentID: a.ID, PackageID: "pkg-1"})
	require.NoError(t, err)
	assert.True(t, delivery.Delivered)

	var cmd dispatch.ExecutePackage
	require.NoError(t, json.Unmarshal(recvType(t, cs, dispatch.FrameExecutePackage), &cmd))
	assert.Equal(t, e.ID, cmd.ExecutionID)
	assert.Equal(t, "2.0.0", cmd.Version)

	for _, st := range []store.ExecutionStatus{store.ExecutionStatusRunning, store.ExecutionStatusCompleted} {
		require.NoError(t, cs.Send(agent.Frame{
			Type:    dispatch.FrameExecutionStatus,
			Payload: dispatch.ExecutionStatusReport{ExecutionID: e.ID, Status: st},
		}))
	}

	assert.Eventually(t, func() bool {
		got, err := f.tracker.Get(ctx, "tenant-acme", e.ID)
		return err == nil && got.Status == store.ExecutionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_BadFrameKeepsSession(t *testing.T) {
	f := newHubFixture(t)
	a, key := f.register(t)

	cs := f.dial(t, auth.Credentials{MachineKey: key})
	recvType(t, cs, agent.FrameWelcome)

	require.NoError(t, cs.Send(agent.Frame{Type: "selfDestruct"}))
	require.NoError(t, cs.Send(agent.Frame{
		Type:    dispatch.FrameStatus,
		Payload: dispatch.StatusReport{Status: store.AgentStatusBusy},
	}))

	assert.Eventually(t, func() bool {
		got, err := f.store.GetAgent(context.Background(), a.ID)
		return err == nil && got.Status == store.AgentStatusBusy
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.sessions.IsOnline(a.ID))
}

func TestHub_RejectsBadCredentials(t *testing.T) {
	f := newHubFixture(t)

	tests := []struct {
		name  string
		creds auth.Credentials
		code  codes.Code
	}{
		{"none", auth.Credentials{}, codes.Unauthenticated},
		{"bad key", auth.Credentials{MachineKey: "fk_bogus"}, codes.Unauthenticated},
		{"bad token", auth.Credentials{BearerToken: "not-a-jwt"}, codes.Unauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := f.dial(t, tt.creds)
			_, _, err := cs.Recv()
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}

	_, key := f.register(t)
	cs := f.dial(t, auth.Credentials{MachineKey: key, TenantSlug: "globex"})
	_, _, err := cs.Recv()
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestHub_ObserverSeesPresence(t *testing.T) {
	f := newHubFixture(t)
	a, key := f.register(t)

	tok, err := f.verifier.GenerateUserToken("user-1", "acme", []string{auth.PermAll}, time.Hour)
	require.NoError(t, err)
	observer := f.dial(t, auth.Credentials{BearerToken: tok})

	var welcome agent.Welcome
	require.NoError(t, json.Unmarshal(recvType(t, observer, agent.FrameWelcome), &welcome))
	assert.Equal(t, "user-1", welcome.UserID)
	assert.Eventually(t, func() bool { return len(f.sessions.ListSessions("tenant-acme")) == 1 }, 2*time.Second, 10*time.Millisecond)

	bot := f.dial(t, auth.Credentials{MachineKey: key})
	recvType(t, bot, agent.FrameWelcome)

	var update dispatch.BotStatusUpdate
	require.NoError(t, json.Unmarshal(recvType(t, observer, dispatch.FrameBotStatusUpdate), &update))
	assert.Equal(t, a.ID, update.AgentID)
	assert.Equal(t, store.AgentStatusAvailable, update.Status)
}

func TestHub_SecondConnectionSupersedesFirst(t *testing.T) {
	f := newHubFixture(t)
	a, key := f.register(t)

	first := f.dial(t, auth.Credentials{MachineKey: key})
	recvType(t, first, agent.FrameWelcome)

	second := f.dial(t, auth.Credentials{MachineKey: key})
	recvType(t, second, agent.FrameWelcome)

	// presence frames may arrive before the stream ends
	var err error
	for i := 0; i < 20 && err == nil; i++ {
		_, _, err = first.Recv()
	}
	require.Error(t, err)
	assert.Equal(t, codes.Aborted, status.Code(err))

	assert.True(t, f.sessions.IsOnline(a.ID))
	got, err := f.store.GetAgent(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusAvailable, got.Status)
}

func TestHub_DisconnectMarksOffline(t *testing.T) {
	f := newHubFixture(t)
	a, key := f.register(t)

	ctx, cancel := context.WithCancel(context.Background())
	cs, err := Dial(ctx, f.conn, auth.Credentials{MachineKey: key})
	require.NoError(t, err)
	recvType(t, cs, agent.FrameWelcome)
	require.True(t, f.sessions.IsOnline(a.ID))

	cancel()

	assert.Eventually(t, func() bool {
		got, err := f.store.GetAgent(context.Background(), a.ID)
		return err == nil && got.Status == store.AgentStatusDisconnected && !f.sessions.IsOnline(a.ID)
	}, 2*time.Second, 10*time.Millisecond)
}

// stalledStream is a server stream whose sends block until release is
// closed. RecvMsg reports EOF once the first send is in flight.
type stalledStream struct {
	grpc.ServerStream
	ctx      context.Context
	sending  chan struct{}
	release  chan struct{}
	once     sync.Once
	returned atomic.Bool
	late     atomic.Int32
}

func (s *stalledStream) Context() context.Context { return s.ctx }

func (s *stalledStream) SendMsg(any) error {
	if s.returned.Load() {
		s.late.Add(1)
	}
	s.once.Do(func() { close(s.sending) })
	<-s.release
	return nil
}

func (s *stalledStream) RecvMsg(any) error {
	<-s.sending
	return io.EOF
}

func TestHub_ConnectWaitsForInFlightSend(t *testing.T) {
	f := newHubFixture(t)
	_, key := f.register(t)

	stream := &stalledStream{
		ctx:     auth.WithCredentials(context.Background(), auth.Credentials{MachineKey: key}),
		sending: make(chan struct{}),
		release: make(chan struct{}),
	}
	done := make(chan error, 1)
	go func() {
		err := f.server.Connect(stream)
		stream.returned.Store(true)
		done <- err
	}()

	<-stream.sending
	select {
	case <-done:
		t.Fatal("Connect returned while a send was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(stream.release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after the send finished")
	}
	assert.Zero(t, stream.late.Load())
}
