// ABOUTME: Tests for gateway construction, health endpoints and the Serve lifecycle
// ABOUTME: Uses an in-memory SQLite store and real loopback listeners

package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/store"
)

const testSecret = "gateway-test-secret-0123456789abcdef"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	raw := fmt.Sprintf(`
server:
  grpc_addr: "127.0.0.1:0"
  http_addr: "127.0.0.1:0"
database:
  path: ":memory:"
auth:
  jwt_secret: %q
  key_pepper: "pepper"
logs:
  dir: %q
cluster:
  node_id: "node-a"
%s`, testSecret, t.TempDir(), extra)
	cfg, err := config.Parse([]byte(raw), config.FormatYAML)
	require.NoError(t, err)
	return cfg
}

type testGateway struct {
	*Gateway
	tenant *store.Tenant
	other  *store.Tenant
}

// newTestGateway builds a gateway with tenants acme and globex, and a
// package pkg-1 owned by acme.
func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	ctx := context.Background()

	gw, err := New(testConfig(t, ""), Options{}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	acme := &store.Tenant{ID: "tenant-acme", Slug: "acme", Name: "Acme", CreatedAt: time.Now().UTC()}
	globex := &store.Tenant{ID: "tenant-globex", Slug: "globex", Name: "Globex", CreatedAt: time.Now().UTC()}
	require.NoError(t, gw.store.CreateTenant(ctx, acme))
	require.NoError(t, gw.store.CreateTenant(ctx, globex))
	require.NoError(t, gw.store.CreatePackage(ctx, &store.Package{
		ID: "pkg-1", TenantID: acme.ID, Name: "invoices", Versions: []string{"1.0.0", "1.1.0"}, CreatedAt: time.Now().UTC(),
	}))

	return &testGateway{Gateway: gw, tenant: acme, other: globex}
}

func (tg *testGateway) token(t *testing.T, slug string, perms ...string) string {
	t.Helper()
	if len(perms) == 0 {
		perms = []string{auth.PermAll}
	}
	tok, err := tg.verifier.GenerateUserToken("user-1", slug, perms, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestNew_RejectsWeakSecret(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Auth.JWTSecret = "short"

	_, err := New(cfg, Options{}, testLogger())
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	tg := newTestGateway(t)

	rec := httptest.NewRecorder()
	tg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReady_NotReadyBeforeServe(t *testing.T) {
	tg := newTestGateway(t)

	rec := httptest.NewRecorder()
	tg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServe_ReadyUntilCanceled(t *testing.T) {
	tg := newTestGateway(t)

	grpcLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tg.Serve(ctx, grpcLn, httpLn) }()

	readyURL := "http://" + httpLn.Addr().String() + "/health/ready"
	require.Eventually(t, func() bool {
		resp, err := http.Get(readyURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.False(t, tg.ready.Load())
}

func TestShutdown_Idempotent(t *testing.T) {
	gw, err := New(testConfig(t, ""), Options{}, testLogger())
	require.NoError(t, err)

	first := gw.Shutdown(context.Background())
	second := gw.Shutdown(context.Background())
	assert.Equal(t, first, second)
}

func TestApplyConfig_UpdatesLogLevel(t *testing.T) {
	level := new(slog.LevelVar)
	gw, err := New(testConfig(t, ""), Options{LogLevel: level}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	gw.applyConfig(context.Background(), testConfig(t, "logging:\n  level: debug\n"))
	assert.Equal(t, slog.LevelDebug, level.Level())
}

func TestNew_SchedulerDisabledStillServesSchedules(t *testing.T) {
	gw, err := New(testConfig(t, "scheduler:\n  enabled: false\n"), Options{}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	require.NotNil(t, gw.engine)
	assert.False(t, gw.config.Scheduler.IsEnabled())
}
