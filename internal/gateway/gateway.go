// ABOUTME: Gateway orchestrator that coordinates the gRPC hub and HTTP API
// ABOUTME: Wires store, sessions, dispatcher, tracker and schedule engine and runs their lifecycles

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/dedupe"
	"github.com/2389/fleet-gateway/internal/dispatch"
	"github.com/2389/fleet-gateway/internal/execution"
	"github.com/2389/fleet-gateway/internal/hub"
	"github.com/2389/fleet-gateway/internal/logstore"
	"github.com/2389/fleet-gateway/internal/schedule"
	"github.com/2389/fleet-gateway/internal/store"
	"github.com/2389/fleet-gateway/internal/tenant"
)

// Options carries runtime wiring that is not part of the config file.
type Options struct {
	// ConfigPath enables live reload of the file it names.
	ConfigPath string
	// LogLevel is updated when the config file changes.
	LogLevel *slog.LevelVar
}

// Gateway orchestrates the fleet-gateway server components.
type Gateway struct {
	config     *config.Config
	opts       Options
	store      store.Store
	tenants    tenant.Resolver
	verifier   *auth.JWTVerifier
	sessions   *agent.Manager
	tracker    *execution.Tracker
	dispatcher *dispatch.Dispatcher
	launcher   *dispatch.Launcher
	logs       *logstore.FileStore
	timers     *schedule.TimerScheduler
	engine     *schedule.Engine
	dedupe     *dedupe.Cache

	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	membersMu sync.Mutex
	members   []string
	ready     atomic.Bool
	closeOnce sync.Once
	closeErr  error
	logger    *slog.Logger
}

// initStore creates the SQLite store, honouring FLEET_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("FLEET_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// logBaseURL is the externally reachable prefix for signed log links.
func logBaseURL(cfg *config.Config) string {
	if cfg.Logs.BaseURL != "" {
		return cfg.Logs.BaseURL
	}
	if envURL := os.Getenv("FLEET_GATEWAY_URL"); envURL != "" {
		return envURL
	}
	if cfg.Tailscale.Enabled {
		if cfg.Tailscale.HTTPS {
			return "https://" + cfg.Tailscale.Hostname
		}
		return "http://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

// createGRPCServer creates the hub's gRPC server. Keepalive pings follow the
// agent heartbeat interval.
func createGRPCServer(cfg *config.Config, logger *slog.Logger) *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.Agents.HeartbeatInterval,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(logger.With("component", "auth"))),
	)
}

// New creates a Gateway from cfg. Nothing listens until Run.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	logs, err := logstore.NewFileStore(cfg.Logs.Dir, logBaseURL(cfg), verifier, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	resolver := tenant.NewStoreResolver(s)
	registry := agent.NewRegistry(s, []byte(cfg.Auth.KeyPepper), logger)
	sessions := agent.NewManager(registry, resolver, verifier, agent.Options{
		OutboxSize:             cfg.Agents.OutboxSize,
		HeartbeatWriteInterval: cfg.Agents.HeartbeatWriteInterval,
	}, logger)

	catalog := execution.NewStoreCatalog(s)
	tracker := execution.NewTracker(s, s, catalog, logger)
	dispatcher := dispatch.New(sessions, tracker, logs, logger)
	launcher := dispatch.NewLauncher(tracker, catalog, resolver, dispatcher, logger)

	gw := &Gateway{
		config:     cfg,
		opts:       opts,
		store:      s,
		tenants:    resolver,
		verifier:   verifier,
		sessions:   sessions,
		tracker:    tracker,
		dispatcher: dispatcher,
		launcher:   launcher,
		logs:       logs,
		timers:     schedule.NewTimerScheduler(logger),
		dedupe:     dedupe.New(10*time.Minute, 100_000),
		members:    slices.Clone(cfg.Cluster.Members),
		logger:     logger.With("component", "gateway"),
	}

	gw.engine = schedule.NewEngine(s, s, catalog, launcher, gw.timers, schedule.Options{
		DefaultTimezone: cfg.Scheduler.DefaultTimezone,
		Ownership:       schedule.NewOwnership(cfg.Cluster.NodeID, cfg.Cluster.Members),
		Passive:         !cfg.Scheduler.IsEnabled(),
	}, logger)

	gw.grpcServer = createGRPCServer(cfg, logger)
	hub.NewServer(sessions, dispatcher, logger).Register(gw.grpcServer)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	mux.Handle("/logs/", logs)
	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC hub listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run starts the servers and background workers and blocks until ctx is
// canceled or a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}
	return g.Serve(ctx, grpcListener, httpListener)
}

// Serve runs the gateway on the given listeners.
func (g *Gateway) Serve(ctx context.Context, grpcLn, httpLn net.Listener) error {
	if g.config.Scheduler.IsEnabled() {
		if err := g.engine.Start(ctx); err != nil {
			_ = grpcLn.Close()
			_ = httpLn.Close()
			return fmt.Errorf("starting schedule engine: %w", err)
		}
	}

	workers, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	go g.runPendingSweeper(workers)
	if g.opts.ConfigPath != "" {
		watcher := config.NewWatcher(g.opts.ConfigPath, func(cfg *config.Config) {
			g.applyConfig(workers, cfg)
		}, g.logger)
		go func() {
			if err := watcher.Run(workers); err != nil {
				g.logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	errCh := g.startServers(grpcLn, httpLn)
	g.ready.Store(true)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}
	g.ready.Store(false)
	stopWorkers()

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// runPendingSweeper fails executions no agent picked up in time.
func (g *Gateway) runPendingSweeper(ctx context.Context) {
	ticker := time.NewTicker(g.config.Executions.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepPending(ctx)
		}
	}
}

func (g *Gateway) sweepPending(ctx context.Context) {
	expired, err := g.tracker.ExpireStale(ctx, g.config.Executions.PendingTimeout)
	if err != nil {
		g.logger.Error("pending sweep failed", "error", err)
		return
	}
	for _, e := range expired {
		g.dispatcher.BroadcastToTenant(e.TenantID, dispatch.ExecutionStatusUpdate{Execution: dispatch.ViewOf(e)})
	}
}

// applyConfig applies the settings that can change without a restart.
func (g *Gateway) applyConfig(ctx context.Context, cfg *config.Config) {
	if g.opts.LogLevel != nil {
		level := cfg.Logging.SlogLevel()
		if g.opts.LogLevel.Level() != level {
			g.opts.LogLevel.Set(level)
			g.logger.Info("log level changed", "level", level.String())
		}
	}

	g.membersMu.Lock()
	changed := !slices.Equal(g.members, cfg.Cluster.Members)
	g.members = slices.Clone(cfg.Cluster.Members)
	g.membersMu.Unlock()

	if changed && g.config.Scheduler.IsEnabled() {
		g.logger.Info("cluster membership changed", "members", cfg.Cluster.Members)
		if err := g.engine.Rebalance(ctx, cfg.Cluster.Members); err != nil {
			g.logger.Error("rebalancing schedules failed", "error", err)
		}
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "fleet-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.HTTPS {
		httpLn, err = g.createTailscaleTLSListener()
	} else {
		httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, err
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops all servers and workers and releases resources. Later
// calls return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.closeOnce.Do(func() {
		g.closeErr = g.shutdown(ctx)
	})
	return g.closeErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.engine.Close()
	g.timers.Stop()

	// hub streams and SSE handlers return once their sessions close
	g.sessions.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	g.dedupe.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 once the servers and schedule engine are running.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (scheduler %s)", onOff(g.config.Scheduler.IsEnabled()))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
