// ABOUTME: Entry point for the fleet-gateway server and its admin commands
// ABOUTME: Serves the agent hub and API, and seeds tenants, packages and agents

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/gateway"
	"github.com/2389/fleet-gateway/internal/store"
	"github.com/2389/fleet-gateway/internal/tenant"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __ _           _                   _
 / _| | ___  ___| |_      __ _  __ _| |_ _____      ____ _ _   _
| |_| |/ _ \/ _ \ __|___ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
|  _| |  __/  __/ ||____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_| |_|\___|\___|\__|    \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                         |___/                             |___/
`

// ownerTokenTTL is how long the bootstrap token stays valid.
const ownerTokenTTL = 30 * 24 * time.Hour

// getConfigPath returns the path to the gateway config file.
// Priority: FLEET_CONFIG env var > XDG_CONFIG_HOME/fleet/gateway.yaml > ~/.config/fleet/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FLEET_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fleet", "gateway.yaml")
}

// getDataPath returns the path to the fleet data directory.
// Priority: XDG_DATA_HOME/fleet > ~/.local/share/fleet
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "fleet")
}

func usage() {
	fmt.Println("Usage: fleet-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                         Start the gateway server")
	fmt.Println("  bootstrap --tenant SLUG [--name NAME]         Create config, first tenant and owner token")
	fmt.Println("  tenant add --slug SLUG [--name NAME]          Add a tenant")
	fmt.Println("  package add --tenant SLUG --id ID --name NAME --versions 1.0.0,1.1.0")
	fmt.Println("                                                Publish a package to a tenant's catalog")
	fmt.Println("  agent register --tenant SLUG --name NAME      Register an agent and print its machine key")
	fmt.Println("  token --tenant SLUG [--user ID]               Issue a user token with all permissions")
	fmt.Println("  health                                        Check gateway health")
	fmt.Println("  ready                                         Check gateway readiness")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "bootstrap":
		err = runBootstrap(ctx, os.Args[2:])
	case "tenant":
		err = runSub(ctx, os.Args[2:], map[string]func(context.Context, []string) error{"add": runTenantAdd})
	case "package":
		err = runSub(ctx, os.Args[2:], map[string]func(context.Context, []string) error{"add": runPackageAdd})
	case "agent":
		err = runSub(ctx, os.Args[2:], map[string]func(context.Context, []string) error{"register": runAgentRegister})
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runSub(ctx context.Context, args []string, subs map[string]func(context.Context, []string) error) error {
	if len(args) == 0 {
		return errors.New("missing subcommand")
	}
	fn, ok := subs[args[0]]
	if !ok {
		return fmt.Errorf("unknown subcommand: %s", args[0])
	}
	return fn(ctx, args[1:])
}

// parseFlags reads "--name value" and "--name=value" pairs for the allowed names.
func parseFlags(args []string, allowed ...string) (map[string]string, error) {
	known := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		known[a] = true
	}

	values := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		values[name] = strings.TrimSpace(value)
	}
	return values, nil
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Logging.SlogLevel())
	logger := setupLogger(cfg.Logging, level)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Node:      %s", cfg.Cluster.NodeID)
	if len(cfg.Cluster.Members) > 0 {
		gray.Printf(" (%d members)", len(cfg.Cluster.Members))
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Scheduler: ")
	if cfg.Scheduler.IsEnabled() {
		fmt.Printf("on (%s)\n", cfg.Scheduler.DefaultTimezone)
	} else {
		yellow.Println("off")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting fleet-gateway",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"node_id", cfg.Cluster.NodeID,
	)

	gw, err := gateway.New(cfg, gateway.Options{ConfigPath: configPath, LogLevel: level}, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig, level *slog.LevelVar) *slog.Logger {
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{mu: new(sync.Mutex), level: level}
	}
	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// runProbe requests a health endpoint of the configured gateway.
func runProbe(ctx context.Context, path string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// openStore loads the config and opens its database.
func openStore() (*config.Config, *store.SQLiteStore, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return cfg, s, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// createTenant validates slug and stores a new tenant.
func createTenant(ctx context.Context, s store.TenantStore, slug, name string) (*store.Tenant, error) {
	slug = tenant.NormalizeSlug(slug)
	if !tenant.ValidSlug(slug) {
		return nil, fmt.Errorf("invalid tenant slug %q", slug)
	}
	if name == "" {
		name = slug
	}
	t := &store.Tenant{
		ID:        uuid.New().String(),
		Slug:      slug,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateTenant(ctx, t); err != nil {
		return nil, fmt.Errorf("creating tenant: %w", err)
	}
	return t, nil
}

// runBootstrap performs first-time setup of the gateway:
// 1. Creates a config file with random secrets (if not exists)
// 2. Creates the database and the first tenant
// 3. Issues an owner token for that tenant
func runBootstrap(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "tenant", "name")
	if err != nil {
		return err
	}
	if flags["tenant"] == "" {
		return errors.New("--tenant flag is required")
	}

	configPath := getConfigPath()
	dbPath := filepath.Join(getDataPath(), "gateway.db")

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		jwtSecret, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		pepper, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generating key pepper: %w", err)
		}

		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		configContent := fmt.Sprintf(`# fleet-gateway configuration
# Generated by fleet-gateway bootstrap

server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"

database:
  path: %q

auth:
  jwt_secret: %q
  key_pepper: %q

scheduler:
  enabled: true
  default_timezone: "UTC"

logging:
  level: "info"
  format: "text"
`, dbPath, jwtSecret, pepper)

		if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
		green.Printf("  ✓ Created config: %s\n", configPath)
	} else {
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	cfg, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	t, err := createTenant(ctx, s, flags["tenant"], flags["name"])
	if err != nil {
		return err
	}
	green.Printf("  ✓ Created tenant: %s\n", t.Slug)

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.GenerateUserToken("owner", t.Slug, []string{auth.PermAll}, ownerTokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Printf("  ✓ Saved token: %s\n", tokenPath)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Tenant")
	cyan.Println("  ------")
	fmt.Printf("  ID:      %s\n", t.ID)
	fmt.Printf("  Slug:    %s\n", t.Slug)
	fmt.Printf("  Token:   %s (expires %s)\n", tokenPath, time.Now().Add(ownerTokenTTL).Format("Jan 02, 2006"))
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    fleet-gateway agent register --tenant " + t.Slug + " --name my-agent")
	fmt.Println("    fleet-gateway serve")
	fmt.Println()
	return nil
}

func runTenantAdd(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "slug", "name")
	if err != nil {
		return err
	}
	_, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := createTenant(ctx, s, flags["slug"], flags["name"])
	if err != nil {
		return err
	}
	color.Green("  ✓ Created tenant %s (%s)", t.Slug, t.ID)
	return nil
}

func runPackageAdd(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "tenant", "id", "name", "versions")
	if err != nil {
		return err
	}
	if flags["name"] == "" || flags["versions"] == "" {
		return errors.New("--name and --versions are required")
	}
	_, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := tenant.NewStoreResolver(s).Resolve(ctx, flags["tenant"])
	if err != nil {
		return err
	}

	var versions []string
	for _, v := range strings.Split(flags["versions"], ",") {
		if v = strings.TrimSpace(v); v != "" {
			versions = append(versions, v)
		}
	}
	id := flags["id"]
	if id == "" {
		id = uuid.New().String()
	}

	p := &store.Package{
		ID:        id,
		TenantID:  t.ID,
		Name:      flags["name"],
		Versions:  versions,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreatePackage(ctx, p); err != nil {
		return fmt.Errorf("creating package: %w", err)
	}
	color.Green("  ✓ Published %s %s to %s (id %s)", p.Name, p.LatestVersion(), t.Slug, p.ID)
	return nil
}

func runAgentRegister(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "tenant", "name")
	if err != nil {
		return err
	}
	cfg, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := tenant.NewStoreResolver(s).Resolve(ctx, flags["tenant"])
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, key, err := agent.NewRegistry(s, []byte(cfg.Auth.KeyPepper), logger).Register(ctx, t.ID, flags["name"])
	if err != nil {
		return err
	}

	color.Green("  ✓ Registered agent %s (%s)", a.Name, a.ID)
	fmt.Println()
	color.Yellow("  Machine key (shown once):")
	fmt.Printf("    %s\n", key)
	return nil
}

func runToken(args []string) error {
	flags, err := parseFlags(args, "tenant", "user")
	if err != nil {
		return err
	}
	if flags["tenant"] == "" {
		return errors.New("--tenant flag is required")
	}
	user := flags["user"]
	if user == "" {
		user = "owner"
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}
	token, err := verifier.GenerateUserToken(user, tenant.NormalizeSlug(flags["tenant"]), []string{auth.PermAll}, ownerTokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
