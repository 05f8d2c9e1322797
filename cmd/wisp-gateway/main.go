// ABOUTME: Entry point for the wisp-gateway server
// ABOUTME: Multiplexes websocket clients onto a streaming inference backend

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/wisplabs/wisp-gateway/internal/agent"
	"github.com/wisplabs/wisp-gateway/internal/backend"
	"github.com/wisplabs/wisp-gateway/internal/config"
	"github.com/wisplabs/wisp-gateway/internal/gateway"
	"github.com/wisplabs/wisp-gateway/internal/rpc"
	"github.com/wisplabs/wisp-gateway/internal/session"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
          _
__      _(_)___ _ __
\ \ /\ / / / __| '_ \
 \ V  V /| \__ \ |_) |
  \_/\_/ |_|___/ .__/
               |_|
`

// getConfigPath returns the path to the gateway config file.
// Priority: WISP_CONFIG env var > XDG_CONFIG_HOME/wisp/gateway.yaml > ~/.config/wisp/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WISP_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "wisp", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: wisp-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve   Start the gateway server")
		fmt.Println("  init    Create a starter config file")
		fmt.Println("  health  Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (*config.Config, bool, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config.Default(), false, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, true, err
	}
	return cfg, true, nil
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, fromFile, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	if fromFile {
		fmt.Printf("Config:  %s\n", configPath)
	} else {
		fmt.Printf("Config:  built-in defaults (run `wisp-gateway init`)\n")
	}
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Backend: %s ", cfg.Backend.BaseURL)
	cyan.Print(cfg.Backend.Model)
	fmt.Println()
	green.Print("    ▶ ")
	if cfg.Gateway.Token != "" {
		fmt.Printf("Auth:    token required\n")
	} else {
		fmt.Printf("Auth:    disabled\n")
	}

	fmt.Println()

	logger.Info("starting wisp-gateway",
		"http_addr", cfg.Server.HTTPAddr,
		"backend", cfg.Backend.BaseURL,
		"model", cfg.Backend.Model,
	)

	client := backend.NewClient(cfg.Backend, logger.With("component", "backend"))

	engineLogger := logger.With("component", "agent")
	factory := func(key string) *agent.Engine {
		return agent.NewEngine(client, cfg.Backend.Model, cfg.Limits.AgentTurnLimit,
			engineLogger.With("session", key))
	}
	registry := session.NewRegistry(factory, cfg.Limits.HistoryLimit,
		logger.With("component", "session"))

	identity := rpc.Identity{ID: "wisp", Name: "Wisp", Model: cfg.Backend.Model}

	// The status method reports live connections; the gateway is built
	// after the dispatcher, so bind the counter late.
	var gw *gateway.Gateway
	dispatcher := rpc.NewDispatcher(registry, identity, cfg, version,
		logger.With("component", "rpc"),
		rpc.WithConnectionCount(func() int {
			if gw == nil {
				return 0
			}
			return gw.ConnCount()
		}))

	gw = gateway.New(cfg, dispatcher, logger.With("component", "gateway"))
	return gw.Run(ctx)
}

const starterConfig = `# wisp-gateway configuration

server:
  # Address for the websocket and health endpoints.
  http_addr: "localhost:8080"

gateway:
  # Shared-secret bearer token clients must present.
  # Empty disables the auth check.
  token: "${WISP_GATEWAY_TOKEN}"
  default_session_key: "main"
  heartbeat_interval: "30s"
  drain_timeout: "10s"

backend:
  # Any OpenAI-compatible chat completion endpoint.
  base_url: "http://localhost:11434/v1"
  api_key: "${WISP_BACKEND_KEY}"
  model: "default"
  timeout: "120s"

limits:
  max_message_bytes: 65536
  rate_window: "60s"
  rate_max_messages: 20
  history_limit: 200
  agent_turn_limit: 50

logging:
  level: "info"
  format: "text"
`

func runInit() error {
	configPath := getConfigPath()

	green := color.New(color.FgGreen)

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(starterConfig), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	fmt.Println("  Edit it, then start the gateway:")
	fmt.Println("    wisp-gateway serve")
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
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

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
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
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
