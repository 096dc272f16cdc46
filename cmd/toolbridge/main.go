// ABOUTME: Entry point for the toolbridge relay server
// ABOUTME: Bridges one browser-side tool provider to many MCP tool consumers

package main

import (
	"bufio"
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

	"github.com/2389/toolbridge/internal/config"
	"github.com/2389/toolbridge/internal/registry"
	"github.com/2389/toolbridge/internal/relay"
	"github.com/2389/toolbridge/internal/server"
	"github.com/2389/toolbridge/internal/session"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _              _ _          _     _
| |_ ___   ___ | | |__  _ __(_) __| | __ _  ___
| __/ _ \ / _ \| | '_ \| '__| |/ _' |/ _' |/ _ \
| || (_) | (_) | | |_) | |  | | (_| | (_| |  __/
 \__\___/ \___/|_|_.__/|_|  |_|\__,_|\__, |\___|
                                     |___/
`

// getConfigPath returns the path to the toolbridge config file.
// Priority: TOOLBRIDGE_CONFIG env var > XDG_CONFIG_HOME/toolbridge/config.yaml > ~/.config/toolbridge/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TOOLBRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "toolbridge", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: toolbridge <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the relay server")
		fmt.Println("  init       Create a starter config file")
		fmt.Println("  health     Check relay health")
		fmt.Println("  version    Print the version")
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
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
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
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Provider:  ws://%s/ws\n", cfg.Server.ProviderAddr)
	green.Print("    ▶ ")
	fmt.Printf("Consumer:  ws://%s/ws?session=<id>\n", cfg.Server.ConsumerAddr)
	if cfg.Journal.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Journal:   %s\n", cfg.Journal.Path)
	}
	fmt.Println()

	logger.Info("starting toolbridge",
		"config", configPath,
		"provider_addr", cfg.Server.ProviderAddr,
		"consumer_addr", cfg.Server.ConsumerAddr,
	)

	var journal session.Journal = session.NopJournal{}
	if cfg.Journal.Enabled {
		sq, err := session.NewSQLiteJournal(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer sq.Close()
		journal = sq
	}

	store := session.NewStore(session.StoreConfig{
		Limits: session.Limits{
			TTL:        cfg.Sessions.TTL,
			MaxTTL:     cfg.Sessions.MaxTTL,
			MaxPending: cfg.Sessions.MaxPending,
			MaxMembers: cfg.Sessions.MaxMembers,
		},
		Journal: journal,
		Logger:  logger,
	})
	reg := registry.New(logger)
	router := relay.New(relay.Config{
		Store:    store,
		Registry: reg,
		Logger:   logger,
		Timeout:  cfg.Relay.CallTimeout,
	})

	if cfg.Relay.SweepInterval > 0 {
		go router.RunSweeper(ctx, cfg.Relay.SweepInterval)
	}

	return server.New(cfg.Server, router, logger, version).Run(ctx)
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

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Both listeners expose /healthz; the consumer one is the outward face.
	url := fmt.Sprintf("http://%s/healthz", cfg.Server.ConsumerAddr)
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

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("toolbridge configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Listeners
	fmt.Println("\n--- Listener Configuration ---")
	providerAddr := prompt(reader, "Provider (browser) address", "localhost:8700")
	consumerAddr := prompt(reader, "Consumer (agent) address", "localhost:8701")

	// Journal
	fmt.Println("\n--- Journal Configuration ---")
	enableJournal := prompt(reader, "Enable SQLite session journal?", "no")
	journalEnabled := strings.ToLower(enableJournal) == "yes" || strings.ToLower(enableJournal) == "y"
	var journalPath string
	if journalEnabled {
		journalPath = prompt(reader, "Journal database path", "toolbridge.db")
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# toolbridge configuration\n")
	cfg.WriteString("# Generated by toolbridge init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  provider_addr: \"%s\"\n", providerAddr))
	cfg.WriteString(fmt.Sprintf("  consumer_addr: \"%s\"\n", consumerAddr))
	cfg.WriteString("  idle_timeout: \"5m\"\n")
	cfg.WriteString("  message_rate: 50\n")
	cfg.WriteString("  message_burst: 100\n")
	cfg.WriteString("\n")

	cfg.WriteString("sessions:\n")
	cfg.WriteString("  ttl: \"30m\"\n")
	cfg.WriteString("  max_ttl: \"4h\"\n")
	cfg.WriteString("  max_pending: 32\n")
	cfg.WriteString("  max_members: 16\n")
	cfg.WriteString("\n")

	cfg.WriteString("relay:\n")
	cfg.WriteString("  call_timeout: \"30s\"\n")
	cfg.WriteString("  sweep_interval: \"15s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("journal:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", journalEnabled))
	if journalEnabled {
		cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", journalPath))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  toolbridge serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
