package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "anvil.db"
	defaultInventoryPath = "inventory.yml"
	defaultPlaybookDir   = "playbooks"

	envListenAddr        = "ANVIL_LISTEN_ADDR"
	envDBPath            = "ANVIL_DB_PATH"
	envLogLevel          = "ANVIL_LOG_LEVEL"
	envInventoryPath     = "ANVIL_INVENTORY_PATH"
	envPlaybookDir       = "ANVIL_PLAYBOOK_DIR"
	envMaxRunning        = "ANVIL_MAX_RUNNING"
	envMaxQueued         = "ANVIL_MAX_QUEUED"
	envMaxAttempts       = "ANVIL_MAX_ATTEMPTS"
	envDefaultTimeoutS   = "ANVIL_DEFAULT_TIMEOUT_S"
	envCancelGraceS      = "ANVIL_CANCEL_GRACE_S"
	envTransientExitCode = "ANVIL_TRANSIENT_EXIT_CODES"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr    string
	DBPath        string
	LogLevel      slog.Level
	InventoryPath string
	PlaybookDir   string

	// Scheduling and retry settings. Zero means "use the engine default".
	MaxRunning         int
	MaxQueued          int
	MaxAttempts        int
	DefaultTimeout     time.Duration
	CancelGrace        time.Duration
	TransientExitCodes []int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		LogLevel:      slog.LevelInfo,
		InventoryPath: defaultInventoryPath,
		PlaybookDir:   defaultPlaybookDir,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envInventoryPath); v != "" {
		cfg.InventoryPath = v
	}
	if v := os.Getenv(envPlaybookDir); v != "" {
		cfg.PlaybookDir = v
	}
	cfg.MaxRunning = parsePositiveInt(os.Getenv(envMaxRunning))
	cfg.MaxQueued = parsePositiveInt(os.Getenv(envMaxQueued))
	cfg.MaxAttempts = parsePositiveInt(os.Getenv(envMaxAttempts))
	if secs := parsePositiveInt(os.Getenv(envDefaultTimeoutS)); secs > 0 {
		cfg.DefaultTimeout = time.Duration(secs) * time.Second
	}
	if secs := parsePositiveInt(os.Getenv(envCancelGraceS)); secs > 0 {
		cfg.CancelGrace = time.Duration(secs) * time.Second
	}
	cfg.TransientExitCodes = parseIntList(os.Getenv(envTransientExitCode))

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parsePositiveInt returns 0 for empty, malformed, or non-positive input.
func parsePositiveInt(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// parseIntList parses a comma-separated list of integers, skipping
// malformed entries.
func parseIntList(s string) []int {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
