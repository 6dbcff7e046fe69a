package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "procq.db"
	defaultIdlePoll   = time.Millisecond

	envListenAddr     = "PROCQ_LISTEN_ADDR"
	envDBPath         = "PROCQ_DB_PATH"
	envLogLevel       = "PROCQ_LOG_LEVEL"
	envIdlePoll       = "PROCQ_IDLE_POLL"
	envUndoFailedRuns = "PROCQ_UNDO_FAILED_RUNS"
	envVsockPort      = "PROCQ_VSOCK_PORT"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// IdlePoll is how often the execution loop re-checks empty queues.
	IdlePoll time.Duration
	// UndoFailedRuns undoes a cancelled process even when its run failed.
	UndoFailedRuns bool
	// VsockPort, when non-zero, adds an AF_VSOCK listener for the API.
	VsockPort uint32
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are reported together; the returned Config keeps the
// default for each of them.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		IdlePoll:       defaultIdlePoll,
		UndoFailedRuns: true,
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

	var errs []error
	if v := os.Getenv(envIdlePoll); v != "" {
		d, err := time.ParseDuration(v)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", envIdlePoll, err))
		case d <= 0:
			errs = append(errs, fmt.Errorf("%s: must be positive, got %s", envIdlePoll, d))
		default:
			cfg.IdlePoll = d
		}
	}
	if v := os.Getenv(envUndoFailedRuns); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envUndoFailedRuns, err))
		} else {
			cfg.UndoFailedRuns = b
		}
	}
	if v := os.Getenv(envVsockPort); v != "" {
		port, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envVsockPort, err))
		} else {
			cfg.VsockPort = uint32(port)
		}
	}

	return cfg, errors.Join(errs...)
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

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
