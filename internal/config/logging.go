package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// levelVar backs the process-wide log level so a config reload can adjust
// it without rebuilding handlers.
var levelVar = new(slog.LevelVar)

// ParseLevel maps the config's level names onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARNING", "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// SetupLogging installs the default slog logger: text handler to stderr
// and, when the log directory is usable, a second copy into
// <log_dir>/chronod.log. Returns the configured logger.
func SetupLogging(cfg *Config) *slog.Logger {
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	levelVar.Set(level)

	var w io.Writer = os.Stderr
	if cfg.LogDir != "" {
		if mkErr := os.MkdirAll(cfg.LogDir, 0o755); mkErr == nil {
			f, openErr := os.OpenFile(filepath.Join(cfg.LogDir, "chronod.log"),
				os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if openErr == nil {
				w = io.MultiWriter(os.Stderr, f)
			}
		}
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)
	return logger
}

// SetLogLevel adjusts the process-wide level at runtime (config reload).
func SetLogLevel(s string) error {
	level, err := ParseLevel(s)
	if err != nil {
		return err
	}
	levelVar.Set(level)
	return nil
}
