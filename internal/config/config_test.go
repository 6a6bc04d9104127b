package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "./scheduler.db" {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.CheckInterval() != 60*time.Second {
		t.Errorf("check interval = %s", cfg.CheckInterval())
	}
	if cfg.ShutdownTimeout() != 30*time.Second {
		t.Errorf("shutdown timeout = %s", cfg.ShutdownTimeout())
	}
	if cfg.RunRetentionDays != 30 {
		t.Errorf("retention = %d", cfg.RunRetentionDays)
	}
	if cfg.GatewayAddr != "127.0.0.1:8377" {
		t.Errorf("gateway addr = %q", cfg.GatewayAddr)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/custom.db")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("CHECK_INTERVAL", "5")
	t.Setenv("RUN_RETENTION_DAYS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "/tmp/custom.db" {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.CheckIntervalSeconds != 5 {
		t.Errorf("check interval = %d", cfg.CheckIntervalSeconds)
	}
	if cfg.RunRetentionDays != 7 {
		t.Errorf("retention = %d", cfg.RunRetentionDays)
	}
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chronod.yaml")
	data := "db_path: /from/file.db\ncheck_interval: 10\nlog_level: WARNING\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigPath, path)
	t.Setenv("CHECK_INTERVAL", "15")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "/from/file.db" {
		t.Errorf("db path = %q, want file value", cfg.DBPath)
	}
	if cfg.CheckIntervalSeconds != 15 {
		t.Errorf("check interval = %d, want env to win over file", cfg.CheckIntervalSeconds)
	}
	if cfg.LogLevel != "WARNING" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"CHECK_INTERVAL":     "abc",
		"SHUTDOWN_TIMEOUT":   "0",
		"RUN_RETENTION_DAYS": "-1",
		"LOG_LEVEL":          "LOUD",
	}
	for env, val := range cases {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, val)
			if _, err := Load(); err == nil {
				t.Errorf("%s=%q: expected error", env, val)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"Warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, c := range cases {
		got, err := ParseLevel(c.in)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
	if _, err := ParseLevel("nope"); err == nil {
		t.Error("expected error for unknown level")
	}
}
