// Package config loads chronod's configuration from built-in defaults, an
// optional YAML file, and environment variables. Later layers win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath points at the optional YAML config file.
const EnvConfigPath = "CHRONOD_CONFIG"

// Config holds every tunable of the engine, the gateway, and logging.
type Config struct {
	DBPath                 string `yaml:"db_path"`
	LogDir                 string `yaml:"log_dir"`
	LogLevel               string `yaml:"log_level"`
	CheckIntervalSeconds   int    `yaml:"check_interval"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout"`
	RunRetentionDays       int    `yaml:"run_retention_days"`
	MaxConcurrentJobs      int    `yaml:"max_concurrent_jobs"`
	GatewayAddr            string `yaml:"gateway_addr"`
	GatewayToken           string `yaml:"gateway_token"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DBPath:                 "./scheduler.db",
		LogDir:                 "./logs",
		LogLevel:               "INFO",
		CheckIntervalSeconds:   60,
		ShutdownTimeoutSeconds: 30,
		RunRetentionDays:       30,
		MaxConcurrentJobs:      0, // 0 = NumCPU * 4, resolved by the engine
		GatewayAddr:            "127.0.0.1:8377",
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// named by CHRONOD_CONFIG (if any), then environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(EnvConfigPath); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GATEWAY_ADDR"); v != "" {
		c.GatewayAddr = v
	}
	if v := os.Getenv("GATEWAY_TOKEN"); v != "" {
		c.GatewayToken = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"CHECK_INTERVAL", &c.CheckIntervalSeconds},
		{"SHUTDOWN_TIMEOUT", &c.ShutdownTimeoutSeconds},
		{"RUN_RETENTION_DAYS", &c.RunRetentionDays},
		{"MAX_CONCURRENT_JOBS", &c.MaxConcurrentJobs},
	}
	for _, it := range ints {
		v := os.Getenv(it.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", it.env, v)
		}
		*it.dst = n
	}
	return nil
}

func (c *Config) validate() error {
	if c.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if c.RunRetentionDays <= 0 {
		return fmt.Errorf("run_retention_days must be positive")
	}
	if c.MaxConcurrentJobs < 0 {
		return fmt.Errorf("max_concurrent_jobs must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// CheckInterval returns the scheduler wake period.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// ShutdownTimeout returns the drain deadline for Stop.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}
