// Package config loads hubcore's runtime configuration: a YAML file,
// if one is present, overlaid with environment variables — an
// env-first bootstrap with a file layer added underneath so a
// deployment can check in a base config and override only what
// differs per environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/streamspace-dev/hubcore/internal/address"
)

// Config is every knob hubcore's entry point needs to build and run a
// Server.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// WSPath is the HTTP path the WebSocket upgrade route is mounted
	// at.
	WSPath string `yaml:"ws_path"`

	// DataPath is the directory table data and discovery tables
	// persist under.
	DataPath string `yaml:"data_path"`

	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`

	// SaveInterval is the table-extension debounce window between a
	// mutation and the next Store() call.
	SaveInterval time.Duration `yaml:"save_interval"`

	// StaleCallSweepSchedule is a cron expression for the endpoint
	// extension's periodic stale-call GC backstop.
	StaleCallSweepSchedule string `yaml:"stale_call_sweep_schedule"`
}

// Address builds the address.Address the server binds to.
func (c Config) Address() address.Address {
	return address.Address{Host: c.Host, Port: c.Port}
}

// Default returns the configuration used when no file and no
// environment overrides are present.
func Default() Config {
	return Config{
		Host:                   "0.0.0.0",
		Port:                   8000,
		WSPath:                 "/api/v1/ws",
		DataPath:               "./data",
		LogLevel:               "info",
		LogPretty:              false,
		SaveInterval:           30 * time.Second,
		StaleCallSweepSchedule: "@every 5m",
	}
}

// Load builds a Config starting from Default, overlaid with path (if
// it exists — a missing file is not an error), then overlaid with
// environment variables. Environment variables always win.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	cfg.Host = getEnv("HUB_HOST", cfg.Host)
	cfg.Port = getEnvInt("HUB_PORT", cfg.Port)
	cfg.WSPath = getEnv("HUB_WS_PATH", cfg.WSPath)
	cfg.DataPath = getEnv("HUB_DATA_PATH", cfg.DataPath)
	cfg.LogLevel = getEnv("HUB_LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = getEnv("HUB_LOG_PRETTY", boolString(cfg.LogPretty)) == "true"
	cfg.SaveInterval = getEnvDuration("HUB_SAVE_INTERVAL", cfg.SaveInterval)
	cfg.StaleCallSweepSchedule = getEnv("HUB_STALE_CALL_SWEEP_SCHEDULE", cfg.StaleCallSweepSchedule)

	return cfg, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
