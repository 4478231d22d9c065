// Package config loads process-wide configuration once at startup (§6):
// a YAML file merged with environment overrides, normalized to sane
// defaults. Watcher reports changes to config.yaml; it does not re-read
// the file or apply new values to a loaded Config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// VendorConfig is C6's per-call policy (§4.3).
type VendorConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Retries        int    `yaml:"retries"`
	BackoffBaseMS  int    `yaml:"backoff_base_ms"`
	BackoffMaxMS   int    `yaml:"backoff_max_ms"`
	JitterEnabled  bool   `yaml:"jitter_enabled"`
}

// AutoTickConfig drives the background autonomous tick loop.
type AutoTickConfig struct {
	Enabled         bool   `yaml:"enabled"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	MaxAssignments  int    `yaml:"max_assignments"`
	PreferredRobot  string `yaml:"preferred_robot"`
}

// AutoConfirmConfig drives the background auto-confirm driver (C12).
type AutoConfirmConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
}

// POICacheConfig drives the background POI cache refresh poller.
type POICacheConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
}

// TelegramConfig configures the optional failure-notification sink.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	ChatID     int64   `yaml:"chat_id"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// Config is the process-wide configuration loaded once at startup (§6).
type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// RobotIDs is the registry of known robot identities (ROBOT_IDS, CSV
	// in env form).
	RobotIDs []string `yaml:"robot_ids"`

	// SafeMode, when true, makes C6 refuse create() immediately; the
	// orchestrator may still plan and advance non-navigate steps (§4.3,
	// §9). Read once by Load; nothing re-reads it while the process runs.
	SafeMode bool `yaml:"safe_mode"`

	RobotPollIntervalSeconds int `yaml:"robot_poll_interval_seconds"`

	Vendor      VendorConfig      `yaml:"vendor"`
	AutoTick    AutoTickConfig    `yaml:"auto_tick"`
	AutoConfirm AutoConfirmConfig `yaml:"auto_confirm"`
	POICache    POICacheConfig    `yaml:"poi_cache"`
	Telegram    TelegramConfig    `yaml:"telegram"`
}

// ConfigPath returns the path to config.yaml within the given home
// directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		DBPath:                   "./roboserve.db",
		BindAddr:                 "127.0.0.1:18790",
		LogLevel:                 "info",
		RobotPollIntervalSeconds: 5,
		Vendor: VendorConfig{
			TimeoutSeconds: 12,
			Retries:        3,
			BackoffBaseMS:  500,
			BackoffMaxMS:   8000,
			JitterEnabled:  true,
		},
		AutoTick: AutoTickConfig{
			Enabled:         true,
			IntervalSeconds: 2,
			MaxAssignments:  5,
		},
		AutoConfirm: AutoConfirmConfig{
			Enabled:         false,
			IntervalSeconds: 5,
		},
		POICache: POICacheConfig{
			Enabled:         true,
			IntervalSeconds: 60,
		},
	}
}

// HomeDir resolves the config/state home directory, ROBOSERVE_HOME
// overriding the default.
func HomeDir() string {
	if override := os.Getenv("ROBOSERVE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".roboserve")
}

// Load reads config.yaml (if present) under HomeDir, merges environment
// overrides, and normalizes defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create roboserve home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = "./roboserve.db"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RobotPollIntervalSeconds <= 0 {
		cfg.RobotPollIntervalSeconds = 5
	}
	if cfg.Vendor.TimeoutSeconds <= 0 {
		cfg.Vendor.TimeoutSeconds = 12
	}
	if cfg.Vendor.Retries <= 0 {
		cfg.Vendor.Retries = 3
	}
	if cfg.Vendor.BackoffBaseMS <= 0 {
		cfg.Vendor.BackoffBaseMS = 500
	}
	if cfg.Vendor.BackoffMaxMS <= 0 {
		cfg.Vendor.BackoffMaxMS = 8000
	}
	if cfg.AutoTick.IntervalSeconds <= 0 {
		cfg.AutoTick.IntervalSeconds = 2
	}
	if cfg.AutoTick.MaxAssignments <= 0 {
		cfg.AutoTick.MaxAssignments = 5
	}
	if cfg.AutoConfirm.IntervalSeconds <= 0 {
		cfg.AutoConfirm.IntervalSeconds = 5
	}
	if cfg.POICache.IntervalSeconds <= 0 {
		cfg.POICache.IntervalSeconds = 60
	}
}

// VendorTimeout is Vendor.TimeoutSeconds as a Duration.
func (c Config) VendorTimeout() time.Duration {
	return time.Duration(c.Vendor.TimeoutSeconds) * time.Second
}

// VendorBackoffBase is Vendor.BackoffBaseMS as a Duration.
func (c Config) VendorBackoffBase() time.Duration {
	return time.Duration(c.Vendor.BackoffBaseMS) * time.Millisecond
}

// VendorBackoffMax is Vendor.BackoffMaxMS as a Duration.
func (c Config) VendorBackoffMax() time.Duration {
	return time.Duration(c.Vendor.BackoffMaxMS) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ROBOT_IDS"); raw != "" {
		cfg.RobotIDs = splitCSV(raw)
	}
	if raw := os.Getenv("SAFE_MODE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.SafeMode = v
		}
	}
	if raw := os.Getenv("ROBOT_POLL_INTERVAL_S"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RobotPollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("VENDOR_BASE_URL"); raw != "" {
		cfg.Vendor.BaseURL = raw
	}
	if raw := os.Getenv("VENDOR_TIMEOUT_S"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Vendor.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("VENDOR_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Vendor.Retries = v
		}
	}
	if raw := os.Getenv("VENDOR_BACKOFF_BASE_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Vendor.BackoffBaseMS = v
		}
	}
	if raw := os.Getenv("VENDOR_BACKOFF_MAX_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Vendor.BackoffMaxMS = v
		}
	}
	if raw := os.Getenv("VENDOR_JITTER_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Vendor.JitterEnabled = v
		}
	}
	if raw := os.Getenv("AUTO_TICK_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.AutoTick.Enabled = v
		}
	}
	if raw := os.Getenv("AUTO_TICK_INTERVAL_S"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.AutoTick.IntervalSeconds = v
		}
	}
	if raw := os.Getenv("AUTO_TICK_MAX_ASSIGNMENTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.AutoTick.MaxAssignments = v
		}
	}
	if raw := os.Getenv("AUTO_TICK_PREFERRED_ROBOT"); raw != "" {
		cfg.AutoTick.PreferredRobot = raw
	}
	if raw := os.Getenv("AUTO_CONFIRM_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.AutoConfirm.Enabled = v
		}
	}
	if raw := os.Getenv("AUTO_CONFIRM_INTERVAL_S"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.AutoConfirm.IntervalSeconds = v
		}
	}
	if raw := os.Getenv("POI_CACHE_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.POICache.Enabled = v
		}
	}
	if raw := os.Getenv("POI_CACHE_INTERVAL_S"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.POICache.IntervalSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
		cfg.Telegram.Enabled = true
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
