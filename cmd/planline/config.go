package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all planline engine configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	BackendURL     string `json:"backend_url"`
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	MaxAttempts    int    `json:"max_attempts"`
	SettleDelayMs  int    `json:"settle_delay_ms"`
	AutoAdvance    bool   `json:"auto_advance"`
	AcceptUpdates  bool   `json:"accept_updates"`
	CheckpointCron string `json:"checkpoint_cron"`
}

func defaultConfig() Config {
	return Config{
		BackendURL:     "http://localhost:4200",
		DBPath:         "file:" + filepath.Join(planlineDir(), "planline.db"),
		LogLevel:       "info",
		MaxAttempts:    10,
		SettleDelayMs:  800,
		AutoAdvance:    true,
		AcceptUpdates:  true,
		CheckpointCron: "*/5 * * * *",
	}
}

func planlineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".planline"
	}
	return filepath.Join(home, ".planline")
}

func settingsPath() string {
	return filepath.Join(planlineDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("PLANLINE_BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv("PLANLINE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PLANLINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PLANLINE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxAttempts = n
		}
	}
	if v := os.Getenv("PLANLINE_SETTLE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SettleDelayMs = n
		}
	}
	if v := os.Getenv("PLANLINE_AUTO_ADVANCE"); v != "" {
		cfg.AutoAdvance = v == "true" || v == "1"
	}
	if v := os.Getenv("PLANLINE_ACCEPT_UPDATES"); v != "" {
		cfg.AcceptUpdates = v == "true" || v == "1"
	}
	if v := os.Getenv("PLANLINE_CHECKPOINT_CRON"); v != "" {
		cfg.CheckpointCron = v
	}

	return cfg
}
