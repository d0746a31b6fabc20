package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all flowline server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath           string  `json:"db_path"`
	LogLevel         string  `json:"log_level"`
	LogFormat        string  `json:"log_format"`
	PoolSize         int     `json:"pool_size"`
	MaxRetries       int     `json:"max_retries"`
	RetryDelay       string  `json:"retry_delay"`
	RetryExponential bool    `json:"retry_exponential"`
	DefaultCostUSD   float64 `json:"default_cost_usd"`
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(flowlineDir(), "flowline.db"),
		LogLevel:         "info",
		LogFormat:        "text",
		PoolSize:         10,
		MaxRetries:       0,
		RetryDelay:       "500ms",
		RetryExponential: true,
		DefaultCostUSD:   0.01,
	}
}

func flowlineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowline"
	}
	return filepath.Join(home, ".flowline")
}

func settingsPath() string {
	return filepath.Join(flowlineDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWLINE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWLINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWLINE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("FLOWLINE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLOWLINE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("FLOWLINE_RETRY_DELAY"); v != "" {
		cfg.RetryDelay = v
	}
	if v := os.Getenv("FLOWLINE_RETRY_EXPONENTIAL"); v != "" {
		cfg.RetryExponential = v == "true" || v == "1"
	}
	if v := os.Getenv("FLOWLINE_DEFAULT_COST_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.DefaultCostUSD = f
		}
	}

	return cfg
}

// retryDelay parses the configured delay, falling back to the default when
// the value does not parse.
func (c Config) retryDelay() time.Duration {
	d, err := time.ParseDuration(c.RetryDelay)
	if err != nil || d < 0 {
		return 500 * time.Millisecond
	}
	return d
}
