package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the conviction harness configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string  `json:"db_path"`
	DefinitionsDir  string  `json:"definitions_dir"`
	LogLevel        string  `json:"log_level"`
	LogFormat       string  `json:"log_format"`
	MetricsAddr     string  `json:"metrics_addr"`
	PoolSize        int     `json:"pool_size"`
	NodeTimeout     string  `json:"node_timeout"`
	RunTimeout      string  `json:"run_timeout"`
	DefaultCash     float64 `json:"default_cash"`
	MaxPositionSize float64 `json:"max_position_size"`
	MinConfidence   float64 `json:"min_confidence"`
	VaultPassphrase string  `json:"vault_passphrase"`
	VaultSalt       string  `json:"vault_salt"`

	Provider ProviderConfig `json:"provider"`
}

// ProviderConfig points the HTTP data adapter at a metrics provider.
// MetricsPath is a JSON file mapping metric keys to endpoint + jq query.
type ProviderConfig struct {
	BaseURL      string `json:"base_url"`
	APIKeyHeader string `json:"api_key_header"`
	APIKey       string `json:"api_key"`
	MetricsPath  string `json:"metrics_path"`
	Timeout      string `json:"timeout"`
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(convictionDir(), "conviction.db"),
		DefinitionsDir:  filepath.Join(convictionDir(), "graphs"),
		LogLevel:        "info",
		LogFormat:       "text",
		PoolSize:        8,
		NodeTimeout:     "30s",
		RunTimeout:      "5m",
		MaxPositionSize: 0.20,
	}
}

func convictionDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conviction"
	}
	return filepath.Join(home, ".conviction")
}

func settingsPath() string {
	return filepath.Join(convictionDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CONVICTION_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONVICTION_DEFINITIONS_DIR"); v != "" {
		cfg.DefinitionsDir = v
	}
	if v := os.Getenv("CONVICTION_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONVICTION_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("CONVICTION_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("CONVICTION_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CONVICTION_NODE_TIMEOUT"); v != "" {
		cfg.NodeTimeout = v
	}
	if v := os.Getenv("CONVICTION_RUN_TIMEOUT"); v != "" {
		cfg.RunTimeout = v
	}
	if v := os.Getenv("CONVICTION_DEFAULT_CASH"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.DefaultCash = f
		}
	}
	if v := os.Getenv("CONVICTION_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("CONVICTION_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}
	if v := os.Getenv("CONVICTION_PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("CONVICTION_PROVIDER_API_KEY_HEADER"); v != "" {
		cfg.Provider.APIKeyHeader = v
	}
	if v := os.Getenv("CONVICTION_PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("CONVICTION_PROVIDER_METRICS_PATH"); v != "" {
		cfg.Provider.MetricsPath = v
	}

	return cfg
}

func (c Config) nodeTimeout() time.Duration {
	d, err := time.ParseDuration(c.NodeTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

func (c Config) runTimeout() time.Duration {
	d, err := time.ParseDuration(c.RunTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

func (c ProviderConfig) timeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 0 // adapter default
	}
	return d
}
