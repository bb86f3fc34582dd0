package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config captures runtime configuration for the escrow service.
type Config struct {
	ListenAddress     string  `toml:"ListenAddress"`
	Environment       string  `toml:"Environment"`
	DataDir           string  `toml:"DataDir"`
	AuditDBPath       string  `toml:"AuditDBPath"`
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	RateBurst         int     `toml:"RateBurst"`
	EventHistorySize  int     `toml:"EventHistorySize"`
	InMemoryState     bool    `toml:"InMemoryState"`
}

func defaultConfig() Config {
	return Config{
		ListenAddress:     ":8082",
		Environment:       "dev",
		DataDir:           "escrowd-data",
		AuditDBPath:       "escrowd-audit.db",
		RequestsPerMinute: 600,
		RateBurst:         20,
		EventHistorySize:  1024,
	}
}

// LoadConfig builds the configuration from an optional TOML file named by
// ESCROWD_CONFIG, with individual environment variables taking precedence.
func LoadConfig() (Config, error) {
	cfg := defaultConfig()

	if path := strings.TrimSpace(os.Getenv("ESCROWD_CONFIG")); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("ESCROWD_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_AUDIT_DB")); v != "" {
		cfg.AuditDBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_RATE_PER_MINUTE")); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse ESCROWD_RATE_PER_MINUTE: %w", err)
		}
		cfg.RequestsPerMinute = parsed
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_RATE_BURST")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse ESCROWD_RATE_BURST: %w", err)
		}
		cfg.RateBurst = parsed
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_EVENT_HISTORY")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse ESCROWD_EVENT_HISTORY: %w", err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("ESCROWD_EVENT_HISTORY must be positive")
		}
		cfg.EventHistorySize = parsed
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_IN_MEMORY")); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse ESCROWD_IN_MEMORY: %w", err)
		}
		cfg.InMemoryState = parsed
	}

	if cfg.RequestsPerMinute <= 0 {
		return Config{}, fmt.Errorf("RequestsPerMinute must be positive")
	}
	if cfg.RateBurst <= 0 {
		return Config{}, fmt.Errorf("RateBurst must be positive")
	}
	return cfg, nil
}
