package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"ESCROWD_CONFIG", "ESCROWD_LISTEN", "ESCROWD_ENV", "ESCROWD_DATA_DIR",
		"ESCROWD_AUDIT_DB", "ESCROWD_RATE_PER_MINUTE", "ESCROWD_RATE_BURST",
		"ESCROWD_EVENT_HISTORY", "ESCROWD_IN_MEMORY",
	} {
		t.Setenv(key, "")
	}
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.ListenAddress != ":8082" {
		t.Fatalf("default listen = %q", cfg.ListenAddress)
	}
	if cfg.RequestsPerMinute != 600 || cfg.RateBurst != 20 {
		t.Fatalf("default rate config = %v/%v", cfg.RequestsPerMinute, cfg.RateBurst)
	}
}

func TestLoadConfigFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.toml")
	contents := "ListenAddress = \":9000\"\nEnvironment = \"staging\"\nRateBurst = 5\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ESCROWD_CONFIG", path)
	t.Setenv("ESCROWD_LISTEN", ":9100")
	t.Setenv("ESCROWD_IN_MEMORY", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	// Env beats file, file beats defaults.
	if cfg.ListenAddress != ":9100" {
		t.Fatalf("listen = %q, want env override", cfg.ListenAddress)
	}
	if cfg.Environment != "staging" || cfg.RateBurst != 5 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if !cfg.InMemoryState {
		t.Fatalf("in-memory flag not applied")
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("ESCROWD_RATE_PER_MINUTE", "-5")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("negative rate must be rejected")
	}
	t.Setenv("ESCROWD_RATE_PER_MINUTE", "not-a-number")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("unparsable rate must be rejected")
	}
}
