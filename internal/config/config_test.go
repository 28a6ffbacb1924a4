package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "afu9.yaml")

	t.Setenv("AFU9_TEST_DSN", "file:afu9.db")

	data := `
listen_addr: ":8080"
db:
  driver: sqlite
  dsn: "${AFU9_TEST_DSN}"
lawbook_path: "./lawbooks/default.yaml"
lawbook_cache_ttl_seconds: 30
publishing:
  enabled: true
wait_observe:
  poll_interval_seconds: 10
policy:
  dedupe_window_seconds: 120
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB.DSN != "file:afu9.db" {
		t.Fatalf("expected expanded dsn, got %q", cfg.DB.DSN)
	}
	if !cfg.Publishing.Enabled {
		t.Fatalf("expected publishing enabled")
	}
	if cfg.LawbookCacheTTL() != 30*time.Second || cfg.PollInterval() != 10*time.Second || cfg.DedupeWindow() != 2*time.Minute {
		t.Fatalf("unexpected durations: %v %v %v", cfg.LawbookCacheTTL(), cfg.PollInterval(), cfg.DedupeWindow())
	}
	if cfg.HTTPCheckTimeout() != 0 {
		t.Fatalf("expected unset timeout to be zero")
	}
}

func TestValidateMissingFields(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateMemoryDriverNeedsNoDSN(t *testing.T) {
	cfg := Config{ListenAddr: ":8080", DB: DBConfig{Driver: "memory"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateDBRequiresDSN(t *testing.T) {
	cfg := Config{ListenAddr: ":8080", DB: DBConfig{Driver: "postgres"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := Config{ListenAddr: ":8080", DB: DBConfig{Driver: "dolt", DSN: "x"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateRejectsNegativeDurations(t *testing.T) {
	cfg := Config{ListenAddr: ":8080", WaitObserve: WaitObserveConfig{PollIntervalSeconds: -1}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error")
	}
	cfg = Config{ListenAddr: ":8080", Retry: RetryConfig{InitialIntervalMS: 500, MaxIntervalMS: 100}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for inverted retry bounds")
	}
}

func TestValidateLogSettings(t *testing.T) {
	cfg := Config{ListenAddr: ":8080", Log: LogConfig{Level: "verbose"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for level")
	}
	cfg = Config{ListenAddr: ":8080", Log: LogConfig{Format: "xml"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for format")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load("../../afu9.example.yaml")
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if cfg.DB.Driver != "sqlite" || cfg.PlaybooksDir != "./playbooks" {
		t.Fatalf("unexpected example config: %+v", cfg)
	}
	if cfg.PollInterval().Seconds() != 15 {
		t.Fatalf("expected 15s poll interval, got %s", cfg.PollInterval())
	}
}
