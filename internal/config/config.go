package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davidahmann/afu9/internal/ledger"
)

type Config struct {
	ListenAddr             string            `yaml:"listen_addr"`
	DB                     DBConfig          `yaml:"db"`
	LawbookPath            string            `yaml:"lawbook_path"`
	LawbookCacheTTLSeconds int               `yaml:"lawbook_cache_ttl_seconds"`
	PlaybooksDir           string            `yaml:"playbooks_dir"`
	Publishing             PublishingConfig  `yaml:"publishing"`
	Retry                  RetryConfig       `yaml:"retry"`
	WaitObserve            WaitObserveConfig `yaml:"wait_observe"`
	HTTPCheck              HTTPCheckConfig   `yaml:"http_check"`
	Policy                 PolicyConfig      `yaml:"policy"`
	Telemetry              TelemetryConfig   `yaml:"telemetry"`
	Log                    LogConfig         `yaml:"log"`
}

type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type PublishingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type RetryConfig struct {
	InitialIntervalMS int `yaml:"initial_interval_ms"`
	MaxIntervalMS     int `yaml:"max_interval_ms"`
}

type WaitObserveConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

type HTTPCheckConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type PolicyConfig struct {
	DedupeWindowSeconds int `yaml:"dedupe_window_seconds"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	driver, err := ledger.ParseDriver(c.DB.Driver)
	if err != nil {
		return err
	}
	if driver != ledger.DBMemory && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required when db.driver is %s", driver)
	}

	for name, v := range map[string]int{
		"lawbook_cache_ttl_seconds":          c.LawbookCacheTTLSeconds,
		"retry.initial_interval_ms":          c.Retry.InitialIntervalMS,
		"retry.max_interval_ms":              c.Retry.MaxIntervalMS,
		"wait_observe.poll_interval_seconds": c.WaitObserve.PollIntervalSeconds,
		"http_check.timeout_seconds":         c.HTTPCheck.TimeoutSeconds,
		"policy.dedupe_window_seconds":       c.Policy.DedupeWindowSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	if c.Retry.MaxIntervalMS > 0 && c.Retry.MaxIntervalMS < c.Retry.InitialIntervalMS {
		return fmt.Errorf("retry.max_interval_ms must be >= retry.initial_interval_ms")
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text")
	}
	return nil
}

// LawbookCacheTTL is zero when caching is off.
func (c Config) LawbookCacheTTL() time.Duration {
	return time.Duration(c.LawbookCacheTTLSeconds) * time.Second
}

func (c Config) DedupeWindow() time.Duration {
	return time.Duration(c.Policy.DedupeWindowSeconds) * time.Second
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.WaitObserve.PollIntervalSeconds) * time.Second
}

func (c Config) HTTPCheckTimeout() time.Duration {
	return time.Duration(c.HTTPCheck.TimeoutSeconds) * time.Second
}
