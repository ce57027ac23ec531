// Package config loads the runtime configuration of a bitgate process.
//
// Business rules (signal windows, band tiers, hub thresholds) live in the
// CUE doctrine; this file only carries operational settings: where state is
// stored, how workers are sized and how often sweeps run.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level runtime configuration.
type Config struct {
	// Database is the SQLite database path. ":memory:" is accepted for tests.
	Database string `yaml:"database"`

	// DoctrineDir is a directory of CUE doctrine files. Empty uses the
	// built-in doctrine.
	DoctrineDir string `yaml:"doctrine_dir"`

	HTTP      HTTPConfig      `yaml:"http"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Sweeps    SweepConfig     `yaml:"sweeps"`
	Retry     RetryConfig     `yaml:"retry"`
	Lock      LockConfig      `yaml:"lock"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Log       LogConfig       `yaml:"log"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// IngestConfig sizes the signal ingestion consumers.
type IngestConfig struct {
	Partitions   int           `yaml:"partitions"`
	BatchSize    int           `yaml:"batch_size"`
	Lease        time.Duration `yaml:"lease"`
	MaxAttempts  int           `yaml:"max_attempts"`
	MaxDepth     int           `yaml:"max_depth"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// SourceQuota caps enqueues per source hub within SourceQuotaWindow.
	// Zero disables the quota.
	SourceQuota       int           `yaml:"source_quota"`
	SourceQuotaWindow time.Duration `yaml:"source_quota_window"`
}

// SweepConfig sets the period of each background sweep.
type SweepConfig struct {
	HubInterval        time.Duration `yaml:"hub_interval"`
	RetryInterval      time.Duration `yaml:"retry_interval"`
	DecayInterval      time.Duration `yaml:"decay_interval"`
	ArchiveInterval    time.Duration `yaml:"archive_interval"`
	EscalationInterval time.Duration `yaml:"escalation_interval"`
}

// RetryConfig bounds the exponential backoff of hub error retries.
type RetryConfig struct {
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// Lock backends.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// LockConfig selects how per-entity single-writer locks are held.
type LockConfig struct {
	Backend   string        `yaml:"backend"`
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

// WarehouseConfig points at an optional Postgres copy of archived errors.
type WarehouseConfig struct {
	DSN string `yaml:"dsn"`
}

// LogConfig configures the default slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every field set.
func Default() Config {
	return Config{
		Database: "bitgate.db",
		HTTP:     HTTPConfig{Addr: ":8080"},
		Ingest: IngestConfig{
			Partitions:        4,
			BatchSize:         64,
			Lease:             30 * time.Second,
			MaxAttempts:       5,
			MaxDepth:          100000,
			PollInterval:      250 * time.Millisecond,
			SourceQuota:       0,
			SourceQuotaWindow: time.Minute,
		},
		Sweeps: SweepConfig{
			HubInterval:        time.Minute,
			RetryInterval:      30 * time.Second,
			DecayInterval:      5 * time.Minute,
			ArchiveInterval:    time.Hour,
			EscalationInterval: 4 * time.Hour,
		},
		Retry: RetryConfig{
			BaseBackoff: 30 * time.Second,
			MaxBackoff:  6 * time.Hour,
		},
		Lock: LockConfig{
			Backend: LockLocal,
			TTL:     30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults. Unknown fields are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Decode(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Decode parses YAML into cfg, keeping values already present for omitted
// fields, then validates the result.
func Decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Ingest.Partitions < 1 {
		return fmt.Errorf("ingest.partitions must be at least 1")
	}
	if c.Ingest.BatchSize < 1 {
		return fmt.Errorf("ingest.batch_size must be at least 1")
	}
	if c.Ingest.MaxAttempts < 1 {
		return fmt.Errorf("ingest.max_attempts must be at least 1")
	}
	if c.Ingest.Lease <= 0 {
		return fmt.Errorf("ingest.lease must be positive")
	}
	if c.Ingest.SourceQuota < 0 {
		return fmt.Errorf("ingest.source_quota must not be negative")
	}
	if c.Ingest.SourceQuota > 0 && c.Ingest.SourceQuotaWindow <= 0 {
		return fmt.Errorf("ingest.source_quota_window must be positive when a quota is set")
	}
	if c.Retry.BaseBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.BaseBackoff {
		return fmt.Errorf("retry: base_backoff must be positive and not above max_backoff")
	}
	switch c.Lock.Backend {
	case LockLocal:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redis_addr is required for the redis backend")
		}
		if c.Lock.TTL <= 0 {
			return fmt.Errorf("lock.ttl must be positive")
		}
	default:
		return fmt.Errorf("lock.backend must be %q or %q, got %q", LockLocal, LockRedis, c.Lock.Backend)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
