// Package config loads runtime configuration from INTENTD_* environment
// variables. Command-line flags override individual fields afterwards.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Prefix is the environment variable prefix.
const Prefix = "INTENTD_"

// Config is the runtime configuration.
type Config struct {
	DBPath   string `env:"DB_PATH" envDefault:"intentd.db"`
	Listen   string `env:"LISTEN" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// PolicyFile is a YAML or CUE materialization policy table.
	PolicyFile string `env:"POLICY_FILE"`
	// CELRulesFile is a YAML list of CEL authorization rules.
	CELRulesFile string `env:"CEL_RULES"`

	Workers         int           `env:"WORKERS" envDefault:"4"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// TenantRPS and TenantBurst bound intent admission per tenant.
	TenantRPS   float64 `env:"TENANT_RPS" envDefault:"50"`
	TenantBurst int     `env:"TENANT_BURST" envDefault:"100"`

	// WALRetention prunes WAL partitions older than this. Zero keeps all.
	WALRetention  time.Duration `env:"WAL_RETENTION" envDefault:"720h"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`

	Outbox Outbox `envPrefix:"OUTBOX_"`
	Redis  Redis  `envPrefix:"REDIS_"`
	S3     S3     `envPrefix:"S3_"`
	OTLP   OTLP   `envPrefix:"OTLP_"`
}

// Outbox configures the relay.
type Outbox struct {
	Interval    time.Duration `env:"INTERVAL" envDefault:"2s"`
	BatchSize   int           `env:"BATCH_SIZE" envDefault:"100"`
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"8"`
}

// Redis configures the artifact cache and the event stream. An empty Addr
// disables both.
type Redis struct {
	Addr      string `env:"ADDR"`
	Password  string `env:"PASSWORD"`
	DB        int    `env:"DB" envDefault:"0"`
	Prefix    string `env:"PREFIX" envDefault:"intentd:artifact:"`
	Stream    string `env:"STREAM"`
	StreamLen int64  `env:"STREAM_MAXLEN" envDefault:"100000"`
}

// S3 configures the persistent artifact store. An empty Bucket disables it.
type S3 struct {
	Bucket   string `env:"BUCKET"`
	Region   string `env:"REGION" envDefault:"us-east-1"`
	Endpoint string `env:"ENDPOINT"`
	Prefix   string `env:"PREFIX"`
}

// OTLP configures trace and metric export. An empty Endpoint disables it.
type OTLP struct {
	Endpoint string `env:"ENDPOINT"`
	Insecure bool   `env:"INSECURE" envDefault:"false"`
}

// Load parses the environment.
func Load() (Config, error) {
	return load(env.Options{Prefix: Prefix})
}

// LoadFrom parses vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return load(env.Options{Prefix: Prefix, Environment: vars})
}

func load(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db path is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.TenantRPS <= 0 || c.TenantBurst < 1 {
		errs = append(errs, fmt.Errorf("tenant rate limit must be positive, got %v/%d", c.TenantRPS, c.TenantBurst))
	}
	if c.WALRetention < 0 {
		errs = append(errs, errors.New("wal retention must not be negative"))
	}
	if c.Outbox.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("outbox max attempts must be at least 1, got %d", c.Outbox.MaxAttempts))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
