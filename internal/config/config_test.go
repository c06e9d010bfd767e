package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "intentd.db", cfg.DBPath)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 720*time.Hour, cfg.WALRetention)
	assert.Equal(t, 2*time.Second, cfg.Outbox.Interval)
	assert.Equal(t, 8, cfg.Outbox.MaxAttempts)
	assert.Equal(t, "intentd:artifact:", cfg.Redis.Prefix)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.S3.Bucket)
	assert.Equal(t, "us-east-1", cfg.S3.Region)
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"INTENTD_DB_PATH":             "/var/lib/intentd/state.db",
		"INTENTD_WORKERS":             "16",
		"INTENTD_TENANT_RPS":          "2.5",
		"INTENTD_OUTBOX_MAX_ATTEMPTS": "3",
		"INTENTD_REDIS_ADDR":          "localhost:6379",
		"INTENTD_REDIS_STREAM":        "intentd-events",
		"INTENTD_S3_BUCKET":           "artifacts",
		"INTENTD_S3_ENDPOINT":         "http://localhost:9000",
		"INTENTD_OTLP_ENDPOINT":       "collector:4317",
		"INTENTD_OTLP_INSECURE":       "true",
		"INTENTD_WAL_RETENTION":       "0s",
	})
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/intentd/state.db", cfg.DBPath)
	assert.Equal(t, 16, cfg.Workers)
	assert.InDelta(t, 2.5, cfg.TenantRPS, 0.001)
	assert.Equal(t, 3, cfg.Outbox.MaxAttempts)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "intentd-events", cfg.Redis.Stream)
	assert.Equal(t, "artifacts", cfg.S3.Bucket)
	assert.Equal(t, "http://localhost:9000", cfg.S3.Endpoint)
	assert.Equal(t, "collector:4317", cfg.OTLP.Endpoint)
	assert.True(t, cfg.OTLP.Insecure)
	assert.Zero(t, cfg.WALRetention)
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{"unparseable int", map[string]string{"INTENTD_WORKERS": "many"}},
		{"zero workers", map[string]string{"INTENTD_WORKERS": "0"}},
		{"negative retention", map[string]string{"INTENTD_WAL_RETENTION": "-1h"}},
		{"bad log level", map[string]string{"INTENTD_LOG_LEVEL": "loud"}},
		{"zero burst", map[string]string{"INTENTD_TENANT_BURST": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(tt.vars)
			assert.Error(t, err)
		})
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}
