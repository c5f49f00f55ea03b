package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.Pool.Size)
	assert.Len(t, cfg.Storage.Tiers, 2)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
  read_timeout: 10s
pool:
  size: 2
storage:
  tiers:
    - name: hot
      base_path: /data/hot
      max_size_mb: 50
      retention_days: 3
      cleanup_threshold: 0.7
log:
  level: debug
  format: console
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 2, cfg.Pool.Size)
	require.Len(t, cfg.Storage.Tiers, 1)
	assert.Equal(t, "hot", cfg.Storage.Tiers[0].Name)
	assert.Equal(t, int64(50), cfg.Storage.Tiers[0].MaxSizeMB)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	// Untouched sections keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a mapping"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("RASTERWELL_SERVER_ADDR", ":7070")
	t.Setenv("RASTERWELL_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("RASTERWELL_POOL_SIZE", "9")
	t.Setenv("RASTERWELL_STORAGE_PATH", "/mnt/artifacts")
	t.Setenv("RASTERWELL_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 9, cfg.Pool.Size)
	assert.Equal(t, "/mnt/artifacts/hot", cfg.Storage.Tiers[0].BasePath)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestStoragePathOverrideKeepsTierSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  cache_ttl: 30m
  tiers:
    - name: hot
      base_path: /data/hot
      max_size_mb: 64
      retention_days: 2
      cleanup_threshold: 0.6
    - name: archive
      base_path: /data/archive
      max_size_mb: 4096
      retention_days: 90
      cleanup_threshold: 0.95
`), 0o644))

	t.Setenv("RASTERWELL_STORAGE_PATH", "/mnt/artifacts")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Only the roots move; everything the operator tuned survives.
	require.Len(t, cfg.Storage.Tiers, 2)
	assert.Equal(t, "/mnt/artifacts/hot", cfg.Storage.Tiers[0].BasePath)
	assert.Equal(t, "/mnt/artifacts/archive", cfg.Storage.Tiers[1].BasePath)
	assert.Equal(t, int64(64), cfg.Storage.Tiers[0].MaxSizeMB)
	assert.Equal(t, 2, cfg.Storage.Tiers[0].RetentionDays)
	assert.Equal(t, 0.6, cfg.Storage.Tiers[0].CleanupThreshold)
	assert.Equal(t, int64(4096), cfg.Storage.Tiers[1].MaxSizeMB)
	assert.Equal(t, 90, cfg.Storage.Tiers[1].RetentionDays)
	assert.Equal(t, 30*time.Minute, cfg.Storage.CacheTTL)
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]func(*Config){
		"empty addr":     func(c *Config) { c.Server.Addr = "" },
		"zero pool":      func(c *Config) { c.Pool.Size = 0 },
		"no tiers":       func(c *Config) { c.Storage.Tiers = nil },
		"unnamed tier":   func(c *Config) { c.Storage.Tiers[0].Name = "" },
		"no base path":   func(c *Config) { c.Storage.Tiers[0].BasePath = "" },
		"zero capacity":  func(c *Config) { c.Storage.Tiers[0].MaxSizeMB = 0 },
		"bad threshold":  func(c *Config) { c.Storage.Tiers[0].CleanupThreshold = 1.5 },
		"zero threshold": func(c *Config) { c.Storage.Tiers[0].CleanupThreshold = 0 },
		"bad log level":  func(c *Config) { c.Log.Level = "verbose" },
		"bad log format": func(c *Config) { c.Log.Format = "xml" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
