// Package config provides unified configuration loading for the render
// service: defaults, then a YAML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rasterwell/rasterwell/internal/cache"
	"github.com/rasterwell/rasterwell/render"
	"github.com/rasterwell/rasterwell/storage"
)

// envPrefix is prepended to every environment override.
const envPrefix = "RASTERWELL_"

// Config is the complete service configuration.
type Config struct {
	// Server HTTP server configuration
	Server ServerConfig `yaml:"server"`

	// Pool renderer pool configuration
	Pool render.PoolConfig `yaml:"pool"`

	// Storage artifact store configuration
	Storage storage.StoreConfig `yaml:"storage"`

	// Redis shared metadata cache configuration
	Redis cache.Config `yaml:"redis"`

	// Log logging configuration
	Log LogConfig `yaml:"log"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Listen address
	Addr string `yaml:"addr"`

	// Read timeout
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// Write timeout
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Idle timeout
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Per-client rate limit, requests per second; zero disables limiting
	RateLimitRPS float64 `yaml:"rate_limit_rps"`

	// Per-client burst
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level"`

	// Format: json or console
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimitRPS:    10,
			RateLimitBurst:  20,
		},
		Pool:    render.DefaultPoolConfig(),
		Storage: storage.DefaultStoreConfig("./storage"),
		Redis:   cache.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides the fields operators most commonly set per deployment.
func (c *Config) applyEnv() {
	if v := os.Getenv(envPrefix + "SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(envPrefix + "REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv(envPrefix + "REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv(envPrefix + "POOL_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			c.Pool.Size = size
		}
	}
	if v := os.Getenv(envPrefix + "STORAGE_PATH"); v != "" {
		// Re-root the tiers only; sizes, retention and TTLs an operator
		// configured elsewhere stay in force.
		for i := range c.Storage.Tiers {
			c.Storage.Tiers[i].BasePath = filepath.Join(v, c.Storage.Tiers[i].Name)
		}
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr must not be empty")
	}
	if c.Pool.Size < 1 {
		return fmt.Errorf("config: pool.size must be at least 1")
	}
	if len(c.Storage.Tiers) == 0 {
		return fmt.Errorf("config: storage.tiers must not be empty")
	}
	for _, tier := range c.Storage.Tiers {
		if tier.Name == "" || tier.BasePath == "" {
			return fmt.Errorf("config: every tier needs a name and a base_path")
		}
		if tier.MaxSizeMB <= 0 {
			return fmt.Errorf("config: tier %q: max_size_mb must be positive", tier.Name)
		}
		if tier.CleanupThreshold <= 0 || tier.CleanupThreshold > 1 {
			return fmt.Errorf("config: tier %q: cleanup_threshold must be in (0, 1]", tier.Name)
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: invalid log format %q", c.Log.Format)
	}
	return nil
}
