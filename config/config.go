// Package config loads service configuration from YAML with
// environment-variable overrides for secrets. Precedence: defaults →
// YAML file → environment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arbiterhq/arbiter/llm"
	"github.com/arbiterhq/arbiter/providers"
)

// Config is the full service configuration.
type Config struct {
	Server       ServerConfig      `yaml:"server"`
	Log          LogConfig         `yaml:"log"`
	Database     DatabaseConfig    `yaml:"database"`
	Redis        RedisConfig       `yaml:"redis"`
	RateLimit    RateLimitConfig   `yaml:"rate_limit"`
	Registry     RegistryConfig    `yaml:"registry"`
	Orchestrator llm.ServiceConfig `yaml:"orchestrator"`
	Providers    ProvidersConfig   `yaml:"providers"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ClientRPS       float64       `yaml:"client_rps"`
	ClientBurst     int           `yaml:"client_burst"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DatabaseConfig selects the catalog/usage store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres or sqlite
	DSN    string `yaml:"dsn"`
	Seed   bool   `yaml:"seed"` // insert the development catalog when empty
}

// RedisConfig configures the shared rate-limit backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimitConfig selects and tunes the local limiter.
type RateLimitConfig struct {
	Backend         string        `yaml:"backend"` // memory or redis
	DefaultRequests int           `yaml:"default_requests"`
	Window          time.Duration `yaml:"window"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// RegistryConfig tunes catalog refresh.
type RegistryConfig struct {
	// Source is "database" for the GORM catalog or "providers" for the
	// adapters' static catalogs.
	Source          string        `yaml:"source"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// ProvidersConfig carries the adapter credentials.
type ProvidersConfig struct {
	OpenAI     providers.OpenAIConfig     `yaml:"openai"`
	Anthropic  providers.AnthropicConfig  `yaml:"anthropic"`
	Google     providers.GoogleConfig     `yaml:"google"`
	Perplexity providers.PerplexityConfig `yaml:"perplexity"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute, // generation responses are slow
			ShutdownTimeout: 15 * time.Second,
			ClientRPS:       10,
			ClientBurst:     20,
		},
		Log: LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "arbiter.db",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		RateLimit: RateLimitConfig{
			Backend:         "memory",
			DefaultRequests: 60,
			Window:          time.Minute,
			SweepInterval:   time.Minute,
		},
		Registry: RegistryConfig{
			Source:          "providers",
			RefreshInterval: 5 * time.Minute,
		},
	}
}

// Load reads path (optional) over the defaults and applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and connection strings. Keys follow the
// ARBITER_ prefix convention.
func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.Providers.OpenAI.APIKey, "ARBITER_OPENAI_API_KEY")
	setString(&c.Providers.Anthropic.APIKey, "ARBITER_ANTHROPIC_API_KEY")
	setString(&c.Providers.Google.APIKey, "ARBITER_GOOGLE_API_KEY")
	setString(&c.Providers.Perplexity.APIKey, "ARBITER_PERPLEXITY_API_KEY")
	setString(&c.Database.DSN, "ARBITER_DATABASE_DSN")
	setString(&c.Redis.Addr, "ARBITER_REDIS_ADDR")
	setString(&c.Redis.Password, "ARBITER_REDIS_PASSWORD")
	setString(&c.Server.Addr, "ARBITER_SERVER_ADDR")
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown rate-limit backend %q", c.RateLimit.Backend)
	}
	switch c.Registry.Source {
	case "database", "providers":
	default:
		return fmt.Errorf("unknown registry source %q", c.Registry.Source)
	}
	return nil
}
