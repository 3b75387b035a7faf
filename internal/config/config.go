// Package config loads KeyGate configuration from environment variables and
// an optional YAML file. Environment takes precedence over the file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Store    StoreConfig    `yaml:"store" envconfig:"STORE"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Sweeper  SweeperConfig  `yaml:"sweeper" envconfig:"SWEEPER"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"30s"`
}

// StoreConfig contains the sqlite store configuration.
type StoreConfig struct {
	Path string `yaml:"path" envconfig:"PATH" default:"data/keygate.db"`
}

// SecurityConfig contains admin auth and abuse detection configuration.
type SecurityConfig struct {
	// AdminTokenHash is the bcrypt hash of the admin bearer token. Admin
	// routes refuse to mount when it is empty.
	AdminTokenHash string          `yaml:"admin_token_hash" envconfig:"ADMIN_TOKEN_HASH"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Abuse          AbuseConfig     `yaml:"abuse" envconfig:"ABUSE"`
}

// RateLimitConfig throttles the whole HTTP surface, independent of the
// per-IP abuse window applied inside the admission engine.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// AbuseConfig tunes the brute-force detector.
type AbuseConfig struct {
	Window    time.Duration `yaml:"window" envconfig:"WINDOW" default:"5m"`
	Threshold int           `yaml:"threshold" envconfig:"THRESHOLD" default:"5"`
}

// SweeperConfig tunes the expiration sweeper.
type SweeperConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL" default:"1h"`
	PurgeInterval  time.Duration `yaml:"purge_interval" envconfig:"PURGE_INTERVAL" default:"24h"`
	RetentionDays  int           `yaml:"retention_days" envconfig:"RETENTION_DAYS" default:"30"`
	ExpiryWarnDays int           `yaml:"expiry_warn_days" envconfig:"EXPIRY_WARN_DAYS" default:"7"`
	StartupDelay   time.Duration `yaml:"startup_delay" envconfig:"STARTUP_DELAY" default:"10s"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format      string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT" default:"false"`
}

// Load builds the configuration: file first when present, then environment
// variables under the KEYGATE prefix on top.
func Load() (*Config, error) {
	var cfg Config

	configFile := configFilePath()
	if _, err := os.Stat(configFile); err == nil {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configFile, err)
		}
		cfg = *fileCfg
	}

	if err := envconfig.Process("KEYGATE", &cfg); err != nil {
		return nil, fmt.Errorf("loading config from environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func configFilePath() string {
	if p := os.Getenv("KEYGATE_CONFIG"); p != "" {
		return p
	}
	return "keygate.yaml"
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	if c.Security.Abuse.Threshold < 1 {
		return fmt.Errorf("abuse threshold must be at least 1")
	}
	if c.Security.Abuse.Window <= 0 {
		return fmt.Errorf("abuse window must be positive")
	}
	if c.Sweeper.RetentionDays < 1 {
		return fmt.Errorf("retention days must be at least 1")
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.RPS <= 0 {
			return fmt.Errorf("rate limit rps must be positive")
		}
		if c.Security.RateLimit.Burst < 1 {
			return fmt.Errorf("rate limit burst must be at least 1")
		}
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
