// Package config loads broker configuration from the environment, with an
// optional .env file for development convenience.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

var validate = validator.New()

// Config holds all broker configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
//	validate: Structural constraints checked after parsing
type Config struct {
	// Wire endpoint. Localhost only by design; the broker performs no
	// transport security of its own.
	Host string `env:"IPC_HOST" envDefault:"127.0.0.1" validate:"required"`
	Port int    `env:"IPC_PORT" envDefault:"9876" validate:"min=1,max=65535"`

	// Registration auth. Empty disables the shared-secret handshake and
	// any auth_token is accepted (single-user mode).
	SharedSecret string `env:"IPC_SHARED_SECRET"`

	// DataDir holds the database file and the large-messages directory.
	// Empty resolves to ~/.ipcd at load time. Created 0700 on first use.
	DataDir string `env:"IPC_DATA_DIR"`

	// Ops HTTP listener (metrics, health, stats). Empty disables it.
	OpsAddr string `env:"IPC_OPS_ADDR" envDefault:"127.0.0.1:9877"`

	// Accept-loop throttle: sustained new-connection rate across all
	// clients. Bursts up to the same value are allowed.
	MaxConnsPerSec int `env:"IPC_MAX_CONNS_PER_SEC" envDefault:"200" validate:"min=1"`

	// Lifetimes.
	SessionTTL    time.Duration `env:"IPC_SESSION_TTL" envDefault:"24h"`
	SweepInterval time.Duration `env:"IPC_SWEEP_INTERVAL" envDefault:"60s"`

	// Logging
	LogLevel  string `env:"IPC_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogFormat string `env:"IPC_LOG_FORMAT" envDefault:"json" validate:"oneof=json console"`
}

// Load reads configuration from a .env file (if present) and environment
// variables. Priority: ENV vars > .env file > defaults.
//
// Optional logger for structured load diagnostics. If nil, load is silent.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory for IPC_DATA_DIR: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".ipcd")
	} else if strings.HasPrefix(cfg.DataDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("expanding IPC_DATA_DIR: %w", err)
		}
		cfg.DataDir = filepath.Join(home, cfg.DataDir[2:])
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	// Logical checks beyond struct tags
	if c.SessionTTL < time.Minute {
		return fmt.Errorf("IPC_SESSION_TTL must be >= 1m, got %s", c.SessionTTL)
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("IPC_SWEEP_INTERVAL must be >= 1s, got %s", c.SweepInterval)
	}

	return nil
}

// Addr returns the wire endpoint as host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DatabasePath returns the SQLite file location inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "ipcd.db")
}

// LargeMessageDir returns the spill directory inside DataDir.
func (c *Config) LargeMessageDir() string {
	return filepath.Join(c.DataDir, "large-messages")
}

// AuthEnabled reports whether registration requires the shared-secret token.
func (c *Config) AuthEnabled() bool {
	return c.SharedSecret != ""
}

// LogConfig logs the effective configuration with the secret redacted.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr()).
		Str("data_dir", c.DataDir).
		Str("ops_addr", c.OpsAddr).
		Bool("auth_enabled", c.AuthEnabled()).
		Int("max_conns_per_sec", c.MaxConnsPerSec).
		Dur("session_ttl", c.SessionTTL).
		Dur("sweep_interval", c.SweepInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Broker configuration loaded")
}
