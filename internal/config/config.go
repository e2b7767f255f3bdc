package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway process configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
//	required: Must be provided (no default)
type Config struct {
	// Identity stamped into every connection record this instance owns.
	ServerID string `env:"SERVER_ID,required"`

	// Endpoints
	ListenAddr      string `env:"LISTEN_ADDR" envDefault:":3002"`
	AdminListenAddr string `env:"ADMIN_LISTEN_ADDR" envDefault:":3003"`
	BusURL          string `env:"BUS_URL" envDefault:"nats://localhost:4222"`
	CounterStoreURL string `env:"COUNTER_STORE_URL" envDefault:"redis://localhost:6379/0"`
	DatabaseURL     string `env:"DATABASE_URL,required"`
	RegistryTable   string `env:"REGISTRY_TABLE" envDefault:"conn"`

	// Dashboard token validation
	JWTIssuer    string `env:"JWT_ISSUER,required"`
	JWTAudience  string `env:"JWT_AUDIENCE,required"`
	JWTPublicKey string `env:"JWT_PUBLIC_KEY,required"` // PEM, Ed25519 or RSA

	// Session limits
	MaxConnections         int `env:"MAX_CONNECTIONS" envDefault:"5000"`
	OutboundQueueSize      int `env:"OUTBOUND_QUEUE_SIZE" envDefault:"256"`
	MaxSubscriptions       int `env:"MAX_SUBSCRIPTIONS_PER_SESSION" envDefault:"128"`
	InboundFrameBurst      int `env:"INBOUND_FRAME_BURST" envDefault:"100"`
	InboundFramesPerSecond int `env:"INBOUND_FRAMES_PER_SEC" envDefault:"20"`

	// Timeouts
	AuthTimeout      time.Duration `env:"AUTH_TIMEOUT" envDefault:"10s"`
	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"90s"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	DrainTimeout     time.Duration `env:"DRAIN_TIMEOUT" envDefault:"30s"`

	// Counter flush
	CounterFlushInterval time.Duration `env:"COUNTER_FLUSH_INTERVAL" envDefault:"1s"`
	CounterFlushBatch    int           `env:"COUNTER_FLUSH_BATCH" envDefault:"1024"`
	CounterRetention     time.Duration `env:"COUNTER_RETENTION" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Fine without one; production supplies the environment directly.
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.OutboundQueueSize < 1 {
		return fmt.Errorf("OUTBOUND_QUEUE_SIZE must be > 0, got %d", c.OutboundQueueSize)
	}
	if c.MaxSubscriptions < 1 {
		return fmt.Errorf("MAX_SUBSCRIPTIONS_PER_SESSION must be > 0, got %d", c.MaxSubscriptions)
	}
	if c.HeartbeatTimeout < time.Second {
		return fmt.Errorf("HEARTBEAT_TIMEOUT must be >= 1s, got %s", c.HeartbeatTimeout)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration with secrets omitted.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("server_id", c.ServerID).
		Str("listen_addr", c.ListenAddr).
		Str("admin_listen_addr", c.AdminListenAddr).
		Str("bus_url", c.BusURL).
		Str("registry_table", c.RegistryTable).
		Str("jwt_issuer", c.JWTIssuer).
		Str("jwt_audience", c.JWTAudience).
		Int("max_connections", c.MaxConnections).
		Int("outbound_queue_size", c.OutboundQueueSize).
		Int("max_subscriptions", c.MaxSubscriptions).
		Dur("auth_timeout", c.AuthTimeout).
		Dur("heartbeat_timeout", c.HeartbeatTimeout).
		Dur("sweep_interval", c.SweepInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
