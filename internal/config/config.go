// Package config loads the core client/server/connection configuration
// from environment variables (with an optional .env file for local dev),
// and separately loads named network-simulator scenarios from a config
// file via viper — two distinct loaders for two distinct audiences, the
// same split the reference binaries use for process env vs. tunable
// scenario presets.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// ClientServerConfig is the top-level process configuration: listen
// address, packet/channel sizing, and the ambient thresholds the server's
// admission-control layer consults.
type ClientServerConfig struct {
	Addr string `env:"NETCHANNEL_ADDR" envDefault:":40000"`

	MaxPacketSize int `env:"NETCHANNEL_MAX_PACKET_SIZE" envDefault:"1200"`
	MaxClients    int `env:"NETCHANNEL_MAX_CLIENTS" envDefault:"64"`

	TimeoutSeconds float64 `env:"NETCHANNEL_TIMEOUT_SECONDS" envDefault:"5.0"`

	CPURejectThreshold float64 `env:"NETCHANNEL_CPU_REJECT_THRESHOLD" envDefault:"80.0"`
	CapacityInterval   time.Duration `env:"NETCHANNEL_CAPACITY_INTERVAL" envDefault:"30s"`

	RateLimitPerAddressBurst int     `env:"NETCHANNEL_RATE_LIMIT_IP_BURST" envDefault:"10"`
	RateLimitPerAddressRate  float64 `env:"NETCHANNEL_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	RateLimitGlobalBurst     int     `env:"NETCHANNEL_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	RateLimitGlobalRate      float64 `env:"NETCHANNEL_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	AuthSecret string        `env:"NETCHANNEL_AUTH_SECRET"`
	AuthTTL    time.Duration `env:"NETCHANNEL_AUTH_TTL" envDefault:"1h"`

	WorkerCount      int `env:"NETCHANNEL_WORKER_COUNT" envDefault:"0"` // 0 means GOMAXPROCS*2
	WorkerQueueScale int `env:"NETCHANNEL_WORKER_QUEUE_SCALE" envDefault:"100"`

	LogLevel  string `env:"NETCHANNEL_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"NETCHANNEL_LOG_FORMAT" envDefault:"json"`

	MetricsAddr string `env:"NETCHANNEL_METRICS_ADDR" envDefault:":9100"`
}

// Load reads a .env file if present (ignored if missing — production
// deployments set real environment variables instead) and parses process
// environment into a ClientServerConfig.
func Load(logger *zerolog.Logger) (*ClientServerConfig, error) {
	if err := godotenv.Load(); err != nil && logger != nil {
		logger.Info().Msg("no .env file found, using environment variables only")
	}

	cfg := &ClientServerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate checks range and enum constraints Load can't express via struct
// tags alone.
func (c *ClientServerConfig) Validate() error {
	if c.MaxClients < 1 {
		return fmt.Errorf("NETCHANNEL_MAX_CLIENTS must be > 0, got %d", c.MaxClients)
	}
	if c.MaxPacketSize < 16 {
		return fmt.Errorf("NETCHANNEL_MAX_PACKET_SIZE must be >= 16, got %d", c.MaxPacketSize)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("NETCHANNEL_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("NETCHANNEL_LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("NETCHANNEL_LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the loaded configuration as one structured log event.
func (c *ClientServerConfig) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Int("max_packet_size", c.MaxPacketSize).
		Int("max_clients", c.MaxClients).
		Float64("timeout_seconds", c.TimeoutSeconds).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("capacity_interval", c.CapacityInterval).
		Int("rate_limit_ip_burst", c.RateLimitPerAddressBurst).
		Float64("rate_limit_ip_rate", c.RateLimitPerAddressRate).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
