// Package config loads rconnd configuration from the
// environment, the same way the rest of this codebase's daemons do.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for rconnd.
type Config struct {
	// HTTP status API
	Port int `envconfig:"PORT" default:"10001"`

	// Health/liveness/readiness/metrics API, served on its own listener
	HealthAddr string `envconfig:"HEALTH_ADDR" default:":10002"`

	// Connection target and reconnect policy
	TargetAddr    string `envconfig:"TARGET_ADDR" default:"127.0.0.1:6633"`
	ProbeInterval int64  `envconfig:"PROBE_INTERVAL_SECONDS" default:"5"`
	MaxBackoff    int64  `envconfig:"MAX_BACKOFF_SECONDS" default:"8"`

	// Persistence
	StatsDBPath string `envconfig:"STATS_DB_PATH" default:"rconnd.db"`

	// Observability
	LogLevel           string `envconfig:"LOG_LEVEL" default:"info"`
	OTLPEndpoint       string `envconfig:"OTLP_ENDPOINT" default:""`
	MetricsIntervalSec int64  `envconfig:"METRICS_INTERVAL_SECONDS" default:"10"`
}

// Load loads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.TargetAddr == "" {
		return fmt.Errorf("TARGET_ADDR is required")
	}
	if cfg.HealthAddr == "" {
		return fmt.Errorf("HEALTH_ADDR is required")
	}
	if cfg.ProbeInterval < 0 {
		return fmt.Errorf("PROBE_INTERVAL_SECONDS must be >= 0")
	}
	if cfg.MaxBackoff <= 0 {
		return fmt.Errorf("MAX_BACKOFF_SECONDS must be > 0")
	}
	if cfg.StatsDBPath == "" {
		return fmt.Errorf("STATS_DB_PATH is required")
	}
	if cfg.MetricsIntervalSec <= 0 {
		return fmt.Errorf("METRICS_INTERVAL_SECONDS must be > 0")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}
	return nil
}
