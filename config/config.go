// Package config centralises runtime configuration for the connector.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// UpstreamConfig declares the venue transport settings.
type UpstreamConfig struct {
	WSEndpoint       string        `yaml:"wsEndpoint"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	// ControlRate caps control-frame sends per second toward the venue.
	ControlRate  float64 `yaml:"controlRate"`
	ControlBurst int     `yaml:"controlBurst"`
}

// HeartbeatConfig governs keep-alive probing and reconnect policy.
type HeartbeatConfig struct {
	Interval          time.Duration `yaml:"interval"`
	ReconnectInterval time.Duration `yaml:"reconnectInterval"`
	// ConnectTimeout bounds an unanswered fresh connect; reattempts count
	// down from ReconnectInterval.
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	// MaxAttempts bounds consecutive reconnects; -1 retries forever, 0
	// disables reconnecting.
	MaxAttempts int `yaml:"maxAttempts"`
}

// PipelineConfig sizes the message chain.
type PipelineConfig struct {
	PendingCap int `yaml:"pendingCap"`
}

// BookConfig controls order book reconstruction.
type BookConfig struct {
	// DepthCap trims order-log built snapshots per side. Zero keeps all levels.
	DepthCap int `yaml:"depthCap"`
	// VenueMIC selects the trading calendar (ISO 10383).
	VenueMIC string `yaml:"venueMic"`
	// ClearingTime is the daily clearing boundary as an offset from venue midnight.
	ClearingTime time.Duration `yaml:"clearingTime"`
}

// DatabaseConfig declares the optional Postgres persistence backend.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings is the connector configuration tree loaded from defaults, an
// optional YAML file, and environment overrides, in that order.
type Settings struct {
	Environment string          `yaml:"environment"`
	Upstream    UpstreamConfig  `yaml:"upstream"`
	Heartbeat   HeartbeatConfig `yaml:"heartbeat"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Book        BookConfig      `yaml:"book"`
	Database    DatabaseConfig  `yaml:"database"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns the default connector configuration.
func Default() Settings {
	return Settings{
		Environment: "prod",
		Upstream: UpstreamConfig{
			HandshakeTimeout: 10 * time.Second,
			ControlRate:      5,
			ControlBurst:     10,
		},
		Heartbeat: HeartbeatConfig{
			Interval:          10 * time.Second,
			ReconnectInterval: 5 * time.Second,
			ConnectTimeout:    30 * time.Second,
			MaxAttempts:       10,
		},
		Pipeline: PipelineConfig{PendingCap: 10000},
		Book: BookConfig{
			DepthCap:     50,
			ClearingTime: 18*time.Hour + 45*time.Minute,
		},
		Telemetry: TelemetryConfig{ServiceName: "tradewire-connector"},
	}
}

// Load reads a YAML settings file over the defaults. An empty path returns
// the defaults untouched.
func Load(path string) (Settings, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// FromEnv applies environment variable overrides on top of the settings.
func FromEnv(cfg Settings) Settings {
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_ENV")); v != "" {
		cfg.Environment = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_WS_ENDPOINT")); v != "" {
		cfg.Upstream.WSEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_DB_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_VENUE_MIC")); v != "" {
		cfg.Book.VenueMIC = v
	}
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_HEARTBEAT_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Heartbeat.Interval = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_RECONNECT_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Heartbeat.ReconnectInterval = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_CONNECT_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Heartbeat.ConnectTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_RECONNECT_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Heartbeat.MaxAttempts = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_PENDING_CAP")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.PendingCap = n
		}
	}
	return cfg
}
