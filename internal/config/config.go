// Package config provides configuration parsing and validation for the
// pico-go service daemon.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/picoauth/pico-go/internal/reauth"
)

// Config represents the complete service configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Rendezvous RendezvousConfig `yaml:"rendezvous"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServiceConfig identifies the service and its key material.
type ServiceConfig struct {
	// Name is shown to the prover in the pairing QR.
	Name string `yaml:"name"`

	// KeyFile is the PEM file holding the service's long-term identity key.
	KeyFile string `yaml:"key_file"`

	// UsersFile is the YAML directory of authorized provers. Empty means
	// every prover is accepted.
	UsersFile string `yaml:"users_file"`

	// Continuous selects continuous-authentication sessions.
	Continuous bool `yaml:"continuous"`
}

// RendezvousConfig defines the rendezvous endpoint.
type RendezvousConfig struct {
	// Listen is the TCP address the rendezvous listener binds.
	Listen string `yaml:"listen"`

	// Path is the websocket endpoint path.
	Path string `yaml:"path"`

	// AdvertiseURL overrides the URL placed into the QR payload, for
	// deployments behind a reverse proxy.
	AdvertiseURL string `yaml:"advertise_url"`
}

// TimeoutsConfig overrides the protocol timing defaults, in milliseconds.
type TimeoutsConfig struct {
	ActiveMS int `yaml:"active_ms"`
	PausedMS int `yaml:"paused_ms"`
	LeewayMS int `yaml:"leeway_ms"`
}

// LoggingConfig selects log level, format, and source annotation.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address of the /metrics HTTP endpoint. Empty disables
	// metrics serving.
	Listen string `yaml:"listen"`
}

// Default returns a configuration with sane defaults.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:       "pico-service",
			KeyFile:    "service_key.pem",
			Continuous: true,
		},
		Rendezvous: RendezvousConfig{
			Listen: "127.0.0.1:8470",
			Path:   "/pico",
		},
		Timeouts: TimeoutsConfig{
			ActiveMS: 10000,
			PausedMS: 50000,
			LeewayMS: 5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to disk.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if c.Service.KeyFile == "" {
		return fmt.Errorf("service.key_file is required")
	}
	if c.Rendezvous.Listen == "" {
		return fmt.Errorf("rendezvous.listen is required")
	}
	if c.Timeouts.ActiveMS <= 0 || c.Timeouts.PausedMS <= 0 || c.Timeouts.LeewayMS < 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.Timeouts.PausedMS < c.Timeouts.ActiveMS {
		return fmt.Errorf("timeouts.paused_ms must not be shorter than timeouts.active_ms")
	}
	return nil
}

// ReauthTimeouts converts the configured values into protocol timeouts.
func (c *Config) ReauthTimeouts() reauth.Timeouts {
	return reauth.Timeouts{
		Active: time.Duration(c.Timeouts.ActiveMS) * time.Millisecond,
		Paused: time.Duration(c.Timeouts.PausedMS) * time.Millisecond,
		Leeway: time.Duration(c.Timeouts.LeewayMS) * time.Millisecond,
	}
}
