package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Service.Name = "test-service"
	cfg.Service.UsersFile = "users.yaml"
	cfg.Rendezvous.Listen = "0.0.0.0:9000"
	cfg.Timeouts.ActiveMS = 2000
	cfg.Timeouts.PausedMS = 8000

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Service.Name != "test-service" {
		t.Errorf("Service.Name = %q, want test-service", got.Service.Name)
	}
	if got.Rendezvous.Listen != "0.0.0.0:9000" {
		t.Errorf("Rendezvous.Listen = %q", got.Rendezvous.Listen)
	}
	if got.Timeouts.ActiveMS != 2000 {
		t.Errorf("Timeouts.ActiveMS = %d, want 2000", got.Timeouts.ActiveMS)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "service:\n  name: minimal\n  key_file: key.pem\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Rendezvous.Listen != "127.0.0.1:8470" {
		t.Errorf("default listen = %q", cfg.Rendezvous.Listen)
	}
	if cfg.Timeouts.ActiveMS != 10000 {
		t.Errorf("default active_ms = %d", cfg.Timeouts.ActiveMS)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Service.Name = "" }},
		{"empty key file", func(c *Config) { c.Service.KeyFile = "" }},
		{"empty listen", func(c *Config) { c.Rendezvous.Listen = "" }},
		{"zero active", func(c *Config) { c.Timeouts.ActiveMS = 0 }},
		{"paused below active", func(c *Config) { c.Timeouts.PausedMS = c.Timeouts.ActiveMS - 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted an invalid config")
			}
		})
	}
}

func TestReauthTimeouts(t *testing.T) {
	cfg := Default()
	cfg.Timeouts.ActiveMS = 1500
	cfg.Timeouts.PausedMS = 6000
	cfg.Timeouts.LeewayMS = 300

	to := cfg.ReauthTimeouts()
	if to.Active != 1500*time.Millisecond {
		t.Errorf("Active = %v", to.Active)
	}
	if to.Paused != 6*time.Second {
		t.Errorf("Paused = %v", to.Paused)
	}
	if to.Leeway != 300*time.Millisecond {
		t.Errorf("Leeway = %v", to.Leeway)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}
