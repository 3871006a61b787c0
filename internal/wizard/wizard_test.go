package wizard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/picoauth/pico-go/internal/config"
	"github.com/picoauth/pico-go/internal/crypto"
)

func TestApply(t *testing.T) {
	dir := t.TempDir()

	res, err := Apply(Options{
		Dir:         dir,
		ServiceName: "front-door",
		Listen:      "127.0.0.1:9470",
		Continuous:  true,
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if !res.KeyGenerated {
		t.Error("expected a fresh identity key")
	}
	if _, err := crypto.LoadKeyPair(res.KeyPath); err != nil {
		t.Errorf("LoadKeyPair() error = %v", err)
	}

	cfg, err := config.Load(res.ConfigPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "front-door" {
		t.Errorf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.Rendezvous.Listen != "127.0.0.1:9470" {
		t.Errorf("Rendezvous.Listen = %q", cfg.Rendezvous.Listen)
	}
	if !cfg.Service.Continuous {
		t.Error("Continuous flag lost")
	}
}

func TestApplyKeepsExistingKey(t *testing.T) {
	dir := t.TempDir()

	key, _ := crypto.GenerateKeyPair()
	keyPath := filepath.Join(dir, "service_key.pem")
	if err := key.Store(keyPath); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	res, err := Apply(Options{Dir: dir, ServiceName: "svc", Listen: "127.0.0.1:1234"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.KeyGenerated {
		t.Error("existing key was replaced")
	}

	loaded, err := crypto.LoadKeyPair(res.KeyPath)
	if err != nil {
		t.Fatalf("LoadKeyPair() error = %v", err)
	}
	if !crypto.PublicKeysEqual(key.Public(), loaded.Public()) {
		t.Error("identity key changed")
	}
}

func TestApplyRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	if _, err := Apply(Options{Dir: dir, ServiceName: "", Listen: "127.0.0.1:1"}); err == nil {
		t.Error("Apply() accepted an empty service name")
	}
	if _, err := Apply(Options{Dir: dir, ServiceName: "svc", Listen: "no-port"}); err == nil {
		t.Error("Apply() accepted a bad listen address")
	}
	if _, err := Apply(Options{Dir: dir, ServiceName: "svc", Listen: "127.0.0.1:1", MetricsListen: "bad"}); err == nil {
		t.Error("Apply() accepted a bad metrics address")
	}
}

func TestValidateListen(t *testing.T) {
	if err := ValidateListen("0.0.0.0:8470"); err != nil {
		t.Errorf("ValidateListen(valid) error = %v", err)
	}
	for _, bad := range []string{"", "localhost", ":::", "127.0.0.1"} {
		if err := ValidateListen(bad); err == nil {
			t.Errorf("ValidateListen(%q) accepted an invalid address", bad)
		}
	}
}

func TestSummary(t *testing.T) {
	dir := t.TempDir()
	res, err := Apply(Options{Dir: dir, ServiceName: "svc", Listen: "127.0.0.1:1"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	out := res.Summary()
	if !strings.Contains(out, res.ConfigPath) {
		t.Errorf("Summary() missing config path: %q", out)
	}
	_ = os.Remove(res.ConfigPath)
}
