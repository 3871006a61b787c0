// Package wizard provides the interactive first-run setup for a pico-go
// service: it collects the service parameters, generates the identity key,
// and writes the configuration file.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/picoauth/pico-go/internal/config"
	"github.com/picoauth/pico-go/internal/crypto"
)

// Options are the collected answers; Apply turns them into files.
type Options struct {
	// Dir is the directory receiving the config and key files.
	Dir string

	// ServiceName is the name shown in the pairing QR.
	ServiceName string

	// Listen is the rendezvous listen address.
	Listen string

	// Continuous selects continuous-authentication sessions.
	Continuous bool

	// MetricsListen enables the Prometheus endpoint when non-empty.
	MetricsListen string
}

// Result reports what the wizard wrote.
type Result struct {
	Config       *config.Config
	ConfigPath   string
	KeyPath      string
	KeyGenerated bool
}

// Run collects the options interactively and applies them.
func Run(dir string) (*Result, error) {
	opts := Options{
		Dir:         dir,
		ServiceName: "pico-service",
		Listen:      "127.0.0.1:8470",
		Continuous:  true,
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Service name").
				Description("Shown to the Pico during pairing").
				Value(&opts.ServiceName).
				Validate(validateName),
			huh.NewInput().
				Title("Rendezvous listen address").
				Description("host:port the service binds").
				Value(&opts.Listen).
				Validate(ValidateListen),
			huh.NewConfirm().
				Title("Continuous authentication?").
				Description("Keep sessions alive with periodic reauthentication").
				Value(&opts.Continuous),
			huh.NewInput().
				Title("Metrics address (optional)").
				Description("host:port for Prometheus /metrics, empty to disable").
				Value(&opts.MetricsListen),
		),
	)
	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("setup cancelled: %w", err)
	}

	return Apply(opts)
}

// Apply writes the configuration and key files for the given options.
func Apply(opts Options) (*Result, error) {
	if err := validateName(opts.ServiceName); err != nil {
		return nil, err
	}
	if err := ValidateListen(opts.Listen); err != nil {
		return nil, err
	}
	if opts.MetricsListen != "" {
		if err := ValidateListen(opts.MetricsListen); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	cfg := config.Default()
	cfg.Service.Name = opts.ServiceName
	cfg.Service.Continuous = opts.Continuous
	cfg.Service.KeyFile = filepath.Join(opts.Dir, "service_key.pem")
	cfg.Rendezvous.Listen = opts.Listen
	cfg.Metrics.Listen = opts.MetricsListen

	res := &Result{
		Config:     cfg,
		ConfigPath: filepath.Join(opts.Dir, "config.yaml"),
		KeyPath:    cfg.Service.KeyFile,
	}

	if _, err := os.Stat(res.KeyPath); os.IsNotExist(err) {
		key, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		if err := key.Store(res.KeyPath); err != nil {
			return nil, err
		}
		res.KeyGenerated = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Save(res.ConfigPath); err != nil {
		return nil, err
	}
	return res, nil
}

var (
	summaryTitle = lipgloss.NewStyle().Bold(true)
	summaryKey   = lipgloss.NewStyle().Faint(true)
)

// Summary renders a styled recap of what was written.
func (r *Result) Summary() string {
	var b strings.Builder
	b.WriteString(summaryTitle.Render("Service configured"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s\n", summaryKey.Render("config:"), r.ConfigPath)
	fmt.Fprintf(&b, "%s %s", summaryKey.Render("identity:"), r.KeyPath)
	if r.KeyGenerated {
		b.WriteString(" (new)")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s\n", summaryKey.Render("rendezvous:"), r.Config.Rendezvous.Listen)
	return b.String()
}

func validateName(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("service name must not be empty")
	}
	return nil
}

// ValidateListen checks a host:port listen address.
func ValidateListen(s string) error {
	if s == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid listen address: %v", err)
	}
	return nil
}
