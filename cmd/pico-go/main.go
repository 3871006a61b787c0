// Package main provides the CLI entry point for the pico-go authentication
// service and client.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/picoauth/pico-go/internal/config"
	"github.com/picoauth/pico-go/internal/crypto"
	"github.com/picoauth/pico-go/internal/logging"
	"github.com/picoauth/pico-go/internal/pairing"
	"github.com/picoauth/pico-go/internal/service"
	"github.com/picoauth/pico-go/internal/wizard"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "pico-go",
		Short: "Pico authentication protocol service and client",
		Long: `pico-go runs the Pico challenge-response authentication protocol:
a service publishes a pairing QR code and verifies provers over a
rendezvous channel, optionally keeping sessions alive with continuous
authentication.`,
		Version: Version,
	}

	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(pairCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run setup",
		Long:  "Walks through the service configuration and generates the identity key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := wizard.Run(dir)
			if err != nil {
				return err
			}
			fmt.Println(res.Summary())
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "directory for config and key files")
	return cmd
}

func keygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an identity key pair",
		Long:  "Generates a P-256 identity key and writes it as PEM, printing the public half.",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := key.Store(out); err != nil {
				return err
			}
			pub, err := key.PublicPEM()
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n%s", out, pub)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "identity.pem", "output key file")
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		noQR       bool
		continuous bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the verifier service",
		Long:  "Serves the rendezvous point, prints the pairing QR code, and verifies provers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("continuous") {
				cfg.Service.Continuous = continuous
			}
			log, err := logging.NewStderr(logging.Options{
				Level:     cfg.Logging.Level,
				Format:    cfg.Logging.Format,
				AddSource: cfg.Logging.AddSource,
			})
			if err != nil {
				return err
			}

			svc, err := service.New(cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			started := time.Now()
			err = svc.Run(ctx, func(text string) bool {
				if noQR {
					fmt.Println(text)
					return true
				}
				p, perr := pairing.Deserialize([]byte(text))
				if perr != nil {
					return false
				}
				qr, perr := p.RenderTerminal()
				if perr != nil {
					return false
				}
				fmt.Printf("Scan to pair with %q:\n%s\n", cfg.Service.Name, qr)
				return true
			})
			if err != nil {
				return err
			}

			fmt.Printf("Service stopped after %s\n", humanize.RelTime(started, time.Now(), "", ""))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "configuration file")
	cmd.Flags().BoolVar(&noQR, "no-qr", false, "print the raw pairing JSON instead of a QR code")
	cmd.Flags().BoolVar(&continuous, "continuous", false, "keep sessions alive with continuous authentication (overrides the config)")
	return cmd
}

func pairCmd() *cobra.Command {
	var (
		keyPath   string
		extraData string
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "pair [payload-file]",
		Short: "Authenticate against a service",
		Long: `Reads a pairing payload (the QR JSON) from a file or stdin, runs the
handshake, and stays in continuous authentication if the service
requests it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			var err error
			if len(args) == 1 {
				raw, err = os.ReadFile(args[0])
			} else {
				raw, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return fmt.Errorf("read pairing payload: %w", err)
			}

			payload, err := pairing.Deserialize(raw)
			if err != nil {
				return err
			}

			key, err := crypto.LoadKeyPair(keyPath)
			if err != nil {
				return err
			}

			log, err := logging.NewStderr(logging.Options{Level: logLevel})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			started := time.Now()
			var extra []byte
			if extraData != "" {
				extra = []byte(extraData)
			}

			err = service.RunPico(ctx, service.PicoOptions{
				Payload:   payload,
				Identity:  key,
				ExtraData: extra,
				Logger:    log,
				OnStatus: func(status int8) {
					fmt.Printf("Authentication status: %d\n", status)
				},
			})
			if err != nil {
				return err
			}

			fmt.Printf("Session ended after %s\n", humanize.RelTime(started, time.Now(), "", ""))
			return nil
		},
	}

	cmd.Flags().StringVarP(&keyPath, "key", "k", "identity.pem", "pico identity key file")
	cmd.Flags().StringVarP(&extraData, "extra", "e", "", "extra data to attach to PicoAuth")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}
