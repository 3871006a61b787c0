// Package service composes the protocol engine into runnable endpoints:
// the verifier daemon serving a rendezvous point behind a pairing QR, and
// the prover client authenticating against one. Each session runs the
// event-driven state machine on a dedicated event loop implementing the
// FSM's I/O and timer contract.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/picoauth/pico-go/internal/channel"
	"github.com/picoauth/pico-go/internal/config"
	"github.com/picoauth/pico-go/internal/crypto"
	"github.com/picoauth/pico-go/internal/fsm"
	"github.com/picoauth/pico-go/internal/logging"
	"github.com/picoauth/pico-go/internal/metrics"
	"github.com/picoauth/pico-go/internal/pairing"
	"github.com/picoauth/pico-go/internal/users"
)

// ErrAborted is returned when the QR callback declines to display the
// pairing payload.
var ErrAborted = errors.New("pairing aborted by QR callback")

// pairingBurst bounds how many handshakes may start back to back before
// the rate limiter applies.
const pairingBurst = 4

// Service is the verifier daemon.
type Service struct {
	cfg     *config.Config
	log     *slog.Logger
	key     *crypto.KeyPair
	dir     users.Directory
	limiter *rate.Limiter
	metrics *metrics.Metrics
}

// New loads the service identity and users directory from the
// configuration.
func New(cfg *config.Config, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = logging.NopLogger()
	}

	key, err := crypto.LoadKeyPair(cfg.Service.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load service identity: %w", err)
	}

	var dir users.Directory
	if cfg.Service.UsersFile != "" {
		d, err := users.LoadFile(cfg.Service.UsersFile)
		if err != nil {
			return nil, err
		}
		dir = d
	}

	return &Service{
		cfg:     cfg,
		log:     log.With(logging.KeyComponent, "service"),
		key:     key,
		dir:     dir,
		limiter: rate.NewLimiter(rate.Every(time.Second), pairingBurst),
		metrics: metrics.Default(),
	}, nil
}

// Run serves the rendezvous point until the context is cancelled. The QR
// callback receives the serialized pairing payload once, before any
// network activity; returning false aborts.
func (s *Service) Run(ctx context.Context, qr pairing.QRCallback) error {
	resp, err := channel.NewResponder(s.cfg.Rendezvous.Listen, s.cfg.Rendezvous.Path)
	if err != nil {
		return err
	}
	defer resp.Close()

	url := s.cfg.Rendezvous.AdvertiseURL
	if url == "" {
		url = resp.URL()
	}

	payload, err := pairing.NewKeyPairing(s.cfg.Service.Name, url, s.key, nil)
	if err != nil {
		return err
	}
	s.metrics.PairingsGenerated.Inc()

	if qr != nil {
		text, err := payload.Serialize()
		if err != nil {
			return err
		}
		if !qr(string(text)) {
			return ErrAborted
		}
	}

	if s.cfg.Metrics.Listen != "" {
		go s.serveMetrics(ctx)
	}

	s.log.Info("rendezvous point up", logging.KeyURL, url)

	for {
		ch, err := resp.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !s.limiter.Allow() {
			s.log.Warn("pairing attempt rate limited", logging.KeyRemoteAddr, ch.URL())
			ch.Close()
			continue
		}
		s.runSession(ctx, ch, resp)
	}
}

func (s *Service) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: s.cfg.Metrics.Listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("metrics endpoint failed", logging.KeyError, err)
	}
}

// runSession drives one verifier machine from handshake to completion,
// including continuous-phase reconnects on the same rendezvous point.
func (s *Service) runSession(ctx context.Context, ch channel.Channel, resp *channel.Responder) {
	start := time.Now()
	s.metrics.HandshakesStarted.Inc()

	// The session context cancels the continuous-phase Accept when the
	// machine winds down, so an abandoned Listen cannot swallow the next
	// prover's connection.
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	loop := newEventLoop(s.log)
	cb := &serviceCallbacks{svc: s, loop: loop, resp: resp, ctx: sessionCtx, started: start}
	vm := fsm.NewVerifier(cb, fsm.VerifierConfig{
		Identity:   s.key,
		Users:      s.dir,
		Continuous: s.cfg.Service.Continuous,
		Timeouts:   s.cfg.ReauthTimeouts(),
		Logger:     s.log,
	})
	cb.fsm = vm

	if err := vm.Start(); err != nil {
		s.log.Error("session start failed", logging.KeyError, err)
		ch.Close()
		return
	}

	loop.attach(ch)
	loop.run(ctx, vm, func() bool {
		st := vm.State()
		return st == fsm.VerifierFin || st == fsm.VerifierError || st == fsm.VerifierInvalid
	})

	if cb.sessionOpen {
		s.metrics.SessionsActive.Dec()
	}
	s.log.Info("session finished",
		logging.KeyState, vm.State().String(),
		logging.KeyUser, vm.User(),
		logging.KeyDuration, time.Since(start))
}

// serviceCallbacks implements fsm.VerifierCallbacks on top of an eventLoop
// and the shared rendezvous responder.
type serviceCallbacks struct {
	fsm.NopVerifierCallbacks

	svc     *Service
	loop    *eventLoop
	resp    *channel.Responder
	ctx     context.Context
	fsm     *fsm.VerifierFSM
	started time.Time

	sessionOpen bool
	cycles      int
}

func (c *serviceCallbacks) Write(data []byte) error {
	if c.loop.ch == nil {
		return channel.ErrClosed
	}
	return c.loop.ch.Write(data)
}

func (c *serviceCallbacks) SetTimeout(d time.Duration) {
	c.loop.setTimeout(d)
}

func (c *serviceCallbacks) Disconnect() {
	c.loop.closeChannel()
}

func (c *serviceCallbacks) Listen() {
	// Wait for the prover's continuous-phase reconnect on the shared
	// rendezvous point. The FSM's own timeout bounds the wait; the session
	// context cancels the accept when the machine winds down first.
	go func() {
		ch, err := c.resp.Accept(c.ctx)
		if err != nil {
			return
		}
		c.loop.attach(ch)
	}()
}

func (c *serviceCallbacks) Error(err error) {
	c.svc.metrics.HandshakeFailures.WithLabelValues(metrics.ReasonCrypto).Inc()
	c.svc.log.Warn("session error", logging.KeyError, err)
}

func (c *serviceCallbacks) Authenticated(status int8) {
	c.svc.metrics.HandshakeDuration.Observe(time.Since(c.started).Seconds())
	if status >= 0 {
		c.svc.metrics.HandshakesAccepted.Inc()
		c.svc.log.Info("prover authenticated",
			logging.KeyStatus, status,
			logging.KeyUser, c.fsm.User())
	} else {
		c.svc.metrics.HandshakesRejected.Inc()
		c.svc.log.Warn("prover rejected", logging.KeyStatus, status)
	}
}

func (c *serviceCallbacks) SessionEnded() {
	c.svc.log.Info("continuous session ended", logging.KeyCycles, c.cycles)
}

func (c *serviceCallbacks) StatusUpdate(state fsm.VerifierState) {
	switch state {
	case fsm.VerifierContStartService:
		c.sessionOpen = true
		c.svc.metrics.SessionsActive.Inc()
	case fsm.VerifierPicoReauth:
		c.cycles++
		c.svc.metrics.ReauthCycles.Inc()
	}
}
