package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/picoauth/pico-go/internal/channel"
	"github.com/picoauth/pico-go/internal/crypto"
	"github.com/picoauth/pico-go/internal/fsm"
	"github.com/picoauth/pico-go/internal/logging"
	"github.com/picoauth/pico-go/internal/pairing"
	"github.com/picoauth/pico-go/internal/reauth"
)

// PicoOptions parameterizes a prover run.
type PicoOptions struct {
	// Payload is the scanned (and already verified) pairing payload.
	Payload *pairing.Payload

	// Identity is the pico's long-term key pair.
	Identity *crypto.KeyPair

	// ExtraData is attached to the PicoAuth message.
	ExtraData []byte

	// Timeouts override the protocol defaults. Zero values keep them.
	Timeouts reauth.Timeouts

	// OnStatus, if set, receives the handshake outcome status byte.
	OnStatus func(status int8)

	// Logger receives debug records. Nil discards them.
	Logger *slog.Logger
}

// RunPico authenticates against the service in the pairing payload and, if
// the service selects continuous mode, keeps the session alive until it
// ends or the context is cancelled. It returns nil when the machine ends in
// FIN and the last reported error otherwise.
func RunPico(ctx context.Context, opts PicoOptions) error {
	log := opts.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	log = log.With(logging.KeyComponent, "pico")

	serviceKey, err := opts.Payload.ServiceKey()
	if err != nil {
		return err
	}

	loop := newEventLoop(log)
	cb := &picoCallbacks{
		loop:     loop,
		log:      log,
		addr:     opts.Payload.ServiceAddress,
		onStatus: opts.OnStatus,
	}
	pm := fsm.NewProver(cb, fsm.ProverConfig{
		Identity:        opts.Identity,
		ServiceIdentity: serviceKey,
		ExtraData:       opts.ExtraData,
		Timeouts:        opts.Timeouts,
		Logger:          log,
	})
	cb.fsm = pm

	if err := pm.Start(); err != nil {
		return err
	}

	ch := channel.NewWebSocket(opts.Payload.ServiceAddress)
	if err := ch.Open(); err != nil {
		pm.Stop()
		return err
	}
	loop.attach(ch)

	loop.run(ctx, pm, func() bool {
		st := pm.State()
		return st == fsm.ProverFin || st == fsm.ProverError || st == fsm.ProverInvalid
	})

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if pm.State() == fsm.ProverError {
		if cb.lastErr != nil {
			return cb.lastErr
		}
		return fmt.Errorf("authentication failed")
	}
	return nil
}

// picoCallbacks implements fsm.ProverCallbacks on top of an eventLoop.
type picoCallbacks struct {
	fsm.NopProverCallbacks

	loop     *eventLoop
	log      *slog.Logger
	addr     string
	fsm      *fsm.ProverFSM
	onStatus func(status int8)

	lastErr error
}

func (c *picoCallbacks) Write(data []byte) error {
	if c.loop.ch == nil {
		return channel.ErrClosed
	}
	return c.loop.ch.Write(data)
}

func (c *picoCallbacks) SetTimeout(d time.Duration) {
	c.loop.setTimeout(d)
}

func (c *picoCallbacks) Disconnect() {
	c.loop.closeChannel()
}

func (c *picoCallbacks) Reconnect() {
	go func() {
		ch := channel.NewWebSocket(c.addr)
		if err := ch.Open(); err != nil {
			c.log.Warn("reconnect failed", logging.KeyError, err)
			// Report the dead channel so the machine can wind down.
			c.loop.events <- runnerEvent{kind: evDisconnected}
			return
		}
		c.loop.attach(ch)
	}()
}

func (c *picoCallbacks) Error(err error) {
	c.lastErr = err
	c.log.Warn("session error", logging.KeyError, err)
}

func (c *picoCallbacks) Authenticated(status int8) {
	c.log.Info("authentication status", logging.KeyStatus, status)
	if c.onStatus != nil {
		c.onStatus(status)
	}
}

func (c *picoCallbacks) SessionEnded() {
	c.log.Info("continuous session ended")
}

func (c *picoCallbacks) StatusUpdate(state fsm.ProverState) {
	c.log.Debug("state", logging.KeyState, state.String())
}
