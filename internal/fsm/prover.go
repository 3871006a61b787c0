package fsm

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"time"

	"github.com/picoauth/pico-go/internal/crypto"
	"github.com/picoauth/pico-go/internal/logging"
	"github.com/picoauth/pico-go/internal/message"
	"github.com/picoauth/pico-go/internal/reauth"
	"github.com/picoauth/pico-go/internal/sequence"
	"github.com/picoauth/pico-go/internal/sigma"
)

// ProverState is the state of the prover machine.
type ProverState int8

const (
	ProverInvalid ProverState = iota
	ProverStart
	ProverServiceAuth
	ProverPicoAuth
	ProverStatus
	ProverAuthenticated
	ProverContStartPico
	ProverContStartService
	ProverPicoReauth
	ProverServiceReauth
	ProverFin
	ProverError
)

// String returns the string representation of the state.
func (s ProverState) String() string {
	switch s {
	case ProverInvalid:
		return "INVALID"
	case ProverStart:
		return "START"
	case ProverServiceAuth:
		return "SERVICEAUTH"
	case ProverPicoAuth:
		return "PICOAUTH"
	case ProverStatus:
		return "STATUS"
	case ProverAuthenticated:
		return "AUTHENTICATED"
	case ProverContStartPico:
		return "CONTSTARTPICO"
	case ProverContStartService:
		return "CONTSTARTSERVICE"
	case ProverPicoReauth:
		return "PICOREAUTH"
	case ProverServiceReauth:
		return "SERVICEREAUTH"
	case ProverFin:
		return "FIN"
	case ProverError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ProverConfig parameterizes a prover machine.
type ProverConfig struct {
	// Identity is the pico's long-term key pair. Referenced, not owned.
	Identity *crypto.KeyPair

	// ServiceIdentity is the service public key from the QR payload; the
	// handshake fails if the responding service presents a different one.
	ServiceIdentity *ecdsa.PublicKey

	// ExtraData is attached to the PicoAuth message.
	ExtraData []byte

	// Timeouts are the reauthentication timing parameters. Zero values are
	// replaced by the protocol defaults.
	Timeouts reauth.Timeouts

	// Logger receives per-transition debug records. Nil discards them.
	Logger *slog.Logger
}

// ProverFSM is the prover-side protocol machine. It is single-threaded: the
// embedder must deliver events from one goroutine at a time.
type ProverFSM struct {
	cb  ProverCallbacks
	cfg ProverConfig
	log *slog.Logger

	state       ProverState
	ctx         *sigma.SharedContext
	statusExtra []byte

	// Continuous phase.
	key            []byte
	sessionID      uint32
	picoSeq        sequence.Number
	serviceSeq     sequence.Number
	reauthState    reauth.State
	currentTimeout time.Duration
}

// NewProver creates a prover machine wired to the given callbacks.
func NewProver(cb ProverCallbacks, cfg ProverConfig) *ProverFSM {
	if cfg.Timeouts == (reauth.Timeouts{}) {
		cfg.Timeouts = reauth.DefaultTimeouts()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &ProverFSM{
		cb:    cb,
		cfg:   cfg,
		log:   cfg.Logger.With(logging.KeyComponent, "fsm", logging.KeyRole, "prover"),
		state: ProverInvalid,
	}
}

// State returns the machine's current state.
func (f *ProverFSM) State() ProverState {
	return f.state
}

// StatusExtra returns the extra data the service attached to its Status
// message.
func (f *ProverFSM) StatusExtra() []byte {
	return f.statusExtra
}

// Start readies the machine for connecting to the rendezvous point.
func (f *ProverFSM) Start() error {
	if f.state != ProverInvalid {
		return fmt.Errorf("prover already started in state %s", f.state)
	}
	ctx, err := sigma.NewProverContext(f.cfg.Identity, f.cfg.ServiceIdentity)
	if err != nil {
		return err
	}
	f.ctx = ctx
	f.setState(ProverStart)
	return nil
}

// Stop resets the machine to INVALID unconditionally.
func (f *ProverFSM) Stop() {
	if f.ctx != nil {
		f.ctx.Clear()
		f.ctx = nil
	}
	crypto.ZeroBytes(f.key)
	f.key = nil
	f.picoSeq = sequence.Zero
	f.serviceSeq = sequence.Zero
	f.setState(ProverInvalid)
}

func (f *ProverFSM) setState(s ProverState) {
	f.state = s
	f.log.Debug("transition", logging.KeyState, s.String())
	f.cb.StatusUpdate(s)
}

func (f *ProverFSM) fail(err error) {
	if f.state == ProverError {
		return
	}
	f.log.Debug("protocol failure", logging.KeyError, err, logging.KeyState, f.state.String())
	f.setState(ProverError)
	f.cb.Error(err)
}

func (f *ProverFSM) terminal() bool {
	return f.state == ProverFin || f.state == ProverError
}

// OnConnected handles the rendezvous channel coming up.
func (f *ProverFSM) OnConnected() {
	switch f.state {
	case ProverStart:
		m, err := f.ctx.BuildStart()
		if err != nil {
			f.fail(err)
			return
		}
		out, err := m.Serialize()
		if err != nil {
			f.fail(err)
			return
		}
		if err := f.cb.Write(out); err != nil {
			f.fail(fmt.Errorf("write start: %w", err))
			return
		}
		f.setState(ProverServiceAuth)

	case ProverContStartPico:
		// Reconnected for the continuous phase: fresh counter, immediate
		// opening PicoReauth.
		seq, err := sequence.Random()
		if err != nil {
			f.fail(err)
			return
		}
		f.picoSeq = seq
		f.reauthState = reauth.Continue
		if !f.writePicoReauth() {
			return
		}
		f.setState(ProverContStartService)

	default:
		if !f.terminal() {
			f.fail(fmt.Errorf("%w: connected in %s", ErrUnexpectedEvent, f.state))
		}
	}
}

// OnRead handles one whole message arriving on the channel.
func (f *ProverFSM) OnRead(data []byte) {
	switch f.state {
	case ProverServiceAuth:
		f.handleServiceAuth(data)
	case ProverStatus:
		f.handleStatus(data)
	case ProverContStartService, ProverServiceReauth:
		f.handleServiceReauth(data)
	default:
		if !f.terminal() {
			f.fail(fmt.Errorf("%w: read in %s", ErrUnexpectedEvent, f.state))
		}
	}
}

// OnTimeout handles the pending timer firing.
func (f *ProverFSM) OnTimeout() {
	switch f.state {
	case ProverContStartPico:
		f.cb.Reconnect()

	case ProverPicoReauth:
		if !f.writePicoReauth() {
			return
		}
		f.setState(ProverServiceReauth)

	default:
		if !f.terminal() {
			f.fail(fmt.Errorf("%w: timeout in %s", ErrUnexpectedEvent, f.state))
		}
	}
}

// OnDisconnected handles the channel going down.
func (f *ProverFSM) OnDisconnected() {
	switch f.state {
	case ProverAuthenticated:
		f.setState(ProverContStartPico)
		f.cb.SetTimeout(ReconnectDelay)

	case ProverContStartPico, ProverContStartService, ProverPicoReauth, ProverServiceReauth:
		f.setState(ProverFin)
		f.cb.SessionEnded()

	default:
		if !f.terminal() {
			f.fail(fmt.Errorf("%w: disconnected in %s", ErrUnexpectedEvent, f.state))
		}
	}
}

func (f *ProverFSM) handleServiceAuth(data []byte) {
	m, err := message.DeserializeServiceAuth(data)
	if err != nil {
		f.fail(err)
		return
	}
	if err := f.ctx.HandleServiceAuth(m); err != nil {
		f.fail(err)
		return
	}

	pa, err := f.ctx.BuildPicoAuth(f.cfg.ExtraData)
	if err != nil {
		f.fail(err)
		return
	}
	out, err := pa.Serialize()
	if err != nil {
		f.fail(err)
		return
	}

	f.setState(ProverPicoAuth)
	if err := f.cb.Write(out); err != nil {
		f.fail(fmt.Errorf("write picoAuth: %w", err))
		return
	}
	f.setState(ProverStatus)
}

func (f *ProverFSM) handleStatus(data []byte) {
	m, err := message.DeserializeStatus(data)
	if err != nil {
		f.fail(err)
		return
	}
	status, extra, err := f.ctx.HandleStatus(m)
	if err != nil {
		f.fail(err)
		return
	}
	f.statusExtra = extra

	f.cb.Authenticated(status)
	f.cb.Disconnect()

	switch status {
	case message.StatusOKDone:
		f.setState(ProverFin)
	case message.StatusOKContinue:
		f.key = f.ctx.SessionKey()
		f.sessionID = f.ctx.SessionID()
		f.setState(ProverAuthenticated)
	default:
		f.fail(fmt.Errorf("service rejected authentication with status %d", status))
	}
}

func (f *ProverFSM) handleServiceReauth(data []byte) {
	m, err := message.DeserializeServiceReauth(data)
	if err != nil {
		f.fail(err)
		return
	}
	if m.SessionID != f.sessionID {
		f.fail(fmt.Errorf("serviceReauth session id %d, expected %d", m.SessionID, f.sessionID))
		return
	}
	inner, err := m.Open(f.key)
	if err != nil {
		f.fail(err)
		return
	}

	if f.state == ProverContStartService {
		// First exchange: the received counter seeds the expectation.
		f.serviceSeq = inner.Sequence
	} else if !f.serviceSeq.Equal(inner.Sequence) {
		f.fail(fmt.Errorf("serviceReauth sequence mismatch"))
		return
	}
	f.serviceSeq.Increment()

	next := reauth.Transition(f.reauthState, inner.State)
	if next == reauth.Error {
		f.fail(fmt.Errorf("illegal reauth transition %s -> %s", f.reauthState, inner.State))
		return
	}
	f.reauthState = next
	f.currentTimeout = time.Duration(inner.TimeoutMS) * time.Millisecond

	if next == reauth.Stop {
		f.setState(ProverFin)
		f.cb.SessionEnded()
		return
	}

	f.setState(ProverPicoReauth)
	wait := f.currentTimeout - ContAuthLeeway
	if wait < 0 {
		wait = 0
	}
	f.cb.SetTimeout(wait)
}

// writePicoReauth seals and sends the prover's half of the ping-pong,
// advancing the counter on success. Reports whether the write succeeded.
func (f *ProverFSM) writePicoReauth() bool {
	inner := &message.PicoReauthInner{
		State:    f.reauthState,
		Sequence: f.picoSeq,
	}
	m, err := message.SealPicoReauth(f.sessionID, inner, f.key)
	if err != nil {
		f.fail(err)
		return false
	}
	out, err := m.Serialize()
	if err != nil {
		f.fail(err)
		return false
	}
	if err := f.cb.Write(out); err != nil {
		f.fail(fmt.Errorf("write picoReauth: %w", err))
		return false
	}
	f.picoSeq.Increment()
	return true
}
