package fsm

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/picoauth/pico-go/internal/crypto"
	"github.com/picoauth/pico-go/internal/logging"
	"github.com/picoauth/pico-go/internal/message"
	"github.com/picoauth/pico-go/internal/reauth"
	"github.com/picoauth/pico-go/internal/sequence"
	"github.com/picoauth/pico-go/internal/sigma"
	"github.com/picoauth/pico-go/internal/users"
)

// VerifierState is the state of the verifier machine.
type VerifierState int8

const (
	VerifierInvalid VerifierState = iota
	VerifierConnect
	VerifierStart
	VerifierServiceAuth
	VerifierPicoAuth
	VerifierStatus
	VerifierAuthenticated
	VerifierAuthFailed
	VerifierContStartService
	VerifierContStartPico
	VerifierPicoReauth
	VerifierServiceReauth
	VerifierFin
	VerifierError
)

// String returns the string representation of the state.
func (s VerifierState) String() string {
	switch s {
	case VerifierInvalid:
		return "INVALID"
	case VerifierConnect:
		return "CONNECT"
	case VerifierStart:
		return "START"
	case VerifierServiceAuth:
		return "SERVICEAUTH"
	case VerifierPicoAuth:
		return "PICOAUTH"
	case VerifierStatus:
		return "STATUS"
	case VerifierAuthenticated:
		return "AUTHENTICATED"
	case VerifierAuthFailed:
		return "AUTHFAILED"
	case VerifierContStartService:
		return "CONTSTARTSERVICE"
	case VerifierContStartPico:
		return "CONTSTARTPICO"
	case VerifierPicoReauth:
		return "PICOREAUTH"
	case VerifierServiceReauth:
		return "SERVICEREAUTH"
	case VerifierFin:
		return "FIN"
	case VerifierError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ErrUnexpectedEvent is reported when an event arrives that the current
// state has no transition for.
var ErrUnexpectedEvent = errors.New("unexpected event for current state")

// VerifierConfig parameterizes a verifier machine.
type VerifierConfig struct {
	// Identity is the service's long-term key pair. Referenced, not owned.
	Identity *crypto.KeyPair

	// Users authorizes provers by identity key. Nil accepts all.
	Users users.Directory

	// Continuous selects OK_CONTINUE sessions that promote into the
	// reauthentication phase.
	Continuous bool

	// ExtraData is attached to the Status message.
	ExtraData []byte

	// Timeouts are the reauthentication timing parameters. Zero values are
	// replaced by the protocol defaults.
	Timeouts reauth.Timeouts

	// Logger receives per-transition debug records. Nil discards them.
	Logger *slog.Logger
}

// VerifierFSM is the verifier-side protocol machine. It is single-threaded:
// the embedder must deliver events from one goroutine at a time.
type VerifierFSM struct {
	cb  VerifierCallbacks
	cfg VerifierConfig
	log *slog.Logger

	state VerifierState
	ctx   *sigma.SharedContext
	user  string

	// Continuous phase.
	key            []byte
	sessionID      uint32
	picoSeq        sequence.Number
	serviceSeq     sequence.Number
	reauthState    reauth.State
	currentTimeout time.Duration
}

// NewVerifier creates a verifier machine wired to the given callbacks.
func NewVerifier(cb VerifierCallbacks, cfg VerifierConfig) *VerifierFSM {
	if cfg.Timeouts == (reauth.Timeouts{}) {
		cfg.Timeouts = reauth.DefaultTimeouts()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &VerifierFSM{
		cb:    cb,
		cfg:   cfg,
		log:   cfg.Logger.With(logging.KeyComponent, "fsm", logging.KeyRole, "verifier"),
		state: VerifierInvalid,
	}
}

// State returns the machine's current state.
func (f *VerifierFSM) State() VerifierState {
	return f.state
}

// User returns the username the authenticated prover resolved to, if the
// directory supplied one.
func (f *VerifierFSM) User() string {
	return f.user
}

// Start readies the machine for an incoming prover connection.
func (f *VerifierFSM) Start() error {
	if f.state != VerifierInvalid {
		return fmt.Errorf("verifier already started in state %s", f.state)
	}
	ctx, err := sigma.NewVerifierContext(f.cfg.Identity)
	if err != nil {
		return err
	}
	f.ctx = ctx
	f.setState(VerifierConnect)
	return nil
}

// Stop aborts the session: mid-handshake the prover is rejected, mid-reauth
// the session ends. The machine resets to INVALID either way.
func (f *VerifierFSM) Stop() {
	switch f.state {
	case VerifierConnect, VerifierStart, VerifierServiceAuth, VerifierPicoAuth, VerifierStatus, VerifierAuthenticated:
		f.setState(VerifierAuthFailed)
		f.cb.Authenticated(message.StatusRejected)
	case VerifierContStartService, VerifierContStartPico, VerifierPicoReauth, VerifierServiceReauth:
		f.setState(VerifierFin)
		f.cb.SessionEnded()
	}
	f.reset()
}

func (f *VerifierFSM) reset() {
	if f.ctx != nil {
		f.ctx.Clear()
		f.ctx = nil
	}
	crypto.ZeroBytes(f.key)
	f.key = nil
	f.picoSeq = sequence.Zero
	f.serviceSeq = sequence.Zero
	f.setState(VerifierInvalid)
}

func (f *VerifierFSM) setState(s VerifierState) {
	f.state = s
	f.log.Debug("transition", logging.KeyState, s.String())
	f.cb.StatusUpdate(s)
}

// fail moves the machine to ERROR and reports the cause. ERROR is terminal.
func (f *VerifierFSM) fail(err error) {
	if f.state == VerifierError {
		return
	}
	f.log.Debug("protocol failure", logging.KeyError, err, logging.KeyState, f.state.String())
	f.setState(VerifierError)
	f.cb.Error(err)
}

func (f *VerifierFSM) terminal() bool {
	return f.state == VerifierFin || f.state == VerifierError
}

// OnConnected handles the prover (re)establishing the channel.
func (f *VerifierFSM) OnConnected() {
	switch f.state {
	case VerifierConnect:
		f.setState(VerifierStart)
		f.cb.SetTimeout(AuthTimeLimit)

	case VerifierContStartService:
		// The prover reconnected for the continuous phase.
		seq, err := sequence.Random()
		if err != nil {
			f.fail(err)
			return
		}
		f.serviceSeq = seq
		f.setState(VerifierContStartPico)
		f.cb.SetTimeout(f.currentTimeout + f.cfg.Timeouts.Leeway)

	default:
		if !f.terminal() {
			f.fail(fmt.Errorf("%w: connected in %s", ErrUnexpectedEvent, f.state))
		}
	}
}

// OnRead handles one whole message arriving on the channel.
func (f *VerifierFSM) OnRead(data []byte) {
	switch f.state {
	case VerifierStart:
		f.handleStart(data)
	case VerifierPicoAuth:
		f.handlePicoAuth(data)
	case VerifierContStartPico, VerifierPicoReauth:
		f.handlePicoReauth(data)
	default:
		if !f.terminal() {
			f.fail(fmt.Errorf("%w: read in %s", ErrUnexpectedEvent, f.state))
		}
	}
}

// OnTimeout handles the pending timer firing.
func (f *VerifierFSM) OnTimeout() {
	switch f.state {
	case VerifierStart, VerifierServiceAuth, VerifierPicoAuth, VerifierStatus:
		f.fail(fmt.Errorf("handshake exceeded %v time limit", AuthTimeLimit))

	case VerifierContStartService, VerifierContStartPico:
		// The prover never came back.
		f.setState(VerifierFin)
		f.cb.SessionEnded()

	case VerifierServiceReauth:
		f.writeServiceReauth()

	default:
		if !f.terminal() {
			f.fail(fmt.Errorf("%w: timeout in %s", ErrUnexpectedEvent, f.state))
		}
	}
}

// OnDisconnected handles the channel going down.
func (f *VerifierFSM) OnDisconnected() {
	switch f.state {
	case VerifierAuthenticated:
		if f.cfg.Continuous {
			f.cb.Authenticated(message.StatusOKContinue)
			f.reauthState = reauth.Continue
			f.currentTimeout = f.cfg.Timeouts.For(reauth.Continue)
			f.setState(VerifierContStartService)
			f.cb.Listen()
			f.cb.SetTimeout(ReconnectDelay + f.currentTimeout)
		} else {
			f.cb.Authenticated(message.StatusOKDone)
			f.setState(VerifierFin)
		}

	case VerifierAuthFailed:
		f.cb.Authenticated(message.StatusRejected)
		f.setState(VerifierFin)

	case VerifierContStartService, VerifierContStartPico, VerifierPicoReauth, VerifierServiceReauth:
		f.setState(VerifierFin)
		f.cb.SessionEnded()

	default:
		if !f.terminal() {
			f.fail(fmt.Errorf("%w: disconnected in %s", ErrUnexpectedEvent, f.state))
		}
	}
}

func (f *VerifierFSM) handleStart(data []byte) {
	m, err := message.DeserializeStart(data)
	if err != nil {
		f.fail(err)
		return
	}
	if err := f.ctx.HandleStart(m); err != nil {
		f.fail(err)
		return
	}

	sa, err := f.ctx.BuildServiceAuth()
	if err != nil {
		f.fail(err)
		return
	}
	out, err := sa.Serialize()
	if err != nil {
		f.fail(err)
		return
	}

	f.setState(VerifierServiceAuth)
	if err := f.cb.Write(out); err != nil {
		f.fail(fmt.Errorf("write serviceAuth: %w", err))
		return
	}
	f.setState(VerifierPicoAuth)
}

func (f *VerifierFSM) handlePicoAuth(data []byte) {
	m, err := message.DeserializePicoAuth(data)
	if err != nil {
		f.fail(err)
		return
	}

	// Cryptographic failures reject the prover rather than erroring the
	// machine: the Status message reports the outcome.
	status := message.StatusOKDone
	if f.cfg.Continuous {
		status = message.StatusOKContinue
	}
	if _, err := f.ctx.HandlePicoAuth(m); err != nil {
		f.log.Debug("pico authentication failed", logging.KeyError, err)
		status = message.StatusRejected
	} else if name, ok := users.Authorized(f.cfg.Users, f.ctx.PicoIdentity()); !ok {
		f.log.Debug("pico not in users directory")
		status = message.StatusRejected
	} else {
		f.user = name
	}

	st, err := f.ctx.BuildStatus(status, f.cfg.ExtraData)
	if err != nil {
		f.fail(err)
		return
	}
	out, err := st.Serialize()
	if err != nil {
		f.fail(err)
		return
	}

	f.setState(VerifierStatus)
	if err := f.cb.Write(out); err != nil {
		f.fail(fmt.Errorf("write status: %w", err))
		return
	}

	if status == message.StatusRejected {
		f.setState(VerifierAuthFailed)
	} else {
		f.key = f.ctx.SessionKey()
		f.sessionID = f.ctx.SessionID()
		f.setState(VerifierAuthenticated)
	}
	f.cb.Disconnect()
}

func (f *VerifierFSM) handlePicoReauth(data []byte) {
	m, err := message.DeserializePicoReauth(data)
	if err != nil {
		f.fail(err)
		return
	}
	if m.SessionID != f.sessionID {
		f.fail(fmt.Errorf("picoReauth session id %d, expected %d", m.SessionID, f.sessionID))
		return
	}
	inner, err := m.Open(f.key)
	if err != nil {
		f.fail(err)
		return
	}

	if f.state == VerifierContStartPico {
		// First exchange: the received counter seeds the expectation.
		f.picoSeq = inner.Sequence
	} else if !f.picoSeq.Equal(inner.Sequence) {
		f.fail(fmt.Errorf("picoReauth sequence mismatch"))
		return
	}
	f.picoSeq.Increment()

	next := reauth.Transition(f.reauthState, inner.State)
	if next == reauth.Error {
		f.fail(fmt.Errorf("illegal reauth transition %s -> %s", f.reauthState, inner.State))
		return
	}
	f.reauthState = next
	f.currentTimeout = f.cfg.Timeouts.For(next)

	if next == reauth.Stop {
		f.setState(VerifierFin)
		f.cb.SessionEnded()
		return
	}

	// The pending timer triggers the ServiceReauth reply.
	f.setState(VerifierServiceReauth)
}

func (f *VerifierFSM) writeServiceReauth() {
	inner := &message.ServiceReauthInner{
		State:     f.reauthState,
		TimeoutMS: int32(f.currentTimeout / time.Millisecond),
		Sequence:  f.serviceSeq,
	}
	m, err := message.SealServiceReauth(f.sessionID, inner, f.key)
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
		f.fail(fmt.Errorf("write serviceReauth: %w", err))
		return
	}
	f.serviceSeq.Increment()
	f.setState(VerifierPicoReauth)
	f.cb.SetTimeout(f.currentTimeout)
}
