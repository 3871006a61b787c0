// Package continuous implements the blocking drivers for continuous
// authentication: linear prover and verifier loops exchanging PicoReauth
// and ServiceReauth messages over a blocking rendezvous channel. The
// drivers are intended for thread-per-session use; a Prover or Verifier is
// not internally synchronized.
package continuous

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/picoauth/pico-go/internal/channel"
	"github.com/picoauth/pico-go/internal/crypto"
	"github.com/picoauth/pico-go/internal/logging"
	"github.com/picoauth/pico-go/internal/message"
	"github.com/picoauth/pico-go/internal/reauth"
	"github.com/picoauth/pico-go/internal/sequence"
)

var (
	// ErrSequenceMismatch is returned when a received message carries a
	// sequence number different from the stored peer counter. The session
	// moves to ERROR and no counter is advanced.
	ErrSequenceMismatch = errors.New("sequence number mismatch")

	// ErrIllegalTransition is returned when the peer requests a state the
	// lattice forbids. The session moves to ERROR and nothing is written.
	ErrIllegalTransition = errors.New("illegal reauth state transition")

	// ErrSessionMismatch is returned when a message carries the wrong
	// session identifier.
	ErrSessionMismatch = errors.New("session id mismatch")

	// ErrSessionOver is returned when the driver is used after the session
	// reached STOP or ERROR.
	ErrSessionOver = errors.New("session is over")
)

// Config carries the session parameters shared by both drivers.
type Config struct {
	// Key is the session key: the handshake's shared secret.
	Key []byte

	// SessionID is the handshake's session identifier.
	SessionID uint32

	// Timeouts are the ping-pong timing parameters. Zero values are
	// replaced by the protocol defaults.
	Timeouts reauth.Timeouts

	// Logger receives per-cycle debug records. Nil discards them.
	Logger *slog.Logger
}

func (c *Config) fill() {
	if c.Timeouts == (reauth.Timeouts{}) {
		c.Timeouts = reauth.DefaultTimeouts()
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
}

// ============================================================================
// Verifier driver
// ============================================================================

// Verifier drives the service side of the reauthentication loop. Each
// Reauth is one full ping-pong: read a PicoReauth, verify it, answer with a
// ServiceReauth.
type Verifier struct {
	ch  channel.Channel
	cfg Config

	state          reauth.State
	currentTimeout time.Duration
	picoSeq        sequence.Number // next expected from the pico
	serviceSeq     sequence.Number // own outgoing counter
	started        bool
	log            *slog.Logger
}

// NewVerifier creates a verifier driver over an open channel.
func NewVerifier(ch channel.Channel, cfg Config) *Verifier {
	cfg.fill()
	return &Verifier{
		ch:    ch,
		cfg:   cfg,
		state: reauth.Continue,
		log:   cfg.Logger.With(logging.KeyComponent, "continuous", logging.KeyRole, "verifier"),
	}
}

// State returns the current session state.
func (v *Verifier) State() reauth.State {
	return v.state
}

// Active reports whether the session can run another cycle.
func (v *Verifier) Active() bool {
	return v.state == reauth.Continue || v.state == reauth.Pause
}

// CycleStart performs the first exchange of a session: the received
// sequence number is stored verbatim as the seed instead of compared, and
// the driver's own counter is seeded from the CSPRNG so counters never
// carry across sessions.
func (v *Verifier) CycleStart() error {
	if v.started {
		return fmt.Errorf("cycle already started")
	}
	seq, err := sequence.Random()
	if err != nil {
		return err
	}
	v.serviceSeq = seq
	v.currentTimeout = v.cfg.Timeouts.For(v.state)
	v.started = true
	return v.roundTrip(true)
}

// Reauth performs one ping-pong cycle.
func (v *Verifier) Reauth() error {
	if !v.started {
		return fmt.Errorf("cycle not started")
	}
	if !v.Active() {
		return ErrSessionOver
	}
	return v.roundTrip(false)
}

func (v *Verifier) roundTrip(seed bool) error {
	v.ch.SetTimeout(v.currentTimeout + v.cfg.Timeouts.Leeway)

	data, err := v.ch.Read()
	if err != nil {
		v.state = reauth.Error
		return fmt.Errorf("read picoReauth: %w", err)
	}

	m, err := message.DeserializePicoReauth(data)
	if err != nil {
		v.state = reauth.Error
		return err
	}
	if m.SessionID != v.cfg.SessionID {
		v.state = reauth.Error
		return fmt.Errorf("%w: got %d, expected %d", ErrSessionMismatch, m.SessionID, v.cfg.SessionID)
	}

	inner, err := m.Open(v.cfg.Key)
	if err != nil {
		v.state = reauth.Error
		return err
	}

	if seed {
		v.picoSeq = inner.Sequence
	} else if !v.picoSeq.Equal(inner.Sequence) {
		v.state = reauth.Error
		return ErrSequenceMismatch
	}
	v.picoSeq.Increment()

	next := reauth.Transition(v.state, inner.State)
	if next == reauth.Error {
		prev := v.state
		v.state = reauth.Error
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, prev, inner.State)
	}
	v.state = next
	v.currentTimeout = v.cfg.Timeouts.For(next)

	if err := v.writeServiceReauth(); err != nil {
		return err
	}

	v.log.Debug("reauth cycle complete", logging.KeyState, v.state.String(), logging.KeyTimeout, v.currentTimeout)
	return nil
}

func (v *Verifier) writeServiceReauth() error {
	inner := &message.ServiceReauthInner{
		State:     v.state,
		TimeoutMS: int32(v.currentTimeout / time.Millisecond),
		Sequence:  v.serviceSeq,
	}
	m, err := message.SealServiceReauth(v.cfg.SessionID, inner, v.cfg.Key)
	if err != nil {
		v.state = reauth.Error
		return err
	}
	data, err := m.Serialize()
	if err != nil {
		v.state = reauth.Error
		return err
	}
	if err := v.ch.Write(data); err != nil {
		v.state = reauth.Error
		return fmt.Errorf("write serviceReauth: %w", err)
	}
	v.serviceSeq.Increment()
	return nil
}

// UpdateState moves the session to a new state and pushes a ServiceReauth
// outside the normal ping-pong cadence. The out-of-band write intentionally
// races the pico's next PicoReauth; be careful in multi-threaded
// environments. An illegal transition moves the session to ERROR and
// nothing is written.
func (v *Verifier) UpdateState(s reauth.State) error {
	next := reauth.Transition(v.state, s)
	if next == reauth.Error {
		prev := v.state
		v.state = reauth.Error
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, prev, s)
	}
	v.state = next
	v.currentTimeout = v.cfg.Timeouts.For(next)
	return v.writeServiceReauth()
}

// Finish closes the channel and wipes the session key.
func (v *Verifier) Finish() error {
	crypto.ZeroBytes(v.cfg.Key)
	return v.ch.Close()
}

// ============================================================================
// Prover driver
// ============================================================================

// Prover drives the pico side of the reauthentication loop. Each Reauth
// writes a PicoReauth and waits for the matching ServiceReauth, adopting
// the state and timeout the service returns.
type Prover struct {
	ch  channel.Channel
	cfg Config

	state          reauth.State
	currentTimeout time.Duration
	picoSeq        sequence.Number // own outgoing counter
	serviceSeq     sequence.Number // next expected from the service
	started        bool
	log            *slog.Logger
}

// NewProver creates a prover driver over an open channel.
func NewProver(ch channel.Channel, cfg Config) *Prover {
	cfg.fill()
	return &Prover{
		ch:    ch,
		cfg:   cfg,
		state: reauth.Continue,
		log:   cfg.Logger.With(logging.KeyComponent, "continuous", logging.KeyRole, "prover"),
	}
}

// State returns the current session state.
func (p *Prover) State() reauth.State {
	return p.state
}

// Active reports whether the session can run another cycle.
func (p *Prover) Active() bool {
	return p.state == reauth.Continue || p.state == reauth.Pause
}

// CycleStart performs the first exchange: the outgoing counter is seeded
// from the CSPRNG and the service's counter is stored verbatim from the
// first ServiceReauth.
func (p *Prover) CycleStart() error {
	if p.started {
		return fmt.Errorf("cycle already started")
	}
	seq, err := sequence.Random()
	if err != nil {
		return err
	}
	p.picoSeq = seq
	p.currentTimeout = p.cfg.Timeouts.For(p.state)
	p.started = true
	return p.roundTrip(true, nil)
}

// Reauth performs one ping-pong cycle, sending the given extra data.
func (p *Prover) Reauth(extraData []byte) error {
	if !p.started {
		return fmt.Errorf("cycle not started")
	}
	if !p.Active() {
		return ErrSessionOver
	}
	return p.roundTrip(false, extraData)
}

// SetState requests a session state for the next cycle. An illegal
// transition moves the session to ERROR.
func (p *Prover) SetState(s reauth.State) error {
	next := reauth.Transition(p.state, s)
	if next == reauth.Error {
		prev := p.state
		p.state = reauth.Error
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, prev, s)
	}
	p.state = next
	return nil
}

func (p *Prover) roundTrip(seed bool, extraData []byte) error {
	inner := &message.PicoReauthInner{
		State:     p.state,
		Sequence:  p.picoSeq,
		ExtraData: extraData,
	}
	m, err := message.SealPicoReauth(p.cfg.SessionID, inner, p.cfg.Key)
	if err != nil {
		p.state = reauth.Error
		return err
	}
	data, err := m.Serialize()
	if err != nil {
		p.state = reauth.Error
		return err
	}
	if err := p.ch.Write(data); err != nil {
		p.state = reauth.Error
		return fmt.Errorf("write picoReauth: %w", err)
	}
	p.picoSeq.Increment()

	p.ch.SetTimeout(p.currentTimeout + p.cfg.Timeouts.Leeway)
	data, err = p.ch.Read()
	if err != nil {
		p.state = reauth.Error
		return fmt.Errorf("read serviceReauth: %w", err)
	}

	sm, err := message.DeserializeServiceReauth(data)
	if err != nil {
		p.state = reauth.Error
		return err
	}
	if sm.SessionID != p.cfg.SessionID {
		p.state = reauth.Error
		return fmt.Errorf("%w: got %d, expected %d", ErrSessionMismatch, sm.SessionID, p.cfg.SessionID)
	}

	sInner, err := sm.Open(p.cfg.Key)
	if err != nil {
		p.state = reauth.Error
		return err
	}

	if seed {
		p.serviceSeq = sInner.Sequence
	} else if !p.serviceSeq.Equal(sInner.Sequence) {
		p.state = reauth.Error
		return ErrSequenceMismatch
	}
	p.serviceSeq.Increment()

	next := reauth.Transition(p.state, sInner.State)
	if next == reauth.Error {
		prev := p.state
		p.state = reauth.Error
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, prev, sInner.State)
	}
	p.state = next
	p.currentTimeout = time.Duration(sInner.TimeoutMS) * time.Millisecond

	p.log.Debug("reauth cycle complete", logging.KeyState, p.state.String(), logging.KeyTimeout, p.currentTimeout)
	return nil
}

// Finish requests STOP from the service with a final cycle, then closes
// the channel and wipes the session key.
func (p *Prover) Finish() error {
	var cycleErr error
	if p.started && p.Active() {
		if err := p.SetState(reauth.Stop); err == nil {
			cycleErr = p.roundTrip(false, nil)
		}
	}
	crypto.ZeroBytes(p.cfg.Key)
	if err := p.ch.Close(); err != nil {
		return err
	}
	return cycleErr
}
