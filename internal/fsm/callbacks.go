// Package fsm implements the event-driven prover and verifier state
// machines for the Pico authentication protocol. The machines are
// single-threaded and never block: all I/O goes through embedder-supplied
// callbacks, and the embedder feeds events back in (connected, read,
// disconnected, timeout).
//
// Timer discipline: at most one timeout is pending per machine. Every
// SetTimeout call logically cancels the previous pending timeout; the
// embedder may implement this by cancel-then-arm or by only honoring the
// most recently armed timer.
package fsm

import (
	"log/slog"
	"time"

	"github.com/picoauth/pico-go/internal/logging"
)

// Protocol timing constants.
const (
	// AuthTimeLimit bounds the whole handshake once the channel connects.
	AuthTimeLimit = 5 * time.Second

	// ReconnectDelay is how long the prover waits before reconnecting for
	// the continuous phase, and the extra slack the verifier allows for it.
	ReconnectDelay = 10 * time.Second

	// ContAuthLeeway is how much earlier than its deadline the prover sends
	// each PicoReauth.
	ContAuthLeeway = 1 * time.Second
)

// Callbacks is the embedder surface shared by both machines.
type Callbacks interface {
	// Write sends one whole message on the rendezvous channel.
	Write(data []byte) error

	// SetTimeout arms the machine's single timer, cancelling any pending
	// one. The embedder delivers OnTimeout when it fires.
	SetTimeout(d time.Duration)

	// Disconnect closes the channel. The embedder delivers OnDisconnected
	// once the channel is down.
	Disconnect()

	// Error reports a fatal protocol, codec or transport error.
	Error(err error)

	// Authenticated reports the handshake outcome status byte.
	Authenticated(status int8)

	// SessionEnded reports the end of a continuous session.
	SessionEnded()
}

// VerifierCallbacks is the embedder surface of the verifier machine.
type VerifierCallbacks interface {
	Callbacks

	// Listen re-arms the rendezvous point for the prover's continuous-phase
	// reconnect. The embedder delivers OnConnected when it arrives.
	Listen()

	// StatusUpdate fires on every state transition.
	StatusUpdate(state VerifierState)
}

// ProverCallbacks is the embedder surface of the prover machine.
type ProverCallbacks interface {
	Callbacks

	// Reconnect dials the rendezvous point again for the continuous phase.
	// The embedder delivers OnConnected when the channel is up.
	Reconnect()

	// StatusUpdate fires on every state transition.
	StatusUpdate(state ProverState)
}

// NopCallbacks provides logging no-op implementations of the shared
// callback surface. Embedders embed it and override what they need.
type NopCallbacks struct {
	Logger *slog.Logger
}

func (n NopCallbacks) log() *slog.Logger {
	if n.Logger == nil {
		return logging.NopLogger()
	}
	return n.Logger
}

// Write logs and discards the message.
func (n NopCallbacks) Write(data []byte) error {
	n.log().Debug("fsm write (no-op)", "bytes", len(data))
	return nil
}

// SetTimeout logs and ignores the timer.
func (n NopCallbacks) SetTimeout(d time.Duration) {
	n.log().Debug("fsm set timeout (no-op)", logging.KeyTimeout, d)
}

// Disconnect logs and does nothing.
func (n NopCallbacks) Disconnect() {
	n.log().Debug("fsm disconnect (no-op)")
}

// Error logs the error.
func (n NopCallbacks) Error(err error) {
	n.log().Debug("fsm error (no-op)", logging.KeyError, err)
}

// Authenticated logs the status.
func (n NopCallbacks) Authenticated(status int8) {
	n.log().Debug("fsm authenticated (no-op)", logging.KeyStatus, status)
}

// SessionEnded logs and does nothing.
func (n NopCallbacks) SessionEnded() {
	n.log().Debug("fsm session ended (no-op)")
}

// NopVerifierCallbacks is a logging no-op VerifierCallbacks.
type NopVerifierCallbacks struct {
	NopCallbacks
}

// Listen logs and does nothing.
func (n NopVerifierCallbacks) Listen() {
	n.log().Debug("fsm listen (no-op)")
}

// StatusUpdate logs the transition.
func (n NopVerifierCallbacks) StatusUpdate(state VerifierState) {
	n.log().Debug("fsm state", logging.KeyState, state.String())
}

// NopProverCallbacks is a logging no-op ProverCallbacks.
type NopProverCallbacks struct {
	NopCallbacks
}

// Reconnect logs and does nothing.
func (n NopProverCallbacks) Reconnect() {
	n.log().Debug("fsm reconnect (no-op)")
}

// StatusUpdate logs the transition.
func (n NopProverCallbacks) StatusUpdate(state ProverState) {
	n.log().Debug("fsm state", logging.KeyState, state.String())
}
