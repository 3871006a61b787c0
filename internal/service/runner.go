package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/picoauth/pico-go/internal/channel"
	"github.com/picoauth/pico-go/internal/logging"
)

// runnerEvent is one unit of work delivered to an FSM's event loop.
type runnerEvent struct {
	kind eventKind
	data []byte
	ch   channel.Channel // for evConnected: the newly attached channel
	gen  int             // for evTimeout: the arming generation
}

type eventKind int

const (
	evConnected eventKind = iota
	evRead
	evDisconnected
	evTimeout
)

// eventLoop owns the single-threaded execution context of one protocol
// machine: events arrive on a channel and are dispatched one at a time, so
// the FSM never sees concurrent calls. It also implements the
// single-pending-timeout contract with an arming generation: a late firing
// of a replaced timer is discarded.
type eventLoop struct {
	events chan runnerEvent
	log    *slog.Logger

	// Owned by the loop goroutine.
	ch       channel.Channel
	timer    *time.Timer
	timerGen int
}

func newEventLoop(log *slog.Logger) *eventLoop {
	return &eventLoop{
		events: make(chan runnerEvent, 16),
		log:    log,
	}
}

// attach hands a fresh connection to the loop. Safe to call from any
// goroutine: the channel only becomes current when the loop processes the
// event.
func (l *eventLoop) attach(ch channel.Channel) {
	l.events <- runnerEvent{kind: evConnected, ch: ch}
}

// pump reads the channel until it fails, forwarding messages into the loop.
// The FSM's timers govern all timing; the read itself never times out.
func (l *eventLoop) pump(ch channel.Channel) {
	ch.SetTimeout(channel.NoTimeout)
	for {
		data, err := ch.Read()
		if err != nil {
			l.events <- runnerEvent{kind: evDisconnected}
			return
		}
		l.events <- runnerEvent{kind: evRead, data: data}
	}
}

// setTimeout arms the loop's single timer, cancelling the pending one.
// Called only from the loop goroutine (inside FSM callbacks).
func (l *eventLoop) setTimeout(d time.Duration) {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timerGen++
	gen := l.timerGen
	l.timer = time.AfterFunc(d, func() {
		l.events <- runnerEvent{kind: evTimeout, gen: gen}
	})
}

// stopTimer cancels any pending timer.
func (l *eventLoop) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// closeChannel tears down the current connection, if any.
func (l *eventLoop) closeChannel() {
	if l.ch != nil {
		if err := l.ch.Close(); err != nil {
			l.log.Debug("channel close", logging.KeyError, err)
		}
	}
}

// machine is the part of an FSM the loop drives. Both protocol machines
// satisfy it.
type machine interface {
	OnConnected()
	OnRead(data []byte)
	OnDisconnected()
	OnTimeout()
	Stop()
}

// run dispatches events until done reports true after an event, or the
// context is cancelled.
func (l *eventLoop) run(ctx context.Context, m machine, done func() bool) {
	defer l.stopTimer()
	defer l.closeChannel()

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return

		case ev := <-l.events:
			switch ev.kind {
			case evConnected:
				l.ch = ev.ch
				go l.pump(ev.ch)
				m.OnConnected()
			case evRead:
				m.OnRead(ev.data)
			case evDisconnected:
				m.OnDisconnected()
			case evTimeout:
				if ev.gen != l.timerGen {
					// A replaced timer fired late; the arming that
					// superseded it owns the machine's next timeout.
					continue
				}
				m.OnTimeout()
			}
			if done() {
				return
			}
		}
	}
}
