package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	// wsReadLimit bounds a single protocol message. Handshake messages are
	// a few kilobytes; anything near the limit is hostile.
	wsReadLimit = 64 * 1024

	// wsDialTimeout bounds the rendezvous dial.
	wsDialTimeout = 30 * time.Second

	// DefaultPath is the rendezvous endpoint path.
	DefaultPath = "/pico"
)

// WebSocket is a Channel over a single websocket connection. The prover
// side constructs it with NewWebSocket and dials on Open; the Responder
// hands out already-open instances for accepted connections.
type WebSocket struct {
	url  string
	conn *websocket.Conn

	mu      sync.Mutex
	timeout time.Duration
}

// NewWebSocket creates an unopened channel that will dial the rendezvous
// URL on Open.
func NewWebSocket(url string) *WebSocket {
	return &WebSocket{url: url, timeout: NoTimeout}
}

// Open dials the rendezvous point.
func (w *WebSocket) Open() error {
	if w.conn != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsDialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("rendezvous dial failed: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)
	w.conn = conn
	return nil
}

// Close closes the websocket.
func (w *WebSocket) Close() error {
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close(websocket.StatusNormalClosure, "")
	w.conn = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Read returns the next message, honoring the configured timeout.
func (w *WebSocket) Read() ([]byte, error) {
	if w.conn == nil {
		return nil, ErrClosed
	}

	w.mu.Lock()
	timeout := w.timeout
	w.mu.Unlock()

	ctx := context.Background()
	if timeout >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	_, data, err := w.conn.Read(ctx)
	if err != nil {
		// A deadline expiry fails the websocket as a whole; the protocol
		// treats a timed-out read as fatal for the session anyway.
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return data, nil
}

// Write sends one message.
func (w *WebSocket) Write(data []byte) error {
	if w.conn == nil {
		return ErrClosed
	}
	if err := w.conn.Write(context.Background(), websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// SetTimeout sets the read deadline for subsequent Reads.
func (w *WebSocket) SetTimeout(d time.Duration) {
	w.mu.Lock()
	w.timeout = d
	w.mu.Unlock()
}

// URL returns the rendezvous URL.
func (w *WebSocket) URL() string {
	return w.url
}

// Responder is the verifier side of the rendezvous: an HTTP server that
// accepts websocket connections on a fixed path and exposes each as a
// Channel. The prover learns the URL from the QR payload.
type Responder struct {
	path  string
	ln    net.Listener
	srv   *http.Server
	conns chan *WebSocket

	closeOnce sync.Once
	closed    chan struct{}
}

// NewResponder listens on addr and starts serving the rendezvous endpoint.
// Pass an address with port 0 to pick a free port.
func NewResponder(addr, path string) (*Responder, error) {
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rendezvous listen failed: %w", err)
	}

	r := &Responder{
		path:   path,
		ln:     ln,
		conns:  make(chan *WebSocket, 16),
		closed: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, r.handle)
	r.srv = &http.Server{Handler: mux}

	go func() {
		// Serve exits with ErrServerClosed on Close.
		_ = r.srv.Serve(ln)
	}()

	return r, nil
}

func (r *Responder) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		// The QR payload, not the HTTP origin, authenticates the peer.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimit)

	ch := &WebSocket{url: r.URL(), conn: conn, timeout: NoTimeout}
	select {
	case r.conns <- ch:
	case <-r.closed:
		conn.Close(websocket.StatusGoingAway, "responder closed")
	}
}

// Accept waits for the next incoming prover connection.
func (r *Responder) Accept(ctx context.Context) (Channel, error) {
	select {
	case ch := <-r.conns:
		return ch, nil
	case <-r.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// URL returns the rendezvous URL provers should dial.
func (r *Responder) URL() string {
	return fmt.Sprintf("ws://%s%s", r.ln.Addr().String(), r.path)
}

// Addr returns the listener's network address.
func (r *Responder) Addr() net.Addr {
	return r.ln.Addr()
}

// Close stops the responder and rejects pending connections.
func (r *Responder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		err = r.srv.Close()
	})
	return err
}
