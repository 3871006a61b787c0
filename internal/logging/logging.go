// Package logging builds the structured loggers used across pico-go.
// Handlers render protocol durations in whole milliseconds, the unit the
// wire messages carry, so log records and message fields read the same.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options select the handler a logger writes through. The zero value means
// info-level text output.
type Options struct {
	// Level is a slog level name (debug, info, warn, error), optionally
	// with an offset such as "warn+2".
	Level string

	// Format is "text" or "json".
	Format string

	// AddSource annotates every record with the file:line that emitted it.
	AddSource bool
}

// New builds a logger writing to w. Unknown levels and formats are
// rejected rather than silently downgraded: a service started with a
// misspelled log level should fail loudly, not run quiet.
func New(w io.Writer, opts Options) (*slog.Logger, error) {
	var lvl slog.Level
	if opts.Level != "" {
		if err := lvl.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
		}
	}

	h := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   opts.AddSource,
		ReplaceAttr: millisecondDurations,
	}

	switch strings.ToLower(opts.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, h)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, h)), nil
	default:
		return nil, fmt.Errorf("log format %q: want text or json", opts.Format)
	}
}

// NewStderr builds a logger writing to standard error.
func NewStderr(opts Options) (*slog.Logger, error) {
	return New(os.Stderr, opts)
}

// millisecondDurations rewrites duration attributes (timeouts, session
// ages) as integer millisecond values.
func millisecondDurations(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindDuration {
		a.Value = slog.Int64Value(a.Value.Duration().Milliseconds())
		a.Key += "_ms"
	}
	return a
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Common attribute keys for consistent logging.
const (
	KeySessionID  = "session_id"
	KeyState      = "state"
	KeyRole       = "role"
	KeyStatus     = "status"
	KeyUser       = "user"
	KeyTimeout    = "timeout"
	KeyURL        = "url"
	KeyRemoteAddr = "remote_addr"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyDuration   = "duration"
	KeyCycles     = "cycles"
)
