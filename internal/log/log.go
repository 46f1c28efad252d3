// Package log provides the logging infrastructure for the modelrelay gateway.
//
// Loggers are injected as dependencies, never used as globals. Each component
// receives a logger via its constructor and can add context via logger.With():
//
//	logger := log.New(log.Config{Level: slog.LevelDebug, JSON: true})
//	store := session.NewStore(pool, logger.With("component", "session"))
//
// In tests, use NewNop() or NewWithWriter() with a buffer to capture output.
package log

import (
	"io"
	"log/slog"
	"os"
)

// Logger is a type alias for *slog.Logger. Using the standard library type
// directly keeps full compatibility with the slog ecosystem and With() for
// adding request/component context.
type Logger = *slog.Logger

// Config defines logger configuration options.
type Config struct {
	// Level sets the minimum log level. Default: slog.LevelInfo
	Level slog.Level

	// JSON enables JSON format output. Default: false (text format)
	JSON bool

	// AddSource adds source file information to log entries. Default: false
	AddSource bool
}

// New creates a new logger with the given configuration.
// Output is written to os.Stderr.
func New(cfg Config) Logger {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter creates a new logger that writes to the specified writer.
// Useful for testing or custom output destinations.
func NewWithWriter(w io.Writer, cfg Config) Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// NewNop creates a logger that discards all output.
//
// Only for tests. Production code should always use New() or NewWithWriter()
// so that operational problems stay visible.
func NewNop() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
