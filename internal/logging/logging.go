// Package logging owns the process-wide zerolog logger. Every subsystem takes
// a component-tagged child logger from here instead of the global log package.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var root zerolog.Logger

func init() {
	root = newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)
}

func newLogger(level, format string, w io.Writer) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil && level != "" {
		lvl = parsed
	}

	var out io.Writer = w
	if format != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// For returns a child logger tagged with the given component name.
func For(component string) zerolog.Logger {
	return root.With().Str("component", component).Logger()
}

// Root returns the process logger.
func Root() zerolog.Logger {
	return root
}
