// Package logger builds the structured loggers shared by every component.
package logger

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// New creates a [log.Logger] writing to w (stderr when nil) at the given level name.
// Unknown level names fall back to info.
func New(w io.Writer, level string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := log.NewWithOptions(w, log.Options{ReportTimestamp: true, ReportCaller: true})
	if lvl, err := log.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	}
	return l
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

// With creates a child logger with the key-value pairs added to every entry.
func With(l *log.Logger, kv ...any) *log.Logger {
	if l == nil {
		l = Discard()
	}
	return l.With(kv...)
}
