// Package logging builds the logrus loggers used across the engine.
//
// Each component logs through an entry carrying a "component" field. Lifecycle events go to
// Info, per-frame and per-transaction detail to Debug, recoverable failures to Warn.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Options configures a logger.
type Options struct {
	// Level is a logrus level name ("debug", "info", "warn", ...). Empty means info.
	Level string
	// Format is "text" or "json". Empty means text.
	Format string
	// Output defaults to stderr.
	Output io.Writer
}

// New builds a logger from opts.
func New(opts Options) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if opts.Output != nil {
		l.SetOutput(opts.Output)
	}

	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parsing log level: %w", err)
		}
		level = parsed
	}
	l.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	return l, nil
}

// Component returns an entry tagged with the component name.
func Component(l *logrus.Logger, name string) *logrus.Entry {
	return l.WithField("component", name)
}

// Discard returns an entry that drops everything. Used when no logger is configured.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// OrDiscard returns e, or a discarding entry when e is nil.
func OrDiscard(e *logrus.Entry) *logrus.Entry {
	if e == nil {
		return Discard()
	}
	return e
}
