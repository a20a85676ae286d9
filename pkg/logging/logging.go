// Package logging builds the structured loggers used across mutexd.
package logging

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

// SubsystemKey tags every entry with the component that produced it.
const SubsystemKey = "sys"

const (
	FormatStructured = "structured"
	FormatConsole    = "console"
)

var (
	noOnce   sync.Once
	noLogger pslog.Logger
)

// New returns a logger writing to w at the given level ("trace", "debug",
// "info", "warn", "error", or "none" to disable output).
func New(level, format string, w io.Writer) (pslog.Logger, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	if level == "none" || level == "off" || level == "disabled" {
		return NoopLogger(), nil
	}
	lvl, ok := pslog.ParseLevel(level)
	if !ok {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	opts := pslog.Options{MinLevel: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatStructured:
		opts.Mode = pslog.ModeStructured
	case FormatConsole:
		opts.Mode = pslog.ModeConsole
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	return pslog.NewWithOptions(w, opts).With("app", "mutexd"), nil
}

// NoopLogger returns a logger that discards all entries.
func NoopLogger() pslog.Logger {
	noOnce.Do(func() {
		noLogger = pslog.NewWithOptions(io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noLogger
}

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// WithSubsystem attaches a dot-delimited subsystem tag to every entry.
func WithSubsystem(l pslog.Logger, subsystem string) pslog.Logger {
	l = EnsureLogger(l)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return l
	}
	return l.With(SubsystemKey, subsystem)
}
