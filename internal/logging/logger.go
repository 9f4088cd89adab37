// Package logging builds the recorder's slog logger.
//
// Interactive runs get human readable text; when the recorder is spawned by
// the GUI its stderr is a pipe or file and records are written as JSON so
// they can be parsed after the fact.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
)

// Options describes logger construction parameters.
type Options struct {
	Level string
	// Debug forces debug level regardless of Level.
	Debug bool
	// File, when set, receives records in addition to the console writer.
	File string
	// Writer is the console writer. Defaults to os.Stderr.
	Writer io.Writer
	// SessionID is attached to every record when set.
	SessionID string
}

// New constructs a logger. The returned close function releases the log
// file, if any, and is always safe to call.
func New(opts Options) (*slog.Logger, func() error, error) {
	level := ParseLevel(opts.Level)
	if opts.Debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}

	console := opts.Writer
	if console == nil {
		console = os.Stderr
	}

	out := console
	closeFn := func() error { return nil }
	if path := strings.TrimSpace(opts.File); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, closeFn, fmt.Errorf("ensure log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, closeFn, fmt.Errorf("open log file %s: %w", path, err)
		}
		out = io.MultiWriter(console, file)
		closeFn = file.Close
	}

	var handler slog.Handler
	if IsTerminal(console) && opts.File == "" {
		handler = slog.NewTextHandler(out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(out, handlerOpts)
	}

	logger := slog.New(handler)
	if opts.SessionID != "" {
		logger = logger.With("session", opts.SessionID)
	}
	return logger, closeFn, nil
}

// ParseLevel maps a config level name to a slog level. Unknown names are
// treated as info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
