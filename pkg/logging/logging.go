// Package logging provides configurable structured logging for GhostInbox.
//
// The relay, the admin server and secctl all use Go's standard log/slog with
// configurable levels. Log levels from most to least verbose: DEBUG, INFO,
// WARN, ERROR.
//
// Usage:
//
//	closer, err := logging.Setup(logging.Options{Level: "debug", Format: "text", File: "/var/log/ghostinbox.log"})
//	defer closer.Close()
//	slog.Info("forwarded email", "sender", logging.RedactEmail(sender))
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"
)

// Options controls how logging is configured.
type Options struct {
	Level  string    // "debug", "info", "warn", "error" (default: "info")
	Format string    // "text" or "json" (default: "text")
	Output io.Writer // where to write logs (default: os.Stderr)
	File   string    // optional log file, appended to alongside Output
}

// ParseLevel converts a string level name to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup initialises the global slog logger with the given options.
// Safe to call early in main() before any logging occurs. The returned
// closer releases the log file, if any; it is never nil.
//
// A log file that cannot be opened is reported as a warning on Output and
// logging continues without it.
func Setup(opts Options) (io.Closer, error) {
	if err := Validate(opts.Level); err != nil {
		return nopCloser{}, err
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var closer io.Closer = nopCloser{}
	var fileErr error
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			fileErr = err
		} else {
			out = io.MultiWriter(out, f)
			closer = f
		}
	}

	level := ParseLevel(opts.Level)

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // include file:line in debug mode
	}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	slog.SetDefault(slog.New(handler))
	if fileErr != nil {
		slog.Warn("could not open log file, logging to output only", "file", opts.File, "err", fileErr)
	}
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// RedactEmail masks the local part of addr, keeping its first character
// and the domain: "alice@example.org" becomes "a***@example.org". Values
// without an '@' are masked entirely.
func RedactEmail(addr string) string {
	if addr == "" {
		return ""
	}
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 {
		return "***"
	}
	r, size := utf8.DecodeRuneInString(addr)
	if r == utf8.RuneError || size > at {
		return "***" + addr[at:]
	}
	return addr[:size] + "***" + addr[at:]
}

// LevelNames returns all valid level names, useful for --help text.
func LevelNames() string {
	return "debug, info, warn, error"
}

// Validate returns an error if the level string is not recognized.
func Validate(level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info", "warn", "warning", "error", "":
		return nil
	default:
		return fmt.Errorf("unknown log level %q (valid: %s)", level, LevelNames())
	}
}
