package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/config"
)

const serviceName = "omnibox"

// Logger is the structured logger handed to every OmniBox component.
// Each entry carries the service name and build version. It is safe for
// concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds a Logger writing to the destination named by cfg.Output:
// "stdout", "discard" (or "none"), and stderr for anything else.
func New(cfg config.LoggingConfig, version string) *Logger {
	return NewWithWriter(cfg, version, destination(cfg.Output))
}

// NewWithWriter is New with an explicit destination, ignoring cfg.Output.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	h := handler(w, cfg.Format, &slog.HandlerOptions{Level: parseLevel(cfg.Level)})
	return &Logger{Logger: slog.New(h).With(
		slog.String("service", serviceName),
		slog.String("version", version),
	)}
}

// Default is the logger used before configuration has been read.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json"}, "dev")
}

// With returns a child logger carrying args on every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component tags entries with the emitting subsystem, e.g. "handlepool".
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

func destination(output string) io.Writer {
	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout
	case "discard", "none":
		return io.Discard
	}
	return os.Stderr
}

// handler picks text for "text" and JSON otherwise.
func handler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// parseLevel accepts the names slog understands, including offsets such
// as "warn+2", plus "warning". Anything else logs at info.
func parseLevel(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
