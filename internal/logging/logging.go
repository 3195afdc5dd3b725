package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	charm "github.com/charmbracelet/log"

	"github.com/comptonizing/ekos-lightbucket/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json", "text" or "console".
func New(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "console":
		handler = newConsoleHandler(w, parseLevel(level))
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newConsoleHandler(w io.Writer, level slog.Level) slog.Handler {
	l := charm.NewWithOptions(w, charm.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          "lightbucket",
	})
	l.SetLevel(charm.Level(level))
	return l
}

// Setup configures global logging. Console output goes to console (nil
// disables it, e.g. while the TUI owns the terminal); file output goes to a
// dated file in the log directory with a lightbucket-current.log symlink.
func Setup(cfg *config.Config, console io.Writer) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	var handlers []slog.Handler
	if console != nil {
		if strings.ToLower(cfg.Logging.Format) == "json" {
			handlers = append(handlers, slog.NewJSONHandler(console, &slog.HandlerOptions{Level: level}))
		} else {
			handlers = append(handlers, newConsoleHandler(console, level))
		}
	}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("lightbucket-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %v", err)
		}

		currentLogPath := filepath.Join(cfg.Logging.LogDir, "lightbucket-current.log")
		os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)

		handlers = append(handlers, &TraditionalHandler{
			logger: log.New(file, "", log.LstdFlags),
			level:  level,
		})
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, nil)
	case 1:
		handler = handlers[0]
	default:
		handler = teeHandler(handlers)
	}

	slogLogger := slog.New(handler)
	slog.SetDefault(slogLogger)

	slogLogger.Debug("logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return slogLogger, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting:
// [LEVEL] message [k=v ...]
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
}

func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

// WithGroup is not supported; grouped attributes are logged flat.
func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	return h
}

// teeHandler sends every record to all of its handlers.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// LogFrameStart logs the beginning of per-frame processing.
func LogFrameStart(logger *slog.Logger, path, source string) {
	logger.Debug("frame started",
		"file", path,
		"source", source,
	)
}

// LogFrameComplete logs a frame that finished without error (uploaded or skipped).
func LogFrameComplete(logger *slog.Logger, path, outcome string, duration time.Duration) {
	logger.Info("frame completed",
		"file", path,
		"outcome", outcome,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogFrameError logs frame failures.
func LogFrameError(logger *slog.Logger, path, outcome string, duration time.Duration, err error) {
	logger.Error("frame failed",
		"file", path,
		"outcome", outcome,
		"duration_ms", duration.Milliseconds(),
		"error", err,
	)
}
