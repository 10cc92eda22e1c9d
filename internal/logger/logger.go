// Package logger provides the application logger: slog behind a small
// interface, fanned out to console and optional rotating file sinks, with
// context plumbing so every component logs through the same instance.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging surface used across the engine.
type Logger interface {
	Debug(msg string, tags ...any)
	Info(msg string, tags ...any)
	Warn(msg string, tags ...any)
	Error(msg string, tags ...any)
	Fatal(msg string, tags ...any)

	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)

	With(attrs ...any) Logger
	WithGroup(name string) Logger
}

var _ Logger = (*appLogger)(nil)

type appLogger struct {
	logger *slog.Logger
	quiet  bool
	debug  bool
}

// Config collects logger construction options.
type Config struct {
	debug    bool
	format   string
	writer   io.Writer
	quiet    bool
	file     string
	maxSize  int
	maxAge   int
	backups  int
	compress bool
}

// Option mutates the logger Config.
type Option func(*Config)

// WithDebug lowers the level to debug and adds source locations.
func WithDebug() Option {
	return func(o *Config) { o.debug = true }
}

// WithFormat selects the output format, "text" or "json".
func WithFormat(format string) Option {
	return func(o *Config) { o.format = format }
}

// WithWriter adds an extra sink.
func WithWriter(w io.Writer) Option {
	return func(o *Config) { o.writer = w }
}

// WithQuiet suppresses the console sink.
func WithQuiet() Option {
	return func(o *Config) { o.quiet = true }
}

// WithRotation adds a size-rotated file sink.
func WithRotation(file string, maxSizeMB, maxAgeDays, backups int) Option {
	return func(o *Config) {
		o.file = file
		o.maxSize = maxSizeMB
		o.maxAge = maxAgeDays
		o.backups = backups
	}
}

// NewLogger builds a Logger from the given options.
func NewLogger(opts ...Option) Logger {
	cfg := &Config{format: "text"}
	for _, opt := range opts {
		opt(cfg)
	}

	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.debug,
	}

	var handlers []slog.Handler
	if !cfg.quiet {
		handlers = append(handlers, newHandler(os.Stderr, cfg.format, handlerOpts))
	}
	if cfg.writer != nil {
		handlers = append(handlers, newGuardedHandler(newHandler(cfg.writer, cfg.format, handlerOpts)))
	}
	if cfg.file != "" {
		sink := &lumberjack.Logger{
			Filename:   cfg.file,
			MaxSize:    cfg.maxSize,
			MaxAge:     cfg.maxAge,
			MaxBackups: cfg.backups,
			Compress:   cfg.compress,
		}
		handlers = append(handlers, newGuardedHandler(newHandler(sink, cfg.format, handlerOpts)))
	}
	if len(handlers) == 0 {
		handlers = append(handlers, newHandler(io.Discard, cfg.format, handlerOpts))
	}

	return &appLogger{
		logger: slog.New(slogmulti.Fanout(handlers...)),
		quiet:  cfg.quiet,
		debug:  cfg.debug,
	}
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

var _ slog.Handler = (*guardedHandler)(nil)

// guardedHandler serializes writes to a shared sink so concurrent executor
// goroutines never interleave log lines.
type guardedHandler struct {
	handler slog.Handler
	mu      sync.Mutex
}

func newGuardedHandler(handler slog.Handler) *guardedHandler {
	return &guardedHandler{handler: handler}
}

// Enabled implements slog.Handler.
func (s *guardedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return s.handler.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (s *guardedHandler) Handle(ctx context.Context, record slog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler.Handle(ctx, record)
}

// WithAttrs implements slog.Handler.
func (s *guardedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &guardedHandler{handler: s.handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (s *guardedHandler) WithGroup(name string) slog.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &guardedHandler{handler: s.handler.WithGroup(name)}
}

// Debug implements Logger.
func (a *appLogger) Debug(msg string, tags ...any) { a.log(slog.LevelDebug, msg, tags...) }

// Info implements Logger.
func (a *appLogger) Info(msg string, tags ...any) { a.log(slog.LevelInfo, msg, tags...) }

// Warn implements Logger.
func (a *appLogger) Warn(msg string, tags ...any) { a.log(slog.LevelWarn, msg, tags...) }

// Error implements Logger.
func (a *appLogger) Error(msg string, tags ...any) { a.log(slog.LevelError, msg, tags...) }

// Fatal implements Logger. It exits the process after logging.
func (a *appLogger) Fatal(msg string, tags ...any) {
	a.log(slog.LevelError, msg, tags...)
	os.Exit(1)
}

// Debugf implements Logger.
func (a *appLogger) Debugf(format string, v ...any) {
	a.log(slog.LevelDebug, fmt.Sprintf(format, v...))
}

// Infof implements Logger.
func (a *appLogger) Infof(format string, v ...any) {
	a.log(slog.LevelInfo, fmt.Sprintf(format, v...))
}

// Warnf implements Logger.
func (a *appLogger) Warnf(format string, v ...any) {
	a.log(slog.LevelWarn, fmt.Sprintf(format, v...))
}

// Errorf implements Logger.
func (a *appLogger) Errorf(format string, v ...any) {
	a.log(slog.LevelError, fmt.Sprintf(format, v...))
}

// With implements Logger.
func (a *appLogger) With(attrs ...any) Logger {
	return &appLogger{logger: a.logger.With(attrs...), quiet: a.quiet, debug: a.debug}
}

// WithGroup implements Logger.
func (a *appLogger) WithGroup(name string) Logger {
	return &appLogger{logger: a.logger.WithGroup(name), quiet: a.quiet, debug: a.debug}
}

func (a *appLogger) log(level slog.Level, msg string, tags ...any) {
	if !a.debug {
		a.logger.Log(context.Background(), level, msg, tags...)
		return
	}
	// In debug mode record the caller of the logger API, not this helper.
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	record := slog.NewRecord(time.Now(), level, msg, pcs[0])
	record.Add(tags...)
	_ = a.logger.Handler().Handle(context.Background(), record)
}
