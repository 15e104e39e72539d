// Package logging wires slog to the console and the per-library log file.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps the CLI level names to slog levels. "trace" maps below
// debug so a trace setting shows everything.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "trace":
		return slog.LevelDebug - 4, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// Setup configures the default logger with a console handler and, when path
// is non-empty, a file handler. The log file is truncated at process start;
// lumberjack caps growth during long daemon runs.
func Setup(level slog.Level, path string) (*slog.Logger, func(), error) {
	console := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	if path == "" {
		logger := slog.New(console)
		slog.SetDefault(logger)
		return logger, func() {}, nil
	}

	// Truncate: each process owns the file from the start.
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, nil, fmt.Errorf("truncate log file: %w", err)
	}

	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // MB
		MaxBackups: 1,
	}
	file := slog.NewTextHandler(sink, &slog.HandlerOptions{Level: level})

	logger := slog.New(teeHandler{console, file})
	slog.SetDefault(logger)
	return logger, func() { _ = sink.Close() }, nil
}

// teeHandler fans records out to both handlers.
type teeHandler struct {
	a, b slog.Handler
}

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return t.a.Enabled(ctx, level) || t.b.Enabled(ctx, level)
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if t.a.Enabled(ctx, r.Level) {
		err = t.a.Handle(ctx, r.Clone())
	}
	if t.b.Enabled(ctx, r.Level) {
		if e := t.b.Handle(ctx, r.Clone()); err == nil {
			err = e
		}
	}
	return err
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{t.a.WithAttrs(attrs), t.b.WithAttrs(attrs)}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{t.a.WithGroup(name), t.b.WithGroup(name)}
}

var _ io.Writer = (*lumberjack.Logger)(nil)
