// Package logging provides structured logging for the trainer, the
// rollout workers and the inspection tools.
//
// It wraps log/slog so every component logs the same way: text or JSON
// output, a configurable level, and a "component" attribute.
//
// Usage:
//
//	logging.Init(slog.LevelInfo, false)
//
//	log := logging.Component("memory")
//	log.Info("trimmed", "rows", 50, "first_index", 50)
//
//	ctx = logging.ContextWithEpoch(ctx, 3)
//	logging.WithContext(ctx).Info("round done")
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter is Init with a custom destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel maps a config string (debug, info, warn, error) to a level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Component returns a logger for a specific component.
//
//	log := logging.Component("trainer")
//	log.Info("started") // time=... level=INFO component=trainer msg=started
func Component(name string) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With("component", name)
}

// WithContext returns a logger carrying the run, worker and epoch found in ctx.
func WithContext(ctx context.Context) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}

	logger := Logger

	if runID, ok := ctx.Value(contextKeyRunID).(string); ok {
		logger = logger.With("run_id", runID)
	}
	if workerID, ok := ctx.Value(contextKeyWorkerID).(string); ok {
		logger = logger.With("worker_id", workerID)
	}
	if epoch, ok := ctx.Value(contextKeyEpoch).(int); ok {
		logger = logger.With("epoch", epoch)
	}

	return logger
}

type contextKey int

const (
	contextKeyRunID contextKey = iota
	contextKeyWorkerID
	contextKeyEpoch
)

// ContextWithRunID adds a training run ID to the context for logging.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, contextKeyRunID, runID)
}

// ContextWithWorkerID adds a rollout worker ID to the context for logging.
func ContextWithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, contextKeyWorkerID, workerID)
}

// ContextWithEpoch adds the current epoch to the context for logging.
func ContextWithEpoch(ctx context.Context, epoch int) context.Context {
	return context.WithValue(ctx, contextKeyEpoch, epoch)
}
