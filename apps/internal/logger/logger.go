// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package logger adapts a *slog.Logger to the levels used by the token pipeline and the cache.
package logger

import (
	"context"
	"log/slog"
)

type Level string

const (
	Info  Level = "info"
	Err   Level = "error"
	Warn  Level = "warn"
	Debug Level = "debug"
)

// LoggerInterface defines the methods that a logger should implement
type LoggerInterface interface {
	Log(ctx context.Context, level Level, message string, fields ...any)
}

// logger forwards to a *slog.Logger.
type logger struct {
	logging *slog.Logger
}

// New returns a LoggerInterface writing to l. A nil l discards everything, so libraries stay
// silent unless the application opts in.
func New(l *slog.Logger) LoggerInterface {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	return &logger{logging: l}
}

// Log writes message at level with the given slog attributes.
func (a *logger) Log(ctx context.Context, level Level, message string, fields ...any) {
	if a == nil || a.logging == nil {
		return
	}
	var slogLevel slog.Level
	switch level {
	case Info:
		slogLevel = slog.LevelInfo
	case Err:
		slogLevel = slog.LevelError
	case Warn:
		slogLevel = slog.LevelWarn
	case Debug:
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	a.logging.Log(ctx, slogLevel, message, fields...)
}

// Field creates a slog field for any value
func Field(key string, value any) any {
	return slog.Any(key, value)
}
