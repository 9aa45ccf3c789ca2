// Package logging builds the process logger and carries request and stream
// scoped loggers through a context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a LOG_LEVEL value to a slog level. Unknown values are Info.
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

// NewHandler returns a JSON handler for format "json" and a text handler
// otherwise. Debug level also records the source line.
func NewHandler(w io.Writer, level, format string) slog.Handler {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl <= slog.LevelDebug}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// New creates the process logger on stdout.
func New(level, format string) *slog.Logger {
	return slog.New(NewHandler(os.Stdout, level, format))
}

type scopeKey struct{}

// scope is what a context carries for logging. It is copied on every
// change so parent contexts are never mutated.
type scope struct {
	logger    *slog.Logger
	requestID string
	streamID  string
}

func scopeOf(ctx context.Context) scope {
	if s, ok := ctx.Value(scopeKey{}).(scope); ok {
		return s
	}
	return scope{}
}

func withScope(ctx context.Context, edit func(*scope)) context.Context {
	s := scopeOf(ctx)
	edit(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withScope(ctx, func(s *scope) { s.requestID = requestID })
}

func RequestID(ctx context.Context) string { return scopeOf(ctx).requestID }

// WithStreamID tags the context with the id of the stream it serves.
func WithStreamID(ctx context.Context, streamID string) context.Context {
	return withScope(ctx, func(s *scope) { s.streamID = streamID })
}

func StreamID(ctx context.Context) string { return scopeOf(ctx).streamID }

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return withScope(ctx, func(s *scope) { s.logger = logger })
}

// FromContext returns the context logger, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if l := scopeOf(ctx).logger; l != nil {
		return l
	}
	return slog.Default()
}

// L returns the context logger with request_id and stream_id attached
// when the context has them.
func L(ctx context.Context) *slog.Logger {
	s := scopeOf(ctx)
	logger := FromContext(ctx)
	var attrs []any
	if s.requestID != "" {
		attrs = append(attrs, "request_id", s.requestID)
	}
	if s.streamID != "" {
		attrs = append(attrs, "stream_id", s.streamID)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
