// Package logging provides structured logging for the relay.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type contextKey struct{}

// Logger wraps slog.Logger with the relay's attribute helpers.
type Logger struct {
	*slog.Logger
}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLevel maps a configured level name to a slog level. An empty name is info.
func ParseLevel(name string) (slog.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return slog.LevelInfo, nil
	}
	lvl, ok := levels[name]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
	return lvl, nil
}

// New creates a logger writing to w, or stdout when w is nil. Unknown level
// names fall back to info.
func New(level string, jsonFormat bool, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	lvl, _ := ParseLevel(level)

	opts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: rfc3339Time}
	if jsonFormat {
		return &Logger{slog.New(slog.NewJSONHandler(w, opts))}
	}
	return &Logger{slog.New(slog.NewTextHandler(w, opts))}
}

func rfc3339Time(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.TimeKey {
		return a
	}
	if t, ok := a.Value.Any().(time.Time); ok {
		a.Value = slog.StringValue(t.Format(time.RFC3339))
	}
	return a
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{slog.New(slog.DiscardHandler)}
}

// WithContext attaches l to ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the request logger stored by the logging middleware,
// or a default info logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(contextKey{}).(*Logger); ok {
		return l
	}
	return New("info", false, nil)
}

func (l *Logger) With(args ...any) *Logger {
	return &Logger{l.Logger.With(args...)}
}

func (l *Logger) WithComponent(name string) *Logger { return l.With("component", name) }

func (l *Logger) WithURL(url string) *Logger { return l.With("url", url) }

// WithProvider tags records with the chain provider walking a target.
func (l *Logger) WithProvider(name string) *Logger { return l.With("provider", name) }

// WithTarget tags records with a playback target key such as tv:1399:1:1.
func (l *Logger) WithTarget(key string) *Logger { return l.With("target", key) }

func (l *Logger) WithDuration(d time.Duration) *Logger {
	return l.With("duration_ms", d.Milliseconds())
}

// RequestLogger returns the per-request logger used by the HTTP middleware.
func (l *Logger) RequestLogger(method, path, remoteAddr, requestID string) *Logger {
	return l.With("method", method, "path", path, "remote_addr", remoteAddr, "request_id", requestID)
}
