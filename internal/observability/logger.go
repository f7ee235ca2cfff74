package observability

import (
	"context"
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/leadnova/leadnova/internal/config"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

const (
	logFileMaxSizeMB  = 10
	logFileMaxBackups = 5
)

func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: cfg.Observability.LogLevel})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: cfg.Observability.LogLevel})
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

// LogWriter returns stdout combined with a size-rotated activity file when
// LEADNOVA_LOG_FILE is set. The returned closer releases the file handle.
func LogWriter(cfg config.Config, stdout io.Writer) (io.Writer, io.Closer) {
	if cfg.Observability.LogFile == "" {
		return stdout, nopCloser{}
	}
	file := &lumberjack.Logger{
		Filename:   cfg.Observability.LogFile,
		MaxSize:    logFileMaxSizeMB,
		MaxBackups: logFileMaxBackups,
	}
	if stdout == nil {
		return file, file
	}
	return io.MultiWriter(stdout, file), file
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}
