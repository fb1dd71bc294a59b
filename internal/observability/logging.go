package observability

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/passage/internal/config"
	"github.com/pitabwire/passage/model"
)

type loggerKey struct{}

// NewLogger builds the service logger: JSON lines on stdout at the configured
// level, info when the level is missing or unknown.
//
// Levels as used across passage:
//   - error: store or broker failures, panics, 5xx responses
//   - warn:  4xx responses, entity sync and notification failures, lost decision races
//   - info:  requests, workflow transitions, template writes, job summaries
//   - debug: directory lookups and per-row sweep decisions
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	return newLogger(level, zapcore.Lock(os.Stdout)), nil
}

func newLogger(level zapcore.Level, out zapcore.WriteSyncer) *zap.Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})
	core := zapcore.NewCore(enc, out, zap.NewAtomicLevelAt(level))
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
	).With(zap.String("service", "passage"))
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller's identity
// and correlation ID. The trace ID comes from the request context, or from
// the active span when the request context has none.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	var fields []zap.Field
	traceID := TraceIDFromContext(ctx)
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		fields = append(fields,
			zap.String("actor_id", rctx.SubjectID),
			zap.String("correlation_id", rctx.CorrelationID),
		)
		if rctx.TraceID != "" {
			traceID = rctx.TraceID
		}
	}
	if traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
