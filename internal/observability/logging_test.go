package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/passage/internal/config"
	"github.com/pitabwire/passage/model"
)

// captureLogger returns a production-shaped logger writing into a buffer.
func captureLogger(level zapcore.Level) (*zap.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return newLogger(level, zapcore.AddSync(&buf)), &buf
}

func decodeEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line %q is not JSON: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		configured string
		enabled    zapcore.Level
		disabled   zapcore.Level
	}{
		{"debug", zapcore.DebugLevel, zapcore.InvalidLevel},
		{"info", zapcore.InfoLevel, zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel, zapcore.InfoLevel},
		{"error", zapcore.ErrorLevel, zapcore.WarnLevel},
		{"", zapcore.InfoLevel, zapcore.DebugLevel},
		{"verbose", zapcore.InfoLevel, zapcore.DebugLevel},
	}
	for _, tt := range tests {
		t.Run("level="+tt.configured, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.configured})
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			if !logger.Core().Enabled(tt.enabled) {
				t.Errorf("%s not enabled", tt.enabled)
			}
			if tt.disabled != zapcore.InvalidLevel && logger.Core().Enabled(tt.disabled) {
				t.Errorf("%s enabled", tt.disabled)
			}
		})
	}
}

func TestNewLogger_entryShape(t *testing.T) {
	logger, buf := captureLogger(zapcore.InfoLevel)

	logger.Info("workflow instance started",
		zap.String("instance_id", "inst-1"),
		zap.String("template_id", "tpl-travel"),
	)
	logger.Debug("directory lookup")

	entries := decodeEntries(t, buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 (debug must be filtered)", len(entries))
	}
	e := entries[0]
	for k, want := range map[string]string{
		"level":       "info",
		"msg":         "workflow instance started",
		"service":     "passage",
		"instance_id": "inst-1",
		"template_id": "tpl-travel",
	} {
		if e[k] != want {
			t.Errorf("%s = %v, want %q", k, e[k], want)
		}
	}
	for _, k := range []string{"timestamp", "caller"} {
		if _, ok := e[k]; !ok {
			t.Errorf("entry has no %q field", k)
		}
	}
}

func TestLoggerFrom(t *testing.T) {
	stored := zap.NewNop()
	fallback := zap.NewExample()

	if got := LoggerFrom(WithLogger(context.Background(), stored), fallback); got != stored {
		t.Error("LoggerFrom() ignored the context logger")
	}
	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("LoggerFrom() did not fall back")
	}
	if got := LoggerFrom(WithLogger(context.Background(), nil), fallback); got != fallback {
		t.Error("LoggerFrom() returned a nil context logger")
	}
}

func TestRequestLogger_fields(t *testing.T) {
	approver := &model.RequestContext{
		SubjectID:     "user-mark",
		Roles:         []string{"manager"},
		CorrelationID: "corr-7",
		TraceID:       "trace-from-header",
	}

	tests := []struct {
		name   string
		ctx    func(t *testing.T) context.Context
		want   map[string]string
		absent []string
	}{
		{
			name: "request context",
			ctx: func(t *testing.T) context.Context {
				return model.WithRequestContext(context.Background(), approver)
			},
			want: map[string]string{"actor_id": "user-mark", "correlation_id": "corr-7", "trace_id": "trace-from-header"},
		},
		{
			name: "no trace id",
			ctx: func(t *testing.T) context.Context {
				rc := *approver
				rc.TraceID = ""
				return model.WithRequestContext(context.Background(), &rc)
			},
			want:   map[string]string{"actor_id": "user-mark"},
			absent: []string{"trace_id"},
		},
		{
			name: "background job",
			ctx: func(t *testing.T) context.Context {
				return context.Background()
			},
			absent: []string{"actor_id", "correlation_id", "trace_id"},
		},
		{
			name: "active span",
			ctx: func(t *testing.T) context.Context {
				installRecorder(t)
				ctx, span := StartSpan(context.Background(), "workflow.sweep")
				t.Cleanup(func() { span.End() })
				return ctx
			},
			absent: []string{"actor_id"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, buf := captureLogger(zapcore.DebugLevel)
			ctx := tt.ctx(t)

			RequestLogger(ctx, base).Info("workflow step decided")

			entries := decodeEntries(t, buf)
			if len(entries) != 1 {
				t.Fatalf("got %d entries, want 1", len(entries))
			}
			e := entries[0]
			for k, want := range tt.want {
				if e[k] != want {
					t.Errorf("%s = %v, want %q", k, e[k], want)
				}
			}
			for _, k := range tt.absent {
				if _, ok := e[k]; ok {
					t.Errorf("unexpected field %q = %v", k, e[k])
				}
			}
			if tt.name == "active span" && e["trace_id"] != TraceIDFromContext(ctx) {
				t.Errorf("trace_id = %v, want the active span's trace", e["trace_id"])
			}
		})
	}
}
