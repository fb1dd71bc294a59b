package entity

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/passage/internal/observability"
	"github.com/pitabwire/passage/internal/workflow"
	"github.com/pitabwire/passage/model"
)

// TableWriter updates a status column on a business table. The workflow
// stores implement it.
type TableWriter interface {
	SetEntityStatus(ctx context.Context, target workflow.EntityTarget, entityID, label string) error
}

// TableSink writes the display label of a workflow outcome onto a business
// table row.
type TableSink struct {
	writer TableWriter
	target workflow.EntityTarget
	labels map[model.InstanceStatus]string
}

// NewTableSink returns a sink writing to target. labels overrides the
// default label of a status, keyed by status name.
func NewTableSink(writer TableWriter, target workflow.EntityTarget, labels map[string]string) (*TableSink, error) {
	if writer == nil {
		return nil, fmt.Errorf("table sink for %q needs a store", target.Table)
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	s := &TableSink{writer: writer, target: target, labels: make(map[model.InstanceStatus]string, len(labels))}
	for status, label := range labels {
		s.labels[model.InstanceStatus(status)] = label
	}
	return s, nil
}

// Label returns what is written for status.
func (s *TableSink) Label(status model.InstanceStatus) string {
	if l, ok := s.labels[status]; ok {
		return l
	}
	return status.Label()
}

// SetStatus implements model.EntityStatusSink.
func (s *TableSink) SetStatus(ctx context.Context, _, entityID string, status model.InstanceStatus) error {
	return s.writer.SetEntityStatus(ctx, s.target, entityID, s.Label(status))
}

// LogSink only records outcomes in the log. It serves entity types whose
// owning service polls the workflow API instead.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink; a nil logger discards.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// SetStatus implements model.EntityStatusSink.
func (s *LogSink) SetStatus(ctx context.Context, entityType, entityID string, status model.InstanceStatus) error {
	observability.LoggerFrom(ctx, s.logger).Info("entity status changed",
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("status", string(status)),
	)
	return nil
}
