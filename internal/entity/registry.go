// Package entity reflects workflow outcomes onto the business records that
// started them, dispatching by entity type.
package entity

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/passage/internal/config"
	"github.com/pitabwire/passage/internal/workflow"
	"github.com/pitabwire/passage/model"
)

// Registry holds one EntityStatusSink per entity type and dispatches status
// updates to it. It implements model.EntityStatusSink.
type Registry struct {
	sinks    map[string]model.EntityStatusSink
	fallback model.EntityStatusSink
}

// NewRegistry creates an empty registry. Entity types without a registered
// sink go to fallback; a nil fallback makes them an error.
func NewRegistry(fallback model.EntityStatusSink) *Registry {
	return &Registry{sinks: make(map[string]model.EntityStatusSink), fallback: fallback}
}

// Register binds entityType to sink, replacing any previous binding.
func (r *Registry) Register(entityType string, sink model.EntityStatusSink) {
	r.sinks[entityType] = sink
}

// Types returns the number of entity types with a dedicated sink.
func (r *Registry) Types() int {
	return len(r.sinks)
}

// SetStatus delegates to the sink registered for entityType.
func (r *Registry) SetStatus(ctx context.Context, entityType, entityID string, status model.InstanceStatus) error {
	sink, ok := r.sinks[entityType]
	if !ok {
		sink = r.fallback
	}
	if sink == nil {
		return fmt.Errorf("entity: no sink registered for entity type %q", entityType)
	}
	return sink.SetStatus(ctx, entityType, entityID, status)
}

// FromConfig builds a registry from the entities section of the config.
// Table sinks write through writer; unconfigured types are logged.
func FromConfig(entities map[string]config.EntityConfig, writer TableWriter, logger *zap.Logger) (*Registry, error) {
	reg := NewRegistry(NewLogSink(logger))
	for entityType, ec := range entities {
		switch ec.Sink {
		case config.SinkTable:
			sink, err := NewTableSink(writer, workflow.EntityTarget{
				Table:        ec.Table,
				IDColumn:     ec.IDColumn,
				StatusColumn: ec.StatusColumn,
			}, ec.Labels)
			if err != nil {
				return nil, fmt.Errorf("entity %s: %w", entityType, err)
			}
			reg.Register(entityType, sink)
		case config.SinkLog, "":
			reg.Register(entityType, NewLogSink(logger))
		default:
			return nil, fmt.Errorf("entity %s: unknown sink %q", entityType, ec.Sink)
		}
	}
	return reg, nil
}
