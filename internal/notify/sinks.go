package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/passage/internal/observability"
	"github.com/pitabwire/passage/model"
)

// LogSink writes notifications to the log instead of a broker.
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

// OnStepAssigned logs the assignment.
func (s *LogSink) OnStepAssigned(ctx context.Context, exec model.StepExecution) error {
	s.log(ctx, assignedMessage(exec, time.Now().UTC()))
	return nil
}

// OnInstanceCompleted logs the outcome.
func (s *LogSink) OnInstanceCompleted(ctx context.Context, inst model.WorkflowInstance) error {
	s.log(ctx, completedMessage(inst, time.Now().UTC()))
	return nil
}

func (s *LogSink) log(ctx context.Context, msg Message) {
	fields := []zap.Field{
		zap.String("event", msg.Event),
		zap.String("instance_id", msg.InstanceID),
		zap.String("status", msg.Status),
	}
	if msg.ExecutionID != "" {
		fields = append(fields,
			zap.String("execution_id", msg.ExecutionID),
			zap.Int("step_number", msg.StepNumber),
			zap.String("assigned_role", msg.AssignedRole),
			zap.String("assigned_user", msg.AssignedUser),
		)
	}
	observability.LoggerFrom(ctx, s.logger).Info("workflow notification", fields...)
}

// Fanout delivers every notification to all of its sinks. A failing sink
// does not stop delivery to the others; their errors are joined.
type Fanout []model.EventSink

// OnStepAssigned implements model.EventSink.
func (f Fanout) OnStepAssigned(ctx context.Context, exec model.StepExecution) error {
	var errs []error
	for _, s := range f {
		if err := s.OnStepAssigned(ctx, exec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnInstanceCompleted implements model.EventSink.
func (f Fanout) OnInstanceCompleted(ctx context.Context, inst model.WorkflowInstance) error {
	var errs []error
	for _, s := range f {
		if err := s.OnInstanceCompleted(ctx, inst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
