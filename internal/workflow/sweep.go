package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/passage/internal/observability"
	"github.com/pitabwire/passage/model"
)

// errNotEscalated rolls back an escalation that no longer applies.
var errNotEscalated = errors.New("execution not escalated")

// SweepOverdue reassigns pending executions whose due date is before now to
// their step's escalation role. Executions that are themselves escalations,
// or whose step has no escalation role, are left alone, so repeated sweeps
// escalate each execution at most once.
func (e *Engine) SweepOverdue(ctx context.Context, now time.Time) (result model.SweepResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.sweep")
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.metrics.RecordJobRun("sweep", status, time.Since(start))
		observability.EndSpanWithError(span, err)
	}()

	overdue, err := e.store.FindOverdue(ctx, now)
	if err != nil {
		return model.SweepResult{}, fmt.Errorf("find overdue executions: %w", err)
	}

	logger := observability.LoggerFrom(ctx, e.logger)
	result.Escalated = []string{}
	for _, exec := range overdue {
		result.Examined++

		escalated, templateID, err := e.escalate(ctx, exec.ID, now)
		switch {
		case errors.Is(err, errNotEscalated), model.IsCode(err, model.ErrConflict):
			result.Skipped++
		case err != nil:
			result.Skipped++
			logger.Error("escalating overdue step failed",
				zap.String("execution_id", exec.ID),
				zap.Error(err),
			)
		default:
			result.Escalated = append(result.Escalated, escalated.ID)
			e.metrics.RecordEscalation(templateID)
			logger.Info("overdue step escalated",
				zap.String("instance_id", escalated.InstanceID),
				zap.String("from_execution_id", exec.ID),
				zap.String("execution_id", escalated.ID),
				zap.String("assigned_role", escalated.AssignedRole),
			)
		}
	}

	if result.Examined > 0 {
		logger.Debug("overdue sweep finished",
			zap.Int("examined", result.Examined),
			zap.Int("escalated", len(result.Escalated)),
			zap.Int("skipped", result.Skipped),
		)
	}
	return result, nil
}

// escalate replaces one overdue execution with a fresh pending execution of
// the same step assigned to the escalation role.
func (e *Engine) escalate(ctx context.Context, executionID string, now time.Time) (model.StepExecution, string, error) {
	var escalated model.StepExecution
	var templateID string
	fx := &effects{}

	err := e.store.InTx(ctx, func(tx Tx) error {
		cur, err := tx.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if cur.EscalatedFrom != "" || !cur.Overdue(now) {
			return errNotEscalated
		}
		inst, err := tx.GetInstance(ctx, cur.InstanceID)
		if err != nil {
			return err
		}
		tpl, err := tx.GetTemplate(ctx, inst.TemplateID)
		if err != nil {
			return err
		}
		templateID = tpl.ID
		step := tpl.StepByNumber(cur.StepNumber)
		if step == nil || step.EscalationRole == "" {
			return errNotEscalated
		}

		if err := tx.TransitionExecution(ctx, cur.ID, model.ExecutionTransition{
			Status:  model.ExecutionEscalated,
			ActedBy: SystemActor,
			ActedAt: now,
		}); err != nil {
			return err
		}

		escalated = newExecution(inst.ID, *step, now)
		escalated.AssignedRole = step.EscalationRole
		escalated.AssignedUser = ""
		escalated.EscalatedFrom = cur.ID

		inst.CurrentExecutionID = escalated.ID
		if err := tx.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		if err := tx.CreateExecution(ctx, escalated); err != nil {
			return err
		}
		fx.assigned = append(fx.assigned, escalated)

		return e.appendEvent(ctx, tx, inst.ID, escalated.ID, escalated.StepNumber, model.EventStepEscalated, SystemActor, map[string]any{
			"from_execution_id": cur.ID,
			"from_role":         cur.AssignedRole,
			"from_user":         cur.AssignedUser,
			"to_role":           escalated.AssignedRole,
		}, "")
	})
	if err != nil {
		return model.StepExecution{}, "", err
	}

	e.flush(ctx, fx)
	return escalated, templateID, nil
}
