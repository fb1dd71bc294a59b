package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/passage/internal/observability"
	"github.com/pitabwire/passage/model"
)

var decisionEvents = map[model.Action]struct {
	status model.ExecutionStatus
	event  string
}{
	model.ActionApprove: {model.ExecutionApproved, model.EventStepApproved},
	model.ActionReject:  {model.ExecutionRejected, model.EventStepRejected},
}

// DecideStep applies an approve or reject decision to a pending step
// execution. Approval advances the instance to its next step or completes it;
// rejection terminates it. A decision on an execution that is no longer
// pending fails with CONFLICT and changes nothing.
func (e *Engine) DecideStep(
	ctx context.Context,
	executionID string,
	action model.Action,
	actor model.Actor,
	comments string,
) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.decide",
		observability.AttrExecutionID.String(executionID),
		observability.AttrAction.String(string(action)),
		observability.AttrActorID.String(actor.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	outcome, ok := decisionEvents[action]
	if !ok {
		return model.WorkflowInstance{}, model.NewBadRequestError(
			fmt.Sprintf("action must be %q or %q", model.ActionApprove, model.ActionReject),
		)
	}
	if actor.ID == "" {
		return model.WorkflowInstance{}, model.NewBadRequestError("actor is required")
	}

	var decided model.StepExecution
	fx := &effects{}
	err = e.store.InTx(ctx, func(tx Tx) error {
		// 1. Load the execution and check it can still be decided by actor.
		exec, err := tx.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Status != model.ExecutionPending {
			return executionNotPending(exec.ID)
		}
		if !actor.CanAct(exec) {
			return model.NewNotAssignedError(
				fmt.Sprintf("step %q is not assigned to %q", exec.StepName, actor.ID),
			)
		}

		// 2. Load the instance and the step graph it runs on.
		inst, err = tx.GetInstance(ctx, exec.InstanceID)
		if err != nil {
			return err
		}
		if inst.Status.Terminal() {
			return model.NewInstanceNotActiveError(
				fmt.Sprintf("workflow instance %q is already %s", inst.ID, inst.Status),
			)
		}
		tpl, err := tx.GetTemplate(ctx, inst.TemplateID)
		if err != nil {
			return err
		}
		if tpl.Version != inst.TemplateVersion {
			return model.NewConfigurationError(fmt.Sprintf(
				"workflow template %q changed from version %d to %d while instance %q was running",
				tpl.ID, inst.TemplateVersion, tpl.Version, inst.ID,
			))
		}

		// 3. Record the decision. The conditional update is the guard
		// against a concurrent decision on the same execution.
		now := e.clock()
		if err := tx.TransitionExecution(ctx, exec.ID, model.ExecutionTransition{
			Status:   outcome.status,
			ActedBy:  actor.ID,
			ActedAt:  now,
			Comments: comments,
		}); err != nil {
			return err
		}
		exec.Status = outcome.status
		exec.ActedBy = actor.ID
		exec.ActedAt = &now
		exec.Comments = comments
		decided = exec

		if err := e.appendEvent(ctx, tx, inst.ID, exec.ID, exec.StepNumber, outcome.event, actor.ID, nil, comments); err != nil {
			return err
		}

		// 4. Move the instance on.
		if action == model.ActionReject {
			inst, err = e.terminate(ctx, tx, inst, model.InstanceRejected, actor.ID, comments, fx)
			return err
		}
		inst, err = e.advance(ctx, tx, inst, tpl, exec.StepNumber, actor.ID, fx)
		return err
	})
	if err != nil {
		if model.IsCode(err, model.ErrConflict) {
			e.metrics.RecordConflict("decide")
		}
		return model.WorkflowInstance{}, err
	}

	e.metrics.RecordWorkflowDecision(inst.TemplateID, decided.StepNumber, string(action), decided.ActedAt.Sub(decided.CreatedAt))
	if inst.Status.Terminal() {
		e.metrics.RecordWorkflowCompletion(inst.TemplateID, string(inst.Status))
	}
	observability.LoggerFrom(ctx, e.logger).Info("workflow step decided",
		zap.String("instance_id", inst.ID),
		zap.String("execution_id", decided.ID),
		zap.Int("step_number", decided.StepNumber),
		zap.String("action", string(action)),
		zap.String("actor_id", actor.ID),
		zap.String("instance_status", string(inst.Status)),
	)
	e.flush(ctx, fx)
	return inst, nil
}

// DelegateStep reassigns a pending execution to another user or role. The
// step must allow delegation and the actor must be its current assignee.
func (e *Engine) DelegateStep(
	ctx context.Context,
	executionID string,
	actor model.Actor,
	req model.DelegateRequest,
) (exec model.StepExecution, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.delegate",
		observability.AttrExecutionID.String(executionID),
		observability.AttrActorID.String(actor.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if (req.ToUser == "") == (req.ToRole == "") {
		return model.StepExecution{}, model.NewBadRequestError("exactly one of to_user and to_role is required")
	}

	var templateID string
	fx := &effects{}
	err = e.store.InTx(ctx, func(tx Tx) error {
		exec, err = tx.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Status != model.ExecutionPending {
			return executionNotPending(exec.ID)
		}
		if !actor.CanAct(exec) {
			return model.NewNotAssignedError(
				fmt.Sprintf("step %q is not assigned to %q", exec.StepName, actor.ID),
			)
		}
		if exec.AssignedUser == req.ToUser && exec.AssignedRole == req.ToRole {
			return model.NewBadRequestError("the step is already assigned there")
		}

		inst, err := tx.GetInstance(ctx, exec.InstanceID)
		if err != nil {
			return err
		}
		tpl, err := tx.GetTemplate(ctx, inst.TemplateID)
		if err != nil {
			return err
		}
		templateID = tpl.ID
		step := tpl.StepByNumber(exec.StepNumber)
		if step == nil || !step.CanDelegate {
			return model.NewDelegationDeniedError(
				fmt.Sprintf("step %q does not allow delegation", exec.StepName),
			)
		}

		role, user := req.ToRole, req.ToUser
		if err := tx.TransitionExecution(ctx, exec.ID, model.ExecutionTransition{
			AssignedRole: &role,
			AssignedUser: &user,
			DelegatedBy:  actor.ID,
		}); err != nil {
			return err
		}

		data := map[string]any{
			"from_role": exec.AssignedRole,
			"from_user": exec.AssignedUser,
			"to_role":   role,
			"to_user":   user,
		}
		exec.AssignedRole = role
		exec.AssignedUser = user
		exec.DelegatedBy = actor.ID

		if err := e.appendEvent(ctx, tx, inst.ID, exec.ID, exec.StepNumber, model.EventStepDelegated, actor.ID, data, req.Comments); err != nil {
			return err
		}
		fx.assigned = append(fx.assigned, exec)
		return nil
	})
	if err != nil {
		if model.IsCode(err, model.ErrConflict) {
			e.metrics.RecordConflict("delegate")
		}
		return model.StepExecution{}, err
	}

	e.metrics.RecordDelegation(templateID)
	observability.LoggerFrom(ctx, e.logger).Info("workflow step delegated",
		zap.String("execution_id", exec.ID),
		zap.String("actor_id", actor.ID),
		zap.String("to_user", req.ToUser),
		zap.String("to_role", req.ToRole),
	)
	e.flush(ctx, fx)
	return exec, nil
}
