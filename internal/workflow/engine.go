package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/passage/internal/definition"
	"github.com/pitabwire/passage/internal/observability"
	"github.com/pitabwire/passage/model"
)

// SystemActor is recorded as the actor of transitions the engine makes on
// its own, such as escalations.
const SystemActor = "system"

// DefaultAdminRole may cancel any instance.
const DefaultAdminRole = "workflow_admin"

// Deps are the collaborators of an Engine. Only Store is required.
type Deps struct {
	Store     Store
	Validator *definition.Validator
	Directory model.ApproverDirectory
	Entities  model.EntityStatusSink
	Events    model.EventSink
	Metrics   *observability.Metrics
	Logger    *zap.Logger
	Clock     func() time.Time
	AdminRole string
}

// Engine runs approval workflows: it owns templates, starts instances and
// moves them through their steps.
type Engine struct {
	store     Store
	validator *definition.Validator
	directory model.ApproverDirectory
	entities  model.EntityStatusSink
	events    model.EventSink
	metrics   *observability.Metrics
	logger    *zap.Logger
	clock     func() time.Time
	adminRole string
}

// NewEngine creates a new workflow engine. Missing optional collaborators
// are replaced by no-op implementations.
func NewEngine(deps Deps) *Engine {
	e := &Engine{
		store:     deps.Store,
		validator: deps.Validator,
		directory: deps.Directory,
		entities:  deps.Entities,
		events:    deps.Events,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		clock:     deps.Clock,
		adminRole: deps.AdminRole,
	}
	if e.validator == nil {
		e.validator = definition.NewValidator(definition.DefaultMaxCumulativeDays)
	}
	if e.directory == nil {
		e.directory = noop{}
	}
	if e.entities == nil {
		e.entities = noop{}
	}
	if e.events == nil {
		e.events = noop{}
	}
	if e.metrics == nil {
		e.metrics = observability.InitMetrics(prometheus.NewRegistry())
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.clock == nil {
		e.clock = func() time.Time { return time.Now().UTC() }
	}
	if e.adminRole == "" {
		e.adminRole = DefaultAdminRole
	}
	return e
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.clock()
}

// StartInstance creates a pending instance of a template for one business
// entity, positioned on the template's first step.
func (e *Engine) StartInstance(ctx context.Context, req model.StartRequest) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrTemplateID.String(req.TemplateID),
		observability.AttrEntityType.String(req.EntityType),
		observability.AttrActorID.String(req.InitiatedBy),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Check the request.
	if req.TemplateID == "" || req.EntityID == "" || req.EntityType == "" || req.InitiatedBy == "" {
		return model.WorkflowInstance{}, model.NewBadRequestError(
			"template_id, entity_id, entity_type and initiated_by are required",
		)
	}

	fx := &effects{}
	err = e.store.InTx(ctx, func(tx Tx) error {
		// 2. Load the template and make sure it can run.
		tpl, err := tx.GetTemplate(ctx, req.TemplateID)
		if err != nil {
			return err
		}
		if !tpl.Active {
			return model.NewConfigurationError(fmt.Sprintf("workflow template %q is not active", tpl.ID))
		}
		first := tpl.NextStep(0)
		if first == nil {
			return model.NewConfigurationError(fmt.Sprintf("workflow template %q has no steps", tpl.ID))
		}

		// 3. Create the instance on step one.
		now := e.clock()
		inst = model.WorkflowInstance{
			ID:              uuid.New().String(),
			TemplateID:      tpl.ID,
			TemplateVersion: tpl.Version,
			EntityID:        req.EntityID,
			EntityType:      req.EntityType,
			Status:          model.InstancePending,
			InitiatedBy:     req.InitiatedBy,
			Metadata:        req.Metadata,
			StartedAt:       now,
		}
		exec := newExecution(inst.ID, *first, now)
		inst.CurrentStepID = first.ID
		inst.CurrentStepNumber = first.StepNumber
		inst.CurrentExecutionID = exec.ID

		if err := tx.CreateInstance(ctx, inst); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, inst.ID, "", 0, model.EventInstanceStarted, req.InitiatedBy, map[string]any{
			"template_version": tpl.Version,
			"entity_type":      inst.EntityType,
			"entity_id":        inst.EntityID,
		}, ""); err != nil {
			return err
		}

		// 4. Materialize the first step execution.
		return e.assign(ctx, tx, exec, req.InitiatedBy, fx)
	})
	if err != nil {
		if model.IsCode(err, model.ErrConflict) {
			e.metrics.RecordConflict("start")
		}
		return model.WorkflowInstance{}, err
	}

	e.metrics.RecordWorkflowStart(inst.TemplateID)
	observability.LoggerFrom(ctx, e.logger).Info("workflow instance started",
		zap.String("instance_id", inst.ID),
		zap.String("template_id", inst.TemplateID),
		zap.String("entity_type", inst.EntityType),
		zap.String("entity_id", inst.EntityID),
	)
	e.flush(ctx, fx)
	return inst, nil
}

// CancelInstance terminates a pending instance as cancelled. Only the
// initiator or a holder of the admin role may cancel.
func (e *Engine) CancelInstance(ctx context.Context, instanceID string, actor model.Actor, reason string) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.cancel",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrActorID.String(actor.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	fx := &effects{}
	err = e.store.InTx(ctx, func(tx Tx) error {
		inst, err = tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status.Terminal() {
			return model.NewInstanceNotActiveError(
				fmt.Sprintf("workflow instance %q is already %s", inst.ID, inst.Status),
			)
		}
		if actor.ID != inst.InitiatedBy && !actor.HasRole(e.adminRole) {
			return model.NewForbiddenError("only the initiator or an administrator may cancel this workflow")
		}

		now := e.clock()
		if inst.CurrentExecutionID != "" {
			if err := tx.TransitionExecution(ctx, inst.CurrentExecutionID, model.ExecutionTransition{
				Status:   model.ExecutionSkipped,
				ActedBy:  actor.ID,
				ActedAt:  now,
				Comments: reason,
			}); err != nil {
				return err
			}
		}
		inst, err = e.terminate(ctx, tx, inst, model.InstanceCancelled, actor.ID, reason, fx)
		return err
	})
	if err != nil {
		if model.IsCode(err, model.ErrConflict) {
			e.metrics.RecordConflict("cancel")
		}
		return model.WorkflowInstance{}, err
	}

	e.metrics.RecordWorkflowCompletion(inst.TemplateID, string(inst.Status))
	observability.LoggerFrom(ctx, e.logger).Info("workflow instance cancelled",
		zap.String("instance_id", inst.ID),
		zap.String("actor_id", actor.ID),
	)
	e.flush(ctx, fx)
	return inst, nil
}

// GetInstance returns an instance with its executions, audit trail and the
// users who can act on its current step.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (model.InstanceDetail, error) {
	var detail model.InstanceDetail
	var current *model.StepExecution

	err := e.store.InTx(ctx, func(tx Tx) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		tpl, err := tx.GetTemplate(ctx, inst.TemplateID)
		if err != nil {
			return err
		}
		execs, err := tx.ListExecutions(ctx, inst.ID)
		if err != nil {
			return err
		}

		detail.Instance = inst
		detail.TemplateName = tpl.Name
		detail.Executions = execs
		for i := range execs {
			if execs[i].ID == inst.CurrentExecutionID && execs[i].Status == model.ExecutionPending {
				current = &execs[i]
			}
		}
		return nil
	})
	if err != nil {
		return model.InstanceDetail{}, err
	}

	detail.History, err = e.store.GetEvents(ctx, instanceID)
	if err != nil {
		return model.InstanceDetail{}, err
	}
	if current != nil {
		detail.CurrentApprovers = e.currentApprovers(ctx, *current)
	}
	return detail, nil
}

// currentApprovers lists who can act on exec. Directory failures are logged
// and yield an empty list.
func (e *Engine) currentApprovers(ctx context.Context, exec model.StepExecution) []string {
	if exec.AssignedUser != "" {
		return []string{exec.AssignedUser}
	}
	users, err := e.directory.ResolveApprover(ctx, exec.AssignedRole)
	if err != nil {
		observability.LoggerFrom(ctx, e.logger).Warn("resolving approvers failed",
			zap.String("role", exec.AssignedRole),
			zap.Error(err),
		)
		return nil
	}
	return users
}

// ListPendingForApprover returns the pending executions assigned to a role
// or to a user id.
func (e *Engine) ListPendingForApprover(ctx context.Context, roleOrUser string) ([]model.PendingApproval, error) {
	if roleOrUser == "" {
		return nil, model.NewBadRequestError("an approver role or user id is required")
	}
	return e.store.ListPending(ctx, []string{roleOrUser})
}

// ListPendingForActor returns the pending executions the actor can decide:
// those assigned to the actor directly or to any of the actor's roles.
func (e *Engine) ListPendingForActor(ctx context.Context, actor model.Actor) ([]model.PendingApproval, error) {
	approvers := make([]string, 0, len(actor.Roles)+1)
	if actor.ID != "" {
		approvers = append(approvers, actor.ID)
	}
	for _, r := range actor.Roles {
		if r != "" {
			approvers = append(approvers, r)
		}
	}
	if len(approvers) == 0 {
		return []model.PendingApproval{}, nil
	}
	return e.store.ListPending(ctx, approvers)
}

// advance moves inst past step fromStep: onto the next step, or to approved
// when fromStep was the last one.
func (e *Engine) advance(ctx context.Context, tx Tx, inst model.WorkflowInstance, tpl model.WorkflowTemplate, fromStep int, actorID string, fx *effects) (model.WorkflowInstance, error) {
	next := tpl.NextStep(fromStep)
	if next == nil {
		return e.terminate(ctx, tx, inst, model.InstanceApproved, actorID, "", fx)
	}

	exec := newExecution(inst.ID, *next, e.clock())
	inst.CurrentStepID = next.ID
	inst.CurrentStepNumber = next.StepNumber
	inst.CurrentExecutionID = exec.ID
	if err := tx.UpdateInstance(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := e.assign(ctx, tx, exec, actorID, fx); err != nil {
		return model.WorkflowInstance{}, err
	}
	return inst, nil
}

var completionEvents = map[model.InstanceStatus]string{
	model.InstanceApproved:  model.EventInstanceApproved,
	model.InstanceRejected:  model.EventInstanceRejected,
	model.InstanceCancelled: model.EventInstanceCancelled,
}

// terminate moves inst to a terminal outcome and clears its current step.
func (e *Engine) terminate(ctx context.Context, tx Tx, inst model.WorkflowInstance, outcome model.InstanceStatus, actorID, comment string, fx *effects) (model.WorkflowInstance, error) {
	event, ok := completionEvents[outcome]
	if !ok {
		return model.WorkflowInstance{}, fmt.Errorf("terminate: %q is not a terminal status", outcome)
	}

	now := e.clock()
	inst.Status = outcome
	inst.CompletedAt = &now
	inst.CurrentStepID = ""
	inst.CurrentStepNumber = 0
	inst.CurrentExecutionID = ""
	if err := tx.UpdateInstance(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := e.appendEvent(ctx, tx, inst.ID, "", 0, event, actorID, nil, comment); err != nil {
		return model.WorkflowInstance{}, err
	}
	fx.completed = append(fx.completed, inst)
	return inst, nil
}

// assign persists a new pending execution and records the assignment.
func (e *Engine) assign(ctx context.Context, tx Tx, exec model.StepExecution, actorID string, fx *effects) error {
	if err := tx.CreateExecution(ctx, exec); err != nil {
		return err
	}
	data := map[string]any{"step_name": exec.StepName}
	if exec.AssignedRole != "" {
		data["assigned_role"] = exec.AssignedRole
	}
	if exec.AssignedUser != "" {
		data["assigned_user"] = exec.AssignedUser
	}
	if exec.DueAt != nil {
		data["due_at"] = exec.DueAt.Format(time.RFC3339)
	}
	if err := e.appendEvent(ctx, tx, exec.InstanceID, exec.ID, exec.StepNumber, model.EventStepAssigned, actorID, data, ""); err != nil {
		return err
	}
	fx.assigned = append(fx.assigned, exec)
	return nil
}

// newExecution builds a pending execution of step, assigned per the step
// definition and due after the step timeout.
func newExecution(instanceID string, step model.WorkflowStep, now time.Time) model.StepExecution {
	return model.StepExecution{
		ID:           uuid.New().String(),
		InstanceID:   instanceID,
		StepID:       step.ID,
		StepNumber:   step.StepNumber,
		StepName:     step.Name,
		AssignedRole: step.RequiredRole,
		AssignedUser: step.ApproverUserID,
		Status:       model.ExecutionPending,
		DueAt:        step.DueAt(now),
		CreatedAt:    now,
	}
}

func (e *Engine) appendEvent(
	ctx context.Context,
	tx Tx,
	instanceID, executionID string,
	stepNumber int,
	event, actorID string,
	data map[string]any,
	comment string,
) error {
	return tx.AppendEvent(ctx, model.WorkflowEvent{
		ID:          uuid.New().String(),
		InstanceID:  instanceID,
		ExecutionID: executionID,
		StepNumber:  stepNumber,
		Event:       event,
		ActorID:     actorID,
		Data:        data,
		Comment:     comment,
		Timestamp:   e.clock(),
	})
}

// effects are the side effects of a transaction, delivered after it commits.
type effects struct {
	assigned  []model.StepExecution
	completed []model.WorkflowInstance
}

// flush delivers effects. Failures are logged and counted; they never undo
// the committed transition.
func (e *Engine) flush(ctx context.Context, fx *effects) {
	ctx = context.WithoutCancel(ctx)
	logger := observability.LoggerFrom(ctx, e.logger)

	for _, inst := range fx.completed {
		_ = e.syncEntity(ctx, inst)
		if err := e.events.OnInstanceCompleted(ctx, inst); err != nil {
			e.metrics.RecordNotifyFailure("instance_completed")
			logger.Warn("instance completion notification failed",
				zap.String("instance_id", inst.ID),
				zap.Error(err),
			)
		}
	}
	for _, exec := range fx.assigned {
		if err := e.events.OnStepAssigned(ctx, exec); err != nil {
			e.metrics.RecordNotifyFailure("step_assigned")
			logger.Warn("step assignment notification failed",
				zap.String("execution_id", exec.ID),
				zap.Error(err),
			)
		}
	}
}

// syncEntity writes the outcome of a terminal instance onto its business
// record and marks the instance synced.
func (e *Engine) syncEntity(ctx context.Context, inst model.WorkflowInstance) error {
	logger := observability.LoggerFrom(ctx, e.logger)

	if err := e.entities.SetStatus(ctx, inst.EntityType, inst.EntityID, inst.Status); err != nil {
		e.metrics.RecordEntitySyncFailure(inst.EntityType)
		logger.Error("entity status sync failed",
			zap.String("instance_id", inst.ID),
			zap.String("entity_type", inst.EntityType),
			zap.String("entity_id", inst.EntityID),
			zap.Error(err),
		)
		return err
	}
	if err := e.store.MarkSynced(ctx, inst.ID, e.clock()); err != nil {
		logger.Error("marking instance synced failed",
			zap.String("instance_id", inst.ID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// noop stands in for optional collaborators.
type noop struct{}

func (noop) ResolveApprover(context.Context, string) ([]string, error) { return nil, nil }

func (noop) SetStatus(context.Context, string, string, model.InstanceStatus) error { return nil }

func (noop) OnStepAssigned(context.Context, model.StepExecution) error { return nil }

func (noop) OnInstanceCompleted(context.Context, model.WorkflowInstance) error { return nil }
