package workflow

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/pitabwire/passage/model"
)

// Store persists templates, instances, step executions and the audit trail.
// Every mutating engine operation runs inside a single InTx call.
type Store interface {
	// InTx runs fn inside one transaction. A non-nil error from fn rolls
	// back every write made through the Tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// ListTemplates returns templates with their steps, ordered by name.
	ListTemplates(ctx context.Context, filters model.TemplateFilters) ([]model.WorkflowTemplate, error)

	// ListPending returns pending executions assigned to any of the given
	// roles or user ids, earliest due date first (no due date last), then
	// oldest instance first.
	ListPending(ctx context.Context, approvers []string) ([]model.PendingApproval, error)

	// FindOverdue returns pending executions whose due date is before
	// cutoff and that are not themselves the product of an escalation.
	FindOverdue(ctx context.Context, cutoff time.Time) ([]model.StepExecution, error)

	// FindUnsynced returns terminal instances whose outcome has not been
	// written to the entity sink, oldest completion first.
	FindUnsynced(ctx context.Context, limit int) ([]model.WorkflowInstance, error)

	// MarkSynced records that the instance outcome reached the entity sink.
	MarkSynced(ctx context.Context, instanceID string, at time.Time) error

	// GetEvents returns the audit trail of an instance in append order.
	GetEvents(ctx context.Context, instanceID string) ([]model.WorkflowEvent, error)

	// SetEntityStatus writes a status label onto a business table. Table
	// and column names must already be validated identifiers.
	SetEntityStatus(ctx context.Context, target EntityTarget, entityID, label string) error

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// Tx is the set of operations available inside a Store transaction.
type Tx interface {
	// InsertTemplate persists a template row without its steps.
	InsertTemplate(ctx context.Context, t model.WorkflowTemplate) error

	// UpdateTemplate persists name, description, active, version and
	// updated_at of an existing template. Returns NOT_FOUND if absent.
	UpdateTemplate(ctx context.Context, t model.WorkflowTemplate) error

	// ReplaceSteps deletes the template's steps and inserts the given set.
	ReplaceSteps(ctx context.Context, templateID string, steps []model.WorkflowStep) error

	// GetTemplate returns a template with its steps ordered by step number.
	GetTemplate(ctx context.Context, id string) (model.WorkflowTemplate, error)

	// CountPendingInstances counts instances of a template still pending.
	CountPendingInstances(ctx context.Context, templateID string) (int, error)

	// CreateInstance persists a new instance. Returns CONFLICT when the
	// (template, entity type, entity id) triple already has an instance.
	CreateInstance(ctx context.Context, inst model.WorkflowInstance) error

	// GetInstance returns an instance by id.
	GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error)

	// UpdateInstance persists the mutable fields of an instance. It only
	// applies while the stored row is pending and returns CONFLICT
	// otherwise.
	UpdateInstance(ctx context.Context, inst model.WorkflowInstance) error

	// CreateExecution persists a new step execution. Returns CONFLICT if
	// the instance already has a pending execution.
	CreateExecution(ctx context.Context, exec model.StepExecution) error

	// GetExecution returns a step execution by id.
	GetExecution(ctx context.Context, id string) (model.StepExecution, error)

	// TransitionExecution applies tr to the execution only while it is
	// still pending. Returns CONFLICT when the row is no longer pending.
	TransitionExecution(ctx context.Context, id string, tr model.ExecutionTransition) error

	// ListExecutions returns the executions of an instance by step number
	// and creation time.
	ListExecutions(ctx context.Context, instanceID string) ([]model.StepExecution, error)

	// AppendEvent adds an event to the instance's audit trail.
	AppendEvent(ctx context.Context, event model.WorkflowEvent) error
}

// EntityTarget names the business table and columns an entity type's status
// is written to.
type EntityTarget struct {
	Table        string
	IDColumn     string
	StatusColumn string
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Validate checks that every name is a plain SQL identifier.
func (t EntityTarget) Validate() error {
	for _, name := range []string{t.Table, t.IDColumn, t.StatusColumn} {
		if !identifierPattern.MatchString(name) {
			return fmt.Errorf("invalid entity identifier %q", name)
		}
	}
	return nil
}

func templateNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("workflow template %q not found", id))
}

func instanceNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
}

func executionNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("step execution %q not found", id))
}

func instanceNotPending(id string) error {
	return model.NewConflictError(fmt.Sprintf("workflow instance %q is no longer pending", id))
}

func executionNotPending(id string) error {
	return model.NewConflictError(fmt.Sprintf("step execution %q has already been decided", id))
}

func duplicateInstance(inst model.WorkflowInstance) error {
	return model.NewConflictError(fmt.Sprintf(
		"a workflow instance already exists for %s %q on template %q",
		inst.EntityType, inst.EntityID, inst.TemplateID,
	))
}

func duplicatePending(instanceID string) error {
	return model.NewConflictError(fmt.Sprintf("workflow instance %q already has a pending step", instanceID))
}
